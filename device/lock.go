package device

import (
	"context"
	"fmt"
	"sync"
)

// An Owner identifies who holds a device lock. Every job's control record
// has its own Owner. The zero Owner never holds anything.
type Owner uint64

// NoOwner is the zero Owner.
const NoOwner Owner = 0

// BlockedState says why a device is blocked. While a device is blocked only
// the owner that blocked it may take the device lock.
type BlockedState int

const (
	NotBlocked BlockedState = iota
	UserUnmounted
	WaitingForOperator
	DoingAcquire
	WritingLabel
	UnmountedWaitingForOperator
	Mounting
)

var blockedNames = [...]string{
	"not blocked",
	"user unmounted",
	"waiting for operator",
	"doing acquire",
	"writing label",
	"unmounted waiting for operator",
	"mounting",
}

func (b BlockedState) String() string {
	if b < 0 || int(b) >= len(blockedNames) {
		return fmt.Sprintf("blocked(%d)", int(b))
	}
	return blockedNames[b]
}

// A Lock is a recursive mutex with a blocked state layered on top of it.
//
// Lock waits while another owner holds the lock, or while the device is
// blocked by someone other than the caller. The owner that blocked the
// device passes straight through, so it can keep doing device I/O during a
// long mount or label operation. Unblock wakes everyone waiting.
type Lock struct {
	m    sync.Mutex
	cond *sync.Cond

	holder Owner
	count  int

	blocked     BlockedState
	prevBlocked BlockedState
	noWait      Owner // owner allowed through while blocked
	waiting     int   // number of owners parked in Lock

	steals []*StolenLock
}

func (l *Lock) init() {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.m)
	}
}

// Lock acquires the lock for o, waiting as described above. Calls nest.
func (l *Lock) Lock(o Owner) {
	l.m.Lock()
	l.init()
	for !l.mayEnter(o) {
		l.waiting++
		l.cond.Wait()
		l.waiting--
	}
	l.holder = o
	l.count++
	l.m.Unlock()
}

// LockContext is Lock giving up when ctx is done, in which case the lock is
// not held and ctx.Err() is returned.
func (l *Lock) LockContext(ctx context.Context, o Owner) error {
	l.m.Lock()
	l.init()
	if !l.mayEnter(o) {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				l.m.Lock()
				l.cond.Broadcast()
				l.m.Unlock()
			case <-stop:
			}
		}()
	}
	for !l.mayEnter(o) {
		if err := ctx.Err(); err != nil {
			l.m.Unlock()
			return err
		}
		l.waiting++
		l.cond.Wait()
		l.waiting--
	}
	l.holder = o
	l.count++
	l.m.Unlock()
	return nil
}

// mayEnter must be called with l.m held.
func (l *Lock) mayEnter(o Owner) bool {
	if l.holder == o {
		return true
	}
	if l.holder != NoOwner {
		return false
	}
	return l.blocked == NotBlocked || l.noWait == o
}

// TryLock takes the lock for o if that can be done without waiting.
func (l *Lock) TryLock(o Owner) bool {
	l.m.Lock()
	defer l.m.Unlock()
	l.init()
	if !l.mayEnter(o) {
		return false
	}
	l.holder = o
	l.count++
	return true
}

// Unlock releases one level of the lock held by o.
func (l *Lock) Unlock(o Owner) {
	l.m.Lock()
	defer l.m.Unlock()
	if l.holder != o || l.count == 0 {
		panic(fmt.Sprintf("device unlock by %d, held by %d", o, l.holder))
	}
	l.count--
	if l.count == 0 {
		l.holder = NoOwner
		l.cond.Broadcast()
	}
}

// Park lets go of every level of the lock held by o and returns the depth,
// for Resume. The blocked state is left alone, so while o is parked only
// o, or an owner that steals the device, can take the lock.
func (l *Lock) Park(o Owner) int {
	l.m.Lock()
	defer l.m.Unlock()
	if l.holder != o || l.count == 0 {
		panic(fmt.Sprintf("device park by %d, held by %d", o, l.holder))
	}
	depth := l.count
	l.holder = NoOwner
	l.count = 0
	l.cond.Broadcast()
	return depth
}

// Resume takes the lock back for o at the depth Park returned. It waits
// while an owner that stole the device still has it.
func (l *Lock) Resume(o Owner, depth int) {
	l.m.Lock()
	for !l.mayEnter(o) {
		l.waiting++
		l.cond.Wait()
		l.waiting--
	}
	l.holder = o
	l.count = depth
	l.m.Unlock()
}

// Block marks the device blocked for the given reason with o as the only
// owner allowed through. The device must not already be blocked.
func (l *Lock) Block(o Owner, why BlockedState) {
	l.Lock(o)
	l.m.Lock()
	if l.blocked != NotBlocked {
		l.m.Unlock()
		l.Unlock(o)
		panic(fmt.Sprintf("device already blocked: %s", l.blocked))
	}
	l.blocked = why
	l.noWait = o
	l.m.Unlock()
	l.Unlock(o)
}

// Unblock clears the blocked state and wakes all waiters.
func (l *Lock) Unblock(o Owner) {
	l.m.Lock()
	defer l.m.Unlock()
	l.init()
	l.blocked = NotBlocked
	l.noWait = NoOwner
	l.cond.Broadcast()
}

// SetBlocked changes the reason the device is blocked, keeping the owner.
// It is used when a blocked device moves between waiting states.
func (l *Lock) SetBlocked(why BlockedState) {
	l.m.Lock()
	l.init()
	l.blocked = why
	if why == NotBlocked {
		l.noWait = NoOwner
	}
	l.cond.Broadcast()
	l.m.Unlock()
}

// Remount clears an operator unmount, both from the current state and
// from any state saved by Steal, so the device is usable once the owners
// that stole it give it back.
func (l *Lock) Remount() {
	l.m.Lock()
	defer l.m.Unlock()
	l.init()
	unmount := func(b BlockedState) BlockedState {
		switch b {
		case UserUnmounted:
			return NotBlocked
		case UnmountedWaitingForOperator:
			return WaitingForOperator
		}
		return b
	}
	for _, s := range l.steals {
		s.blocked = unmount(s.blocked)
		if s.blocked == NotBlocked {
			s.noWait = NoOwner
		}
	}
	l.blocked = unmount(l.blocked)
	if l.blocked == NotBlocked {
		l.noWait = NoOwner
	}
	l.cond.Broadcast()
}

// Blocked returns the current blocked state.
func (l *Lock) Blocked() BlockedState {
	l.m.Lock()
	defer l.m.Unlock()
	return l.blocked
}

// BlockedBy returns the owner allowed through while blocked.
func (l *Lock) BlockedBy() Owner {
	l.m.Lock()
	defer l.m.Unlock()
	return l.noWait
}

// Waiting returns the number of owners parked waiting for the lock.
func (l *Lock) Waiting() int {
	l.m.Lock()
	defer l.m.Unlock()
	return l.waiting
}

// IsUnmounted is true when the device was unmounted by the operator.
func (l *Lock) IsUnmounted() bool {
	b := l.Blocked()
	return b == UserUnmounted || b == UnmountedWaitingForOperator
}

// A StolenLock records the blocked state taken over by Steal. It must be
// given back exactly once, and stolen locks are given back in the reverse
// order they were taken.
type StolenLock struct {
	l           *Lock
	owner       Owner
	blocked     BlockedState
	prevBlocked BlockedState
	noWait      Owner
	returned    bool
}

// Steal makes o the blocked owner of the device, whatever its blocked state,
// and returns the previous state so it can be restored. It still waits for
// a current holder of the lock to release it.
func (l *Lock) Steal(o Owner, why BlockedState) *StolenLock {
	l.m.Lock()
	defer l.m.Unlock()
	l.init()
	for l.holder != NoOwner && l.holder != o {
		l.waiting++
		l.cond.Wait()
		l.waiting--
	}
	return l.steal(o, why)
}

// TrySteal steals the device for o only if nobody else holds the lock and
// it is blocked for one of the given reasons. It returns nil otherwise.
func (l *Lock) TrySteal(o Owner, why BlockedState, from ...BlockedState) *StolenLock {
	l.m.Lock()
	defer l.m.Unlock()
	l.init()
	if l.holder != NoOwner && l.holder != o {
		return nil
	}
	for _, b := range from {
		if l.blocked == b {
			return l.steal(o, why)
		}
	}
	return nil
}

// steal must be called with l.m held.
func (l *Lock) steal(o Owner, why BlockedState) *StolenLock {
	s := &StolenLock{
		l:           l,
		owner:       o,
		blocked:     l.blocked,
		prevBlocked: l.prevBlocked,
		noWait:      l.noWait,
	}
	l.steals = append(l.steals, s)
	l.prevBlocked = l.blocked
	l.blocked = why
	l.noWait = o
	return s
}

// GiveBack restores the blocked state saved by Steal.
func (s *StolenLock) GiveBack() {
	l := s.l
	l.m.Lock()
	defer l.m.Unlock()
	if s.returned {
		panic("stolen device lock given back twice")
	}
	if n := len(l.steals); n == 0 || l.steals[n-1] != s {
		panic("stolen device locks given back out of order")
	}
	l.steals = l.steals[:len(l.steals)-1]
	s.returned = true
	l.blocked = s.blocked
	l.prevBlocked = s.prevBlocked
	l.noWait = s.noWait
	l.cond.Broadcast()
}
