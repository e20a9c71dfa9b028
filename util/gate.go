package util

import (
	"context"
)

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// allowed inside at a time. An autochanger robot uses a gate of one, so only
// one load or unload runs at once.
type Gate chan struct{}

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) Gate {
	return Gate(make(chan struct{}, n))
}

// Enter waits until there is room inside the gate or ctx is done. It
// returns ctx.Err() in the latter case, and the caller must not call Leave.
func (g Gate) Enter(ctx context.Context) error {
	select {
	case g <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Leave balances one successful Enter. Enter and Leave do not need to be
// called from the same goroutine.
func (g Gate) Leave() {
	<-g
}

// Inside returns how many goroutines are in the gate.
func (g Gate) Inside() int {
	return len(g)
}
