package stored

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/device"
)

// RequestKind says what the operator is asked to do.
type RequestKind int

const (
	// MountRequest asks for a volume to be put in a drive.
	MountRequest RequestKind = iota + 1
	// CreateRequest asks for a new volume to be added to a pool.
	CreateRequest
)

func (k RequestKind) String() string {
	switch k {
	case MountRequest:
		return "mount"
	case CreateRequest:
		return "create"
	}
	return "unknown"
}

// An OperatorRequest is a job waiting on a person.
type OperatorRequest struct {
	ID        string
	Kind      RequestKind
	JobID     uint32
	Device    string
	Volume    string
	Pool      string
	MediaType string
	Created   time.Time
	Prompts   int

	done chan struct{}
}

// Operator queues the requests jobs make of the people running the
// library and waits for answers. A waiting job wakes up on a doubling
// backoff, from MinWait up to MaxWait, to prompt again and to check whether
// the situation resolved itself.
type Operator struct {
	Clock        clock.Clock
	MinWait      time.Duration
	MaxWait      time.Duration
	MaxWaitCount int // wakes before giving up

	m       sync.Mutex
	pending map[string]*OperatorRequest
}

// NewOperator returns an Operator using the real clock.
func NewOperator(minWait, maxWait time.Duration, maxCount int) *Operator {
	return &Operator{
		Clock:        clock.New(),
		MinWait:      minWait,
		MaxWait:      maxWait,
		MaxWaitCount: maxCount,
		pending:      make(map[string]*OperatorRequest),
	}
}

// Wait queues req and blocks until it is answered. Every time the backoff
// expires heartbeat is called, the request is prompted again, and if poll
// returns true the wait ends as if answered. After MaxWaitCount wakes it
// returns ErrTooManyTries. A done ctx returns ErrCanceled.
func (o *Operator) Wait(ctx context.Context, req OperatorRequest, heartbeat func(), poll func() bool) error {
	r := o.add(req)
	defer o.remove(r.ID)
	o.prompt(r)
	wait := o.MinWait
	for wakes := 0; ; {
		select {
		case <-r.done:
			log.Printf("operator: request %s answered", r.ID)
			return nil
		case <-ctx.Done():
			return ErrCanceled
		case <-o.Clock.After(wait):
		}
		wakes++
		if heartbeat != nil {
			heartbeat()
		}
		if poll != nil && poll() {
			return nil
		}
		if wakes >= o.MaxWaitCount {
			return errors.Wrapf(ErrTooManyTries, "no answer to %s request for volume %q on %s",
				r.Kind, r.Volume, r.Device)
		}
		o.prompt(r)
		wait *= 2
		if wait > o.MaxWait {
			wait = o.MaxWait
		}
	}
}

func (o *Operator) add(req OperatorRequest) *OperatorRequest {
	o.m.Lock()
	defer o.m.Unlock()
	if o.pending == nil {
		o.pending = make(map[string]*OperatorRequest)
	}
	r := &req
	r.Created = o.Clock.Now()
	r.ID = ulid.MustNew(ulid.Timestamp(r.Created), ulid.DefaultEntropy()).String()
	r.done = make(chan struct{})
	o.pending[r.ID] = r
	return r
}

func (o *Operator) remove(id string) {
	o.m.Lock()
	delete(o.pending, id)
	o.m.Unlock()
}

func (o *Operator) prompt(r *OperatorRequest) {
	o.m.Lock()
	r.Prompts++
	n := r.Prompts
	o.m.Unlock()
	switch r.Kind {
	case MountRequest:
		log.Printf("operator: please mount volume %q (pool %q, media type %q) on device %s for job %d [%s, prompt %d]",
			r.Volume, r.Pool, r.MediaType, r.Device, r.JobID, r.ID, n)
	case CreateRequest:
		log.Printf("operator: job %d needs a new volume in pool %q, media type %q, on device %s [%s, prompt %d]",
			r.JobID, r.Pool, r.MediaType, r.Device, r.ID, n)
	}
}

// Pending returns the waiting requests, oldest first.
func (o *Operator) Pending() []OperatorRequest {
	o.m.Lock()
	result := make([]OperatorRequest, 0, len(o.pending))
	for _, r := range o.pending {
		c := *r
		c.done = nil
		result = append(result, c)
	}
	o.m.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Answer wakes the job waiting on the request.
func (o *Operator) Answer(id string) error {
	o.m.Lock()
	defer o.m.Unlock()
	r, ok := o.pending[id]
	if !ok {
		return errors.Wrap(ErrNoRequest, id)
	}
	delete(o.pending, id)
	close(r.done)
	return nil
}

// AnswerDevice answers every request waiting on the device, as happens when
// the operator mounts a volume there. It returns how many were answered.
func (o *Operator) AnswerDevice(name string) int {
	o.m.Lock()
	defer o.m.Unlock()
	var n int
	for id, r := range o.pending {
		if r.Device == name {
			delete(o.pending, id)
			close(r.done)
			n++
		}
	}
	return n
}

// askOperator blocks the device while the job waits for the operator. The
// device lock must be held. It is parked during the wait so the operator
// commands can steal the device, to label a volume for instance, and is
// taken back once they give it back.
func (dcr *DCR) askOperator(ctx context.Context, kind RequestKind) error {
	op := dcr.reg.Operator
	if op == nil {
		return errors.Wrapf(ErrNoVolume, "no operator to %s volume %q for %s", kind, dcr.VolumeName, dcr)
	}
	dev := dcr.Dev
	s := dev.Steal(dcr.Owner, waitingState(dev))
	depth := dev.Park(dcr.Owner)
	defer func() {
		dev.Resume(dcr.Owner, depth)
		s.GiveBack()
	}()
	dcr.Job.Messages.Add(0, "Waiting for operator to %s volume %q on %s.", kind, dcr.VolumeName, dev)
	dcr.reg.Stats.BumpSum("operator.requests", 1)
	return op.Wait(ctx, OperatorRequest{
		Kind:      kind,
		JobID:     dcr.Job.ID,
		Device:    dev.Name,
		Volume:    dcr.VolumeName,
		Pool:      dcr.Pool,
		MediaType: dcr.MediaType,
	}, dcr.Job.heartbeat, nil)
}

func waitingState(dev *device.Device) device.BlockedState {
	if dev.IsUnmounted() {
		return device.UnmountedWaitingForOperator
	}
	return device.WaitingForOperator
}
