package stored

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

func waitPending(t *testing.T, op *Operator) OperatorRequest {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := op.Pending(); len(p) > 0 {
			return p[0]
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Received no pending request")
	return OperatorRequest{}
}

func TestOperatorGivesUp(t *testing.T) {
	mock := clock.NewMock()
	op := NewOperator(time.Minute, 4*time.Minute, 4)
	op.Clock = mock
	var beats int
	done := make(chan error, 1)
	go func() {
		done <- op.Wait(context.Background(), OperatorRequest{Kind: MountRequest, Volume: "A"},
			func() { beats++ }, nil)
	}()
	var err error
loop:
	for {
		select {
		case err = <-done:
			break loop
		default:
			mock.Add(time.Minute)
		}
	}
	if errors.Cause(err) != ErrTooManyTries {
		t.Errorf("Received %v, expected %s", err, ErrTooManyTries)
	}
	if beats != 4 {
		t.Errorf("Received %d heartbeats, expected 4", beats)
	}
	if p := op.Pending(); len(p) != 0 {
		t.Errorf("Received %d pending requests, expected 0", len(p))
	}
}

func TestOperatorAnswer(t *testing.T) {
	op := NewOperator(time.Hour, time.Hour, 3)
	done := make(chan error, 1)
	go func() {
		done <- op.Wait(context.Background(), OperatorRequest{
			Kind:   CreateRequest,
			JobID:  7,
			Device: "vt0",
			Pool:   "Default",
		}, nil, nil)
	}()
	req := waitPending(t, op)
	if req.Kind != CreateRequest || req.JobID != 7 || len(req.ID) != 26 {
		t.Errorf("Received %+v", req)
	}
	if err := op.Answer(req.ID); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if err := <-done; err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	err := op.Answer(req.ID)
	if errors.Cause(err) != ErrNoRequest {
		t.Errorf("Received %v, expected %s", err, ErrNoRequest)
	}
}

func TestOperatorAnswerDevice(t *testing.T) {
	op := NewOperator(time.Hour, time.Hour, 3)
	done := make(chan error, 2)
	for _, name := range []string{"vt0", "vt1"} {
		req := OperatorRequest{Kind: MountRequest, Device: name, Volume: "A"}
		go func() { done <- op.Wait(context.Background(), req, nil, nil) }()
	}
	deadline := time.Now().Add(5 * time.Second)
	for len(op.Pending()) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := op.AnswerDevice("vt1"); n != 1 {
		t.Errorf("Received %d, expected 1", n)
	}
	if err := <-done; err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	p := op.Pending()
	if len(p) != 1 || p[0].Device != "vt0" {
		t.Fatalf("Received %+v, expected one request for vt0", p)
	}
	op.Answer(p[0].ID)
	<-done
}

func TestOperatorCancelAndPoll(t *testing.T) {
	op := NewOperator(time.Hour, time.Hour, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- op.Wait(ctx, OperatorRequest{Kind: MountRequest}, nil, nil) }()
	waitPending(t, op)
	cancel()
	if err := <-done; err != ErrCanceled {
		t.Errorf("Received %v, expected %s", err, ErrCanceled)
	}

	// a poll that finds the problem solved ends the wait
	mock := clock.NewMock()
	op.Clock = mock
	go func() {
		done <- op.Wait(context.Background(), OperatorRequest{Kind: MountRequest}, nil, func() bool { return true })
	}()
	var err error
loop:
	for {
		select {
		case err = <-done:
			break loop
		default:
			mock.Add(time.Hour)
		}
	}
	if err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
}
