package changer

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestSimulator(t *testing.T) {
	ctx := context.Background()
	s := NewSimulator(4, 2, "AAA001", "AAA002", "")
	var loads []string
	s.OnLoad = func(drive int, c Cartridge) { loads = append(loads, c.Barcode) }

	slots, _ := s.Slots(ctx)
	if len(slots) != 2 {
		t.Errorf("Received %v, expected two cartridges", slots)
	}
	if slot, _ := FindBarcode(ctx, s, "AAA002"); slot != 2 {
		t.Errorf("Received %d, expected 2", slot)
	}

	var table = []struct {
		op    string
		slot  int
		drive int
		err   error
	}{
		{"load", 1, 0, nil},
		{"load", 2, 0, ErrDriveFull},
		{"load", 3, 1, ErrEmptySlot},
		{"load", 9, 1, ErrNoSlot},
		{"load", 2, 5, ErrNoSlot},
		{"load", 2, 1, nil},
		{"unload", 0, 0, nil}, // back home to slot 1
		{"unload", 3, 1, nil},
		{"unload", 0, 1, nil}, // already empty
	}
	for _, tab := range table {
		var err error
		switch tab.op {
		case "load":
			err = s.Load(ctx, tab.slot, tab.drive)
		case "unload":
			err = s.Unload(ctx, tab.slot, tab.drive)
		}
		if errors.Cause(err) != tab.err {
			t.Errorf("%v: Received %v, expected %v", tab, err, tab.err)
		}
	}
	if len(loads) != 2 || loads[0] != "AAA001" || loads[1] != "AAA002" {
		t.Errorf("Received %v", loads)
	}
	if slot, _ := FindBarcode(ctx, s, "AAA002"); slot != 3 {
		t.Errorf("Received %d, expected 3", slot)
	}
	if _, ok, _ := s.Loaded(ctx, 0); ok {
		t.Errorf("Received loaded drive, expected empty")
	}
	if s.Moves() != 4 {
		t.Errorf("Received %d moves, expected 4", s.Moves())
	}
}

func TestSimulatorOneMotion(t *testing.T) {
	s := NewSimulator(2, 2, "A", "B")
	release := make(chan struct{})
	s.OnLoad = func(drive int, c Cartridge) {
		if drive == 0 {
			<-release
		}
	}
	done := make(chan error)
	go func() { done <- s.Load(context.Background(), 1, 0) }()
	time.Sleep(10 * time.Millisecond)

	// the robot is busy, a second request gives up with its context
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Load(ctx, 2, 1); err != context.DeadlineExceeded {
		t.Errorf("Received %v, expected %v", err, context.DeadlineExceeded)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("Received %v, expected nil", err)
	}
	if err := s.Load(context.Background(), 2, 1); err != nil {
		t.Errorf("Received %v, expected nil", err)
	}
}
