package changer

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/util"
)

// Simulator is an in memory library.
type Simulator struct {
	// OnLoad, if set, is called after a cartridge is put in a drive, and
	// OnUnload before it is taken out.
	OnLoad   func(drive int, c Cartridge)
	OnUnload func(drive int, c Cartridge)

	gate util.Gate

	m      sync.Mutex
	slots  map[int]string    // slot to barcode, "" for an empty slot
	drives map[int]Cartridge // loaded drives only
	ndrive int
	moves  int
}

// NewSimulator makes a library with the given number of storage slots and
// drives. barcodes fills slots from 1 on.
func NewSimulator(nslots, ndrives int, barcodes ...string) *Simulator {
	s := &Simulator{
		gate:   util.NewGate(1),
		slots:  make(map[int]string),
		drives: make(map[int]Cartridge),
		ndrive: ndrives,
	}
	for i := 1; i <= nslots; i++ {
		s.slots[i] = ""
	}
	for i, b := range barcodes {
		s.slots[i+1] = b
	}
	return s
}

// Moves returns how many loads and unloads happened.
func (s *Simulator) Moves() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.moves
}

func (s *Simulator) Loaded(ctx context.Context, drive int) (Cartridge, bool, error) {
	if err := s.gate.Enter(ctx); err != nil {
		return Cartridge{}, false, err
	}
	defer s.gate.Leave()
	s.m.Lock()
	defer s.m.Unlock()
	if drive < 0 || drive >= s.ndrive {
		return Cartridge{}, false, errors.Wrapf(ErrNoSlot, "drive %d", drive)
	}
	c, ok := s.drives[drive]
	return c, ok, nil
}

func (s *Simulator) Load(ctx context.Context, slot, drive int) error {
	if err := s.gate.Enter(ctx); err != nil {
		return err
	}
	defer s.gate.Leave()
	s.m.Lock()
	barcode, ok := s.slots[slot]
	if !ok || drive < 0 || drive >= s.ndrive {
		s.m.Unlock()
		return errors.Wrapf(ErrNoSlot, "slot %d drive %d", slot, drive)
	}
	if barcode == "" {
		s.m.Unlock()
		return errors.Wrapf(ErrEmptySlot, "slot %d", slot)
	}
	if _, full := s.drives[drive]; full {
		s.m.Unlock()
		return errors.Wrapf(ErrDriveFull, "drive %d", drive)
	}
	c := Cartridge{Slot: slot, Barcode: barcode}
	s.slots[slot] = ""
	s.drives[drive] = c
	s.moves++
	s.m.Unlock()
	if s.OnLoad != nil {
		s.OnLoad(drive, c)
	}
	return nil
}

func (s *Simulator) Unload(ctx context.Context, slot, drive int) error {
	if err := s.gate.Enter(ctx); err != nil {
		return err
	}
	defer s.gate.Leave()
	s.m.Lock()
	c, ok := s.drives[drive]
	s.m.Unlock()
	if !ok {
		return nil
	}
	if s.OnUnload != nil {
		s.OnUnload(drive, c)
	}
	s.m.Lock()
	defer s.m.Unlock()
	if slot == 0 {
		slot = c.Slot
	}
	if b, ok := s.slots[slot]; !ok {
		return errors.Wrapf(ErrNoSlot, "slot %d", slot)
	} else if b != "" {
		return errors.Errorf("changer: slot %d is occupied by %s", slot, b)
	}
	s.slots[slot] = c.Barcode
	delete(s.drives, drive)
	s.moves++
	return nil
}

func (s *Simulator) Slots(ctx context.Context) ([]Cartridge, error) {
	if err := s.gate.Enter(ctx); err != nil {
		return nil, err
	}
	defer s.gate.Leave()
	s.m.Lock()
	defer s.m.Unlock()
	var result []Cartridge
	for slot, b := range s.slots {
		if b != "" {
			result = append(result, Cartridge{Slot: slot, Barcode: b})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Slot < result[j].Slot })
	return result, nil
}
