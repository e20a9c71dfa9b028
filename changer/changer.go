// Package changer moves cartridges between the storage slots and drives of
// an autochanger. Mtx drives a real library through the mtx command and
// Simulator keeps a library in memory.
//
// Slots and drives are numbered the way mtx numbers them: storage slots
// from 1, drives from 0.
package changer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEmptySlot means there is no cartridge in the slot to load.
	ErrEmptySlot = errors.New("changer: slot is empty")

	// ErrDriveFull means the drive already holds a cartridge.
	ErrDriveFull = errors.New("changer: drive is loaded")

	// ErrNoSlot means the slot or drive number does not exist.
	ErrNoSlot = errors.New("changer: no such slot or drive")

	// ErrMoveFailed means the robot reported success but the cartridge did
	// not end up where it should.
	ErrMoveFailed = errors.New("changer: move did not happen")
)

// A Cartridge is a tape in the library. Slot is the storage slot it lives
// in, 0 if it is not known.
type Cartridge struct {
	Slot    int
	Barcode string
}

func (c Cartridge) String() string {
	if c.Barcode == "" {
		return fmt.Sprintf("slot %d", c.Slot)
	}
	return fmt.Sprintf("slot %d (%s)", c.Slot, c.Barcode)
}

// A Changer is an autochanger robot. Calls may block for minutes while the
// robot moves. Implementations allow one motion at a time.
type Changer interface {
	// Loaded returns the cartridge in the drive. ok is false for an empty
	// drive.
	Loaded(ctx context.Context, drive int) (c Cartridge, ok bool, err error)

	// Load moves the cartridge in slot into the drive.
	Load(ctx context.Context, slot, drive int) error

	// Unload moves the cartridge in the drive back to slot. A slot of 0
	// picks the cartridge's home slot, or any empty one.
	Unload(ctx context.Context, slot, drive int) error

	// Slots lists the cartridges in storage slots.
	Slots(ctx context.Context) ([]Cartridge, error)
}

// FindBarcode returns the storage slot holding a barcode, or 0.
func FindBarcode(ctx context.Context, c Changer, barcode string) (int, error) {
	carts, err := c.Slots(ctx)
	if err != nil {
		return 0, err
	}
	for _, cart := range carts {
		if cart.Barcode == barcode {
			return cart.Slot, nil
		}
	}
	return 0, nil
}
