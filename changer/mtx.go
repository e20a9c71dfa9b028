package changer

import (
	"context"
	"log"
	"os/exec"
	"strings"
	"sync"

	"github.com/kbj/mtx"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/util"
)

// Mtx is a library driven by the mtx program.
type Mtx struct {
	robot *mtx.Changer
	gate  util.Gate

	m    sync.Mutex
	home map[int]int // drive number to the slot its cartridge came from
}

// NewMtx returns a changer for the library at device, running the mtx
// program found at command.
func NewMtx(command, device string) *Mtx {
	if command == "" {
		command = "mtx"
	}
	return &Mtx{
		robot: mtx.NewChanger(mtxCommand{path: command, device: device}),
		gate:  util.NewGate(1),
		home:  make(map[int]int),
	}
}

// mtxCommand runs "mtx -f device args...".
type mtxCommand struct {
	path   string
	device string
}

func (m mtxCommand) Do(args ...string) ([]byte, error) {
	argv := append([]string{"-f", m.device}, args...)
	out, err := exec.Command(m.path, argv...).Output()
	if err != nil {
		log.Printf("changer: %s %s: %s", m.path, strings.Join(argv, " "), err.Error())
	}
	return out, err
}

func (c *Mtx) Loaded(ctx context.Context, drive int) (Cartridge, bool, error) {
	if err := c.gate.Enter(ctx); err != nil {
		return Cartridge{}, false, err
	}
	defer c.gate.Leave()
	return c.loaded(drive)
}

// loaded must be called inside the gate.
func (c *Mtx) loaded(drive int) (Cartridge, bool, error) {
	drives, err := c.robot.Drives()
	if err != nil {
		return Cartridge{}, false, errors.Wrap(err, "changer status")
	}
	for _, d := range drives {
		if d.Num != drive {
			continue
		}
		if d.Vol == nil {
			return Cartridge{}, false, nil
		}
		c.m.Lock()
		slot := c.home[drive]
		c.m.Unlock()
		return Cartridge{Slot: slot, Barcode: d.Vol.Serial}, true, nil
	}
	return Cartridge{}, false, errors.Wrapf(ErrNoSlot, "drive %d", drive)
}

func (c *Mtx) Load(ctx context.Context, slot, drive int) error {
	if err := c.gate.Enter(ctx); err != nil {
		return err
	}
	defer c.gate.Leave()
	if _, ok, err := c.loaded(drive); err != nil {
		return err
	} else if ok {
		return errors.Wrapf(ErrDriveFull, "drive %d", drive)
	}
	log.Printf("changer: load slot %d into drive %d", slot, drive)
	c.robot.Load(slot, drive)
	if _, ok, err := c.loaded(drive); err != nil {
		return err
	} else if !ok {
		return errors.Wrapf(ErrMoveFailed, "load slot %d into drive %d", slot, drive)
	}
	c.m.Lock()
	c.home[drive] = slot
	c.m.Unlock()
	return nil
}

func (c *Mtx) Unload(ctx context.Context, slot, drive int) error {
	if err := c.gate.Enter(ctx); err != nil {
		return err
	}
	defer c.gate.Leave()
	cart, ok, err := c.loaded(drive)
	if err != nil {
		return err
	} else if !ok {
		return nil
	}
	if slot == 0 {
		slot = cart.Slot
	}
	if slot == 0 {
		if slot, err = c.freeSlot(); err != nil {
			return err
		}
	}
	log.Printf("changer: unload drive %d to slot %d", drive, slot)
	c.robot.Unload(slot, drive)
	if _, ok, err := c.loaded(drive); err != nil {
		return err
	} else if ok {
		return errors.Wrapf(ErrMoveFailed, "unload drive %d to slot %d", drive, slot)
	}
	c.m.Lock()
	delete(c.home, drive)
	c.m.Unlock()
	return nil
}

func (c *Mtx) freeSlot() (int, error) {
	slots, err := c.robot.Slots()
	if err != nil {
		return 0, errors.Wrap(err, "changer status")
	}
	for _, s := range slots {
		if s.Type == mtx.StorageSlot && s.Vol == nil {
			return s.Num, nil
		}
	}
	return 0, errors.Wrap(ErrNoSlot, "no empty storage slot")
}

func (c *Mtx) Slots(ctx context.Context) ([]Cartridge, error) {
	if err := c.gate.Enter(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Leave()
	slots, err := c.robot.Slots()
	if err != nil {
		return nil, errors.Wrap(err, "changer status")
	}
	var result []Cartridge
	for _, s := range slots {
		if s.Type == mtx.StorageSlot && s.Vol != nil {
			result = append(result, Cartridge{Slot: s.Num, Barcode: s.Vol.Serial})
		}
	}
	return result, nil
}
