package device

import (
	"log"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// openRetryWait is the first pause between attempts to open a busy drive.
const openRetryWait = time.Second

// Open opens the device in the given mode. For file devices volume names
// the volume file in the archive directory. For tapes it is ignored and the
// tape is rewound after opening. A device already open in the same mode on
// the same volume is left alone.
func (d *Device) Open(volume string, mode OpenMode) error {
	if d.State.Opened {
		if d.openMode == mode && (!d.IsFile() || d.volumeName == volume) {
			return nil
		}
		d.Close()
	}
	d.State.Offline = false
	var err error
	if d.IsTape() {
		err = d.openTape(mode)
	} else {
		err = d.backend.Open(volume, mode)
	}
	if err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "unable to open device %s", d)
	}
	d.openMode = mode
	d.volumeName = volume
	d.State.Opened = true
	d.State.AtEOF = false
	d.State.AtEOT = false
	d.State.AtWEOT = false
	d.State.ShortBlock = false
	d.File = 0
	d.BlockNum = 0
	d.FileAddr = 0
	d.FileSize = 0
	d.Stats.BumpSum("opens", 1)
	return nil
}

// openTape retries a busy drive with a doubling pause until MaxOpenWait
// has passed, then rewinds.
func (d *Device) openTape(mode OpenMode) error {
	wait := openRetryWait
	var waited time.Duration
	for {
		err := d.backend.Open("", mode)
		if err == nil {
			break
		}
		if errors.Cause(err) != syscall.EBUSY || waited >= d.MaxOpenWait {
			if waited > 0 && errors.Cause(err) == syscall.EBUSY {
				return ErrOpenTimeout
			}
			return err
		}
		log.Printf("device %s: busy, waiting %v to open", d.Name, wait)
		d.Clock.Sleep(wait)
		waited += wait
		wait *= 2
	}
	t := d.backend.(tapeDrive)
	if err := t.Op(OpRewind, 1); err != nil {
		d.backend.Close()
		return errors.Wrap(ErrNoMedia, err.Error())
	}
	return nil
}

// Close closes the device and forgets the mounted volume. The blocked state
// and reservations are not touched.
func (d *Device) Close() error {
	if !d.State.Opened {
		return nil
	}
	err := d.backend.Close()
	if err != nil {
		d.lastErr = err
		log.Printf("device %s: close: %s", d.Name, err.Error())
	}
	offline := d.State.Offline
	d.State = State{Offline: offline}
	d.File = 0
	d.BlockNum = 0
	d.FileAddr = 0
	d.FileSize = 0
	d.volumeName = ""
	d.ClearVolume()
	return err
}

// OpenedVolume returns the name the open file volume was opened with.
func (d *Device) OpenedVolume() string {
	return d.volumeName
}

// OpenMode returns the mode the device was opened with.
func (d *Device) OpenMode() OpenMode {
	return d.openMode
}
