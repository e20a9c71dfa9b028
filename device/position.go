package device

import (
	"io"
	"log"
	"math"

	"github.com/pkg/errors"
)

func (d *Device) tape() (tapeDrive, error) {
	if !d.State.Opened {
		return nil, ErrNotOpen
	}
	t, ok := d.backend.(tapeDrive)
	if !ok {
		return nil, ErrNotSupported
	}
	return t, nil
}

// Rewind positions the device at the start of the volume and clears the end
// of file and end of tape flags.
func (d *Device) Rewind() error {
	d.State.AtEOF = false
	d.State.AtEOT = false
	d.State.AtWEOT = false
	d.File = 0
	d.BlockNum = 0
	d.FileAddr = 0
	d.FileSize = 0
	if !d.State.Opened {
		return ErrNotOpen
	}
	switch b := d.backend.(type) {
	case tapeDrive:
		var err error
		// a drive which was just loaded may fail the first rewind
		for try := 0; try < 2; try++ {
			if err = b.Op(OpRewind, 1); err == nil {
				return nil
			}
		}
		d.lastErr = err
		return errors.Wrapf(err, "rewind of %s", d)
	case fileStore:
		if _, err := b.Seek(0, io.SeekStart); err != nil {
			d.lastErr = err
			return errors.Wrapf(err, "rewind of %s", d)
		}
	}
	return nil
}

// EOD positions the device at the end of the recorded data, ready to append.
func (d *Device) EOD() error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	if d.State.AtEOT {
		return nil
	}
	d.State.AtEOF = false
	d.FileAddr = 0
	d.FileSize = 0
	switch b := d.backend.(type) {
	case fileStore:
		pos, err := b.Seek(0, io.SeekEnd)
		if err != nil {
			d.lastErr = err
			return errors.Wrapf(err, "seek to end of %s", d)
		}
		d.setFilePos(pos)
		d.State.AtEOT = true
		return nil
	case tapeDrive:
		return d.tapeEOD(b)
	}
	return ErrNotSupported
}

func (d *Device) tapeEOD(t tapeDrive) error {
	d.BlockNum = 0
	if d.Caps.EOM {
		if err := t.Op(OpEOM, 1); err != nil {
			d.lastErr = err
			return errors.Wrapf(err, "space to end of data on %s", d)
		}
		if file, _, err := d.osPosition(t); err == nil {
			d.File = uint32(file)
		} else {
			d.File++
		}
	} else {
		// rewind then space files until we run off the end
		if err := d.Rewind(); err != nil {
			return err
		}
		for !d.State.AtEOT {
			start := d.File
			if err := d.FSF(1); err != nil {
				break
			}
			if !d.State.AtEOT && d.File == start {
				log.Printf("device %s: FSF did not advance from file %d", d.Name, start)
				d.setAtEOF()
				break
			}
		}
	}
	if d.Caps.BSFAtEOM {
		// back over the filemark so appending overwrites it
		if err := t.Op(OpBSF, 1); err != nil {
			return errors.Wrapf(err, "backspace at end of data on %s", d)
		}
		if file, _, err := d.osPosition(t); err == nil {
			d.File = uint32(file)
		}
	} else {
		d.UpdatePos()
	}
	return nil
}

func (d *Device) osPosition(t tapeDrive) (int32, int32, error) {
	if !d.Caps.MTIOCGET {
		return 0, 0, ErrNotSupported
	}
	file, blk, err := t.Position()
	if err == nil && file < 0 {
		err = ErrNotSupported
	}
	return file, blk, err
}

// UpdatePos refreshes the file and block numbers from the backend.
func (d *Device) UpdatePos() error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	switch b := d.backend.(type) {
	case fileStore:
		pos, err := b.Seek(0, io.SeekCurrent)
		if err != nil {
			d.lastErr = err
			return err
		}
		d.setFilePos(pos)
	case tapeDrive:
		file, blk, err := d.osPosition(b)
		if err != nil {
			return err
		}
		d.File = uint32(file)
		if blk >= 0 {
			d.BlockNum = uint32(blk)
		}
	}
	return nil
}

func (d *Device) setFilePos(pos int64) {
	d.FileAddr = uint64(pos)
	d.File = uint32(uint64(pos) >> 32)
	d.BlockNum = uint32(pos)
}

// FSF spaces forward over n filemarks.
func (d *Device) FSF(n int) error {
	t, err := d.tape()
	if err != nil {
		return err
	}
	if !d.Caps.FSF {
		if d.Caps.FSR {
			return d.fsfByRecords(t, n)
		}
		return ErrNotSupported
	}
	if d.State.AtEOT {
		return ErrEndOfTape
	}
	d.BlockNum = 0
	if d.Caps.FastFSF && d.Caps.MTIOCGET {
		err := t.Op(OpFSF, int32(n))
		file, _, perr := t.Position()
		if err != nil || perr != nil {
			d.State.AtEOT = true
			if perr == nil {
				d.File = uint32(file)
			}
			if err == nil {
				err = perr
			}
			d.lastErr = err
			return errors.Wrapf(ErrEndOfTape, "forward space file on %s: %s", d, err.Error())
		}
		d.setAtEOF()
		d.File = uint32(file)
		return nil
	}

	// read one block of each file to find out whether we are at the end
	buf := make([]byte, d.MaxBlockSize)
	for i := 0; i < n && !d.State.AtEOT; i++ {
		rn, err := t.Read(buf)
		if err != nil {
			d.State.AtEOT = true
			d.lastErr = err
			return errors.Wrapf(ErrEndOfTape, "read during forward space file on %s: %s", d, err.Error())
		}
		if rn == 0 {
			if d.State.AtEOF {
				d.State.AtEOT = true
				return ErrEndOfTape
			}
			d.setAtEOF()
			continue
		}
		d.State.AtEOF = false
		d.State.AtEOT = false
		if err := t.Op(OpFSF, 1); err != nil {
			d.State.AtEOT = true
			d.lastErr = err
			return errors.Wrapf(ErrEndOfTape, "forward space file on %s: %s", d, err.Error())
		}
		d.setAtEOF()
	}
	return nil
}

// fsfByRecords spaces records until each filemark is crossed.
func (d *Device) fsfByRecords(t tapeDrive, n int) error {
	for i := 0; i < n; i++ {
		start := d.File
		d.FSR(math.MaxInt32)
		if d.State.AtEOT {
			return ErrEndOfTape
		}
		if d.File == start {
			d.setAtEOF()
		}
	}
	return nil
}

// BSF spaces backward over n filemarks. The device is left on the
// beginning side of the last filemark crossed.
func (d *Device) BSF(n int) error {
	t, err := d.tape()
	if err != nil {
		return err
	}
	if !d.Caps.BSF {
		return ErrNotSupported
	}
	d.State.AtEOF = false
	d.State.AtEOT = false
	if uint32(n) > d.File {
		d.File = 0
	} else {
		d.File -= uint32(n)
	}
	d.FileAddr = 0
	d.FileSize = 0
	if err := t.Op(OpBSF, int32(n)); err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "backward space file on %s", d)
	}
	if file, blk, err := d.osPosition(t); err == nil {
		d.File = uint32(file)
		if blk >= 0 {
			d.BlockNum = uint32(blk)
		}
	}
	return nil
}

// FSR spaces forward over n records. Crossing a filemark stops early and
// leaves the device at end of file.
func (d *Device) FSR(n int) error {
	t, err := d.tape()
	if err != nil {
		return err
	}
	if !d.Caps.FSR {
		return ErrNotSupported
	}
	err = t.Op(OpFSR, int32(n))
	if err == nil {
		d.State.AtEOF = false
		d.BlockNum += uint32(n)
		return nil
	}
	d.lastErr = err
	if file, blk, perr := d.osPosition(t); perr == nil {
		d.setAtEOF()
		d.File = uint32(file)
		d.BlockNum = uint32(blk)
	} else if d.State.AtEOF {
		d.State.AtEOT = true
	} else {
		d.setAtEOF()
	}
	return errors.Wrapf(err, "forward space record on %s", d)
}

// BSR spaces backward over n records.
func (d *Device) BSR(n int) error {
	t, err := d.tape()
	if err != nil {
		return err
	}
	if !d.Caps.BSR {
		return ErrNotSupported
	}
	d.State.AtEOF = false
	d.State.AtEOT = false
	if uint32(n) > d.BlockNum {
		d.BlockNum = 0
	} else {
		d.BlockNum -= uint32(n)
	}
	if err := t.Op(OpBSR, int32(n)); err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "backward space record on %s", d)
	}
	return nil
}

// WEOF writes n filemarks. It does nothing on file devices.
func (d *Device) WEOF(n int) error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	t, ok := d.backend.(tapeDrive)
	if !ok {
		return nil
	}
	if !d.State.Append {
		return errors.Wrapf(ErrCannotAppend, "write filemark on %s", d)
	}
	d.State.AtEOF = false
	d.State.AtEOT = false
	if err := t.Op(OpWEOF, int32(n)); err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "write filemark on %s", d)
	}
	d.BlockNum = 0
	d.File += uint32(n)
	d.FileAddr = 0
	d.FileSize = 0
	return nil
}

// Reposition moves to the given file and block. On file devices the pair is
// a byte address.
func (d *Device) Reposition(file, blk uint32) error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	if fs, ok := d.backend.(fileStore); ok {
		pos := int64(file)<<32 | int64(blk)
		if _, err := fs.Seek(pos, io.SeekStart); err != nil {
			d.lastErr = err
			return errors.Wrapf(err, "reposition %s", d)
		}
		d.State.AtEOF = false
		d.State.AtEOT = false
		d.setFilePos(pos)
		return nil
	}
	t, err := d.tape()
	if err != nil {
		return err
	}
	if file < d.File {
		if err := d.Rewind(); err != nil {
			return err
		}
	}
	if file > d.File {
		if err := d.FSF(int(file - d.File)); err != nil {
			return err
		}
	}
	if blk < d.BlockNum {
		// back to the start of this file
		if d.File == 0 {
			if err := d.Rewind(); err != nil {
				return err
			}
		} else {
			if err := d.BSF(1); err != nil {
				return err
			}
			if err := d.FSF(1); err != nil {
				return err
			}
		}
	}
	if blk > d.BlockNum {
		if d.Caps.FSR {
			return d.FSR(int(blk - d.BlockNum))
		}
		buf := make([]byte, d.MaxBlockSize)
		for d.BlockNum < blk {
			n, err := t.Read(buf)
			if err != nil {
				return errors.Wrapf(err, "reposition %s", d)
			}
			if n == 0 {
				d.setAtEOF()
				return ErrEndOfFile
			}
			d.BlockNum++
		}
	}
	return nil
}

// Truncate empties a file volume. Tapes are overwritten instead, so
// it does nothing on them.
func (d *Device) Truncate() error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	fs, ok := d.backend.(fileStore)
	if !ok {
		return nil
	}
	if err := fs.Truncate(); err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "truncate %s", d)
	}
	d.File = 0
	d.BlockNum = 0
	d.FileAddr = 0
	d.FileSize = 0
	d.State.AtEOF = false
	d.State.AtEOT = false
	d.State.AtWEOT = false
	return nil
}

// Offline rewinds and unloads a tape. The device is closed afterwards.
func (d *Device) Offline() error {
	t, err := d.tape()
	if err == ErrNotSupported {
		return nil
	} else if err != nil {
		return err
	}
	if err := t.Op(OpOffline, 1); err != nil {
		d.lastErr = err
		return errors.Wrapf(err, "offline %s", d)
	}
	d.State.Offline = true
	d.Close()
	return nil
}
