package device

import (
	"io"
	"log"
	"syscall"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/label"
)

const maxIORetries = 3

func retryable(err error) bool {
	switch errors.Cause(err) {
	case syscall.EBUSY, syscall.EINTR, syscall.EIO:
		return true
	}
	return false
}

func (d *Device) read(p []byte) (n int, err error) {
	for try := 0; ; try++ {
		n, err = d.backend.Read(p)
		if err == nil || !retryable(err) || try >= maxIORetries {
			return n, err
		}
	}
}

// setAtEOF records that a filemark was passed.
func (d *Device) setAtEOF() {
	d.State.AtEOF = true
	if d.IsTape() {
		d.File++
	}
	d.FileAddr = 0
	d.FileSize = 0
	d.BlockNum = 0
}

// SetAtEOT marks the device at the end of the tape. It can no longer be
// written until the volume is changed.
func (d *Device) SetAtEOT() {
	d.State.AtEOF = true
	d.State.AtEOT = true
	d.State.AtWEOT = true
	d.State.Append = false
}

// ReadBlock reads the next block into b and decodes its header. The first
// filemark returns ErrEndOfFile. A second filemark with no block read in
// between, or a read error just after a filemark, returns ErrEndOfTape. A
// block shorter than its header claims is discarded with
// block.ErrShortBlock. With forge set, blocks with bad headers are skipped
// and checksum errors are only counted.
func (d *Device) ReadBlock(b *block.Block, forge bool) error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	if d.State.AtEOT {
		return ErrEndOfTape
	}
	if len(b.Buf) < d.readBufSize {
		b.Resize(d.readBufSize)
	}
	for looping := 0; ; {
		if looping > 1 {
			return errors.Errorf("device %s: block buffer size looping problem at %d:%d", d.Name, d.File, d.BlockNum)
		}
		n, err := d.read(b.Buf)
		if err != nil {
			d.lastErr = err
			d.VolCatInfo.VolCatErrors++
			d.Stats.BumpSum("read.errors", 1)
			if d.State.AtEOF {
				d.State.AtEOT = true
				return errors.Wrapf(ErrEndOfTape, "read error after filemark on %s: %s", d, err.Error())
			}
			return errors.Wrapf(err, "read error on device %s at %d:%d", d, d.File, d.BlockNum)
		}
		if n == 0 {
			if d.State.AtEOF {
				d.State.AtEOT = true
				return ErrEndOfTape
			}
			d.setAtEOF()
			return ErrEndOfFile
		}
		if d.IsTape() && d.LabelType != label.Native && label.IsANSIRecord(b.Buf[:n]) {
			// interchange label, not one of our blocks
			continue
		}
		if n < block.HeaderV2Len {
			d.State.ShortBlock = true
			return errors.Wrapf(block.ErrShortBlock, "read %d bytes on %s at %d:%d", n, d, d.File, d.BlockNum)
		}
		b.ReadLen = uint32(n)
		if err := b.UnserializeHeader(forge); err != nil {
			if b.ReadErrors == 1 {
				log.Printf("device %s: %s", d.Name, err.Error())
			}
			if forge {
				d.FileAddr += uint64(n)
				d.FileSize += uint64(n)
				continue
			}
			return errors.Wrapf(err, "device %s at %d:%d", d.Name, d.File, d.BlockNum)
		}
		if int(b.BlockLen) > len(b.Buf) {
			log.Printf("device %s: block length %d is greater than buffer %d, attempting recovery",
				d.Name, b.BlockLen, len(b.Buf))
			if err := d.backOver(n); err != nil {
				return err
			}
			d.readBufSize = int(b.BlockLen)
			b.Resize(int(b.BlockLen))
			looping++
			continue
		}
		if b.BlockLen > b.ReadLen {
			d.State.ShortBlock = true
			b.ReadLen = 0
			return errors.Wrapf(block.ErrShortBlock, "volume data error at %d:%d, short block of %d bytes on device %s discarded",
				d.File, d.BlockNum, n, d)
		}
		d.State.ShortBlock = false
		d.State.AtEOF = false
		d.VolCatInfo.VolCatReads++
		d.VolCatInfo.VolCatRBytes += uint64(n)
		d.EndBlock = d.BlockNum
		d.EndFile = d.File
		d.BlockNum++
		if !d.IsTape() {
			addr := d.FileAddr + uint64(b.BlockLen) - 1
			d.EndBlock = uint32(addr)
			d.EndFile = uint32(addr >> 32)
			d.BlockNum = d.EndBlock
			d.File = d.EndFile
		}
		d.FileAddr += uint64(n)
		d.FileSize += uint64(n)
		if b.ReadLen > b.BlockLen && !d.IsTape() {
			// we read into the next block, put the extra back
			extra := int64(b.ReadLen - b.BlockLen)
			if fs, ok := d.backend.(fileStore); ok {
				pos, err := fs.Seek(-extra, io.SeekCurrent)
				if err != nil {
					return errors.Wrapf(err, "seek on %s", d)
				}
				d.FileAddr = uint64(pos)
				d.FileSize = uint64(pos)
			}
		}
		b.Read = true
		d.Stats.BumpSum("read.blocks", 1)
		d.Stats.BumpSum("read.bytes", float64(b.BlockLen))
		return nil
	}
}

// backOver moves back over a block of n bytes just read.
func (d *Device) backOver(n int) error {
	switch be := d.backend.(type) {
	case tapeDrive:
		return d.BSR(1)
	case fileStore:
		pos, err := be.Seek(-int64(n), io.SeekCurrent)
		if err != nil {
			return errors.Wrapf(err, "seek on %s", d)
		}
		d.FileAddr = uint64(pos)
	}
	return nil
}

// WriteBlock assigns b the next block number, finalizes its header and
// writes it.
//
// If the block would pass MaxVolumeSize it is not written and ErrVolumeFull
// is returned. If the medium runs out of space ErrEndOfMedium is returned.
// In both cases the caller must terminate the volume. When MaxFileSize is
// reached a filemark is written first and newFile, if not nil, is called
// before the block is written.
func (d *Device) WriteBlock(b *block.Block, newFile func() error) error {
	if d.State.AtWEOT {
		return errors.Wrapf(ErrCannotAppend, "device %s is at end of tape", d)
	}
	if !d.State.Append {
		return errors.Wrapf(ErrCannotAppend, "device %s", d)
	}
	if !d.State.Opened {
		return ErrNotOpen
	}
	used := b.Len()
	wlen := b.PaddedLen(d.IsTape(), d.MinBlockSize, d.MaxBlockSize)
	b.BlockNumber = d.nextBlock
	b.SerializeHeader(wlen)

	if d.MaxVolumeSize > 0 && d.VolCatInfo.VolCatBytes+uint64(used) >= d.MaxVolumeSize {
		return errors.Wrapf(ErrVolumeFull, "device %s: maximum volume size %d exceeded", d.Name, d.MaxVolumeSize)
	}

	if d.MaxFileSize > 0 && d.FileSize+uint64(used) >= d.MaxFileSize {
		if err := d.WEOF(1); err != nil {
			return errors.Wrapf(ErrEndOfMedium, "writing filemark on %s: %s", d, err.Error())
		}
		if newFile != nil {
			if err := newFile(); err != nil {
				return err
			}
		}
	}

	if d.limit != nil {
		if err := d.limit.Wait(); err != nil {
			return errors.Wrapf(err, "device %s", d.Name)
		}
	}
	t := d.Stats.BumpTime("write.time")
	var n int
	var err error
	for try := 0; ; try++ {
		n, err = d.backend.Write(b.Bytes(wlen))
		if err == nil || try >= maxIORetries {
			break
		}
		if e := errors.Cause(err); e != syscall.EBUSY && e != syscall.EIO {
			break
		}
	}
	t.End()
	if d.limit != nil {
		d.limit.Use(int64(n))
	}
	if err != nil || n != wlen {
		d.VolCatInfo.VolCatErrors++
		if err != nil {
			d.lastErr = err
			return errors.Wrapf(ErrEndOfMedium, "write error at %d:%d on device %s: %s", d.File, d.BlockNum, d, err.Error())
		}
		d.lastErr = syscall.ENOSPC
		return errors.Wrapf(ErrEndOfMedium, "end of volume at %d:%d on device %s, write of %d bytes got %d",
			d.File, d.BlockNum, d, wlen, n)
	}

	d.VolCatInfo.VolCatBytes += uint64(wlen)
	d.VolCatInfo.VolCatBlocks++
	d.VolCatInfo.VolCatWrites++
	d.EndBlock = d.BlockNum
	d.EndFile = d.File
	d.LastBlock = b.BlockNumber
	d.nextBlock++
	if d.IsTape() {
		d.BlockNum++
	} else {
		addr := d.FileAddr + uint64(wlen) - 1
		d.EndBlock = uint32(addr)
		d.EndFile = uint32(addr >> 32)
		d.BlockNum = d.EndBlock
		d.File = d.EndFile
	}
	d.FileAddr += uint64(wlen)
	d.FileSize += uint64(wlen)
	d.Stats.BumpSum("write.blocks", 1)
	d.Stats.BumpSum("write.bytes", float64(wlen))
	return nil
}

// ReadRaw reads one record without decoding it, keeping the filemark
// bookkeeping of ReadBlock. It is used for interchange labels.
func (d *Device) ReadRaw(p []byte) (int, error) {
	if !d.State.Opened {
		return 0, ErrNotOpen
	}
	n, err := d.read(p)
	if err != nil {
		d.lastErr = err
		return 0, err
	}
	if n == 0 {
		if d.State.AtEOF {
			d.State.AtEOT = true
		} else {
			d.setAtEOF()
		}
		return 0, nil
	}
	d.State.AtEOF = false
	return n, nil
}

// WriteRaw writes one record as is. A short write returns ErrEndOfMedium.
func (d *Device) WriteRaw(p []byte) error {
	if !d.State.Opened {
		return ErrNotOpen
	}
	n, err := d.backend.Write(p)
	if err != nil {
		d.lastErr = err
		if errors.Cause(err) == syscall.ENOSPC {
			return errors.Wrap(ErrEndOfMedium, err.Error())
		}
		return err
	}
	if n != len(p) {
		return errors.Wrapf(ErrEndOfMedium, "wrote %d of %d bytes", n, len(p))
	}
	if d.IsTape() {
		d.BlockNum++
	}
	d.FileAddr += uint64(n)
	return nil
}
