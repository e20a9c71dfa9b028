package stored

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
)

type sessionKey struct {
	id, time uint32
}

// ReadRecord returns the next complete record on the job's volumes in rec.
// Records split across blocks are put back together, keeping one record in
// progress per session since the blocks of concurrent jobs interleave. At
// the end of a volume the next one in the job's list is mounted.
// ErrEndOfData is returned after the last.
func (dcr *DCR) ReadRecord(ctx context.Context, rec *block.Record) error {
	if dcr.mode != modeRead {
		return errors.Errorf("%s is not acquired for read", dcr)
	}
	if dcr.partials == nil {
		dcr.partials = make(map[sessionKey]*block.Record)
	}
	for {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		b := dcr.Block
		if !b.Read || b.Remaining() == 0 {
			if err := dcr.readBlock(ctx); err != nil {
				return err
			}
			b = dcr.Block
		}
		id, tm, ok := block.NextSession(b)
		if !ok {
			b.Discard()
			continue
		}
		key := sessionKey{id, tm}
		work, resumed := dcr.partials[key]
		if !resumed {
			work = &dcr.scratch
			work.Reset()
		}
		if !block.ReadRecord(b, work) {
			if work.Flags&block.SessionMismatch != 0 {
				// the rest of the split record was never written
				delete(dcr.partials, key)
				continue
			}
			b.Discard()
			continue
		}
		if work.Flags&block.PartialRecord != 0 {
			if !resumed {
				held := *work
				held.Data = append([]byte(nil), work.Data...)
				dcr.partials[key] = &held
			}
			continue
		}
		delete(dcr.partials, key)
		if work.Flags&block.Continuation != 0 && !resumed {
			// tail of a record whose start is on a volume we did not read
			continue
		}
		data := append(rec.Data[:0], work.Data...)
		*rec = *work
		rec.Data = data
		rec.File = dcr.EndFile
		rec.Block = dcr.EndBlock
		return nil
	}
}

// readBlock reads the next block, crossing filemarks and moving on to the
// next volume at the end of the tape.
func (dcr *DCR) readBlock(ctx context.Context) error {
	dev := dcr.Dev
	for {
		if err := dcr.lockContext(ctx); err != nil {
			return err
		}
		err := dev.ReadBlock(dcr.Block, dcr.Forge)
		if err == nil {
			dcr.EndFile = dev.EndFile
			dcr.EndBlock = dev.EndBlock
		}
		dcr.unlock()
		switch errors.Cause(err) {
		case nil:
			return nil
		case device.ErrEndOfFile:
			continue
		case device.ErrEndOfTape:
			if err := dcr.MountNextReadVolume(ctx); err != nil {
				return err
			}
			return dcr.skipVolumeLabel()
		case block.ErrShortBlock:
			if dcr.Forge {
				continue
			}
		}
		dcr.Job.JobErrors++
		return err
	}
}

// skipVolumeLabel reads the first block of a volume the job just moved on
// to. The volume label it holds was already checked, and must not break up
// a record continued from the previous volume.
func (dcr *DCR) skipVolumeLabel() error {
	dev := dcr.Dev
	dcr.lock()
	defer dcr.unlock()
	for {
		err := dev.ReadBlock(dcr.Block, dcr.Forge)
		if errors.Cause(err) == device.ErrEndOfFile {
			// past the interchange labels
			continue
		}
		if err != nil {
			dcr.Job.JobErrors++
			return err
		}
		dcr.EndFile = dev.EndFile
		dcr.EndBlock = dev.EndBlock
		if dcr.Block.BlockNumber == 0 {
			dcr.Block.Discard()
		}
		return nil
	}
}
