package stored

import (
	"context"
	"log"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

// WriteRecord puts rec into the DCR's block, writing out blocks as they
// fill. Records larger than a block are split across blocks.
func (dcr *DCR) WriteRecord(ctx context.Context, rec *block.Record) error {
	if dcr.mode != modeAppend {
		return errors.Wrapf(device.ErrCannotAppend, "%s is not acquired for append", dcr)
	}
	for !block.WriteRecord(dcr.Block, rec) {
		if err := dcr.WriteBlock(ctx); err != nil {
			return err
		}
	}
	if rec.FileIndex > 0 {
		dcr.Job.JobBytes += uint64(len(rec.Data))
		if uint32(rec.FileIndex) > dcr.Job.JobFiles {
			dcr.Job.JobFiles = uint32(rec.FileIndex)
		}
	}
	return nil
}

// WriteBlock writes the DCR's block to the device. When the volume fills
// the job moves to another volume and the block is written there.
func (dcr *DCR) WriteBlock(ctx context.Context) error {
	if dcr.Block.IsEmpty() {
		return nil
	}
	if err := dcr.lockContext(ctx); err != nil {
		return err
	}
	defer dcr.unlock()
	return dcr.writeBlockLocked(ctx)
}

// FlushBlock writes out a partly filled block.
func (dcr *DCR) FlushBlock(ctx context.Context) error {
	return dcr.WriteBlock(ctx)
}

func (dcr *DCR) writeBlockLocked(ctx context.Context) error {
	dev := dcr.Dev
	if dcr.NewVol {
		// another job moved the device to a new volume
		if err := dcr.createJobMedia(ctx); err != nil {
			log.Println(err)
		}
		dcr.setNewVolumeParameters()
	}
	err := dev.WriteBlock(dcr.Block, func() error { return dcr.newFile(ctx) })
	switch errors.Cause(err) {
	case nil:
		dcr.noteBlock(dcr.Block)
		dcr.Block.Empty()
		return nil
	case device.ErrEndOfMedium, device.ErrVolumeFull:
		return dcr.spillover(ctx, err)
	}
	dcr.Job.JobErrors++
	return err
}

// newFile is called after the device wrote a filemark in the middle of a
// job. What was written so far is recorded and the job starts a new part.
func (dcr *DCR) newFile(ctx context.Context) error {
	if err := dcr.createJobMedia(ctx); err != nil {
		return err
	}
	dcr.setStartPosition()
	return nil
}

// spillover finishes the full volume, mounts the next one and writes the
// block that did not fit there. Every job appending to the device follows
// it to the new volume.
func (dcr *DCR) spillover(ctx context.Context, cause error) error {
	dev := dcr.Dev
	unblock := dcr.block(device.DoingAcquire)
	defer unblock()
	dcr.reg.Stats.BumpSum("spillovers", 1)
	log.Printf("device %s: %s, volume %s is full", dev.Name, cause, dev.VolumeName())

	if err := dcr.terminateWritingVolume(ctx); err != nil {
		log.Println(err)
	}
	if err := dcr.MountNextWriteVolume(ctx, true); err != nil {
		dcr.Job.JobErrors++
		return err
	}
	for _, other := range dcr.reg.Attached(dev) {
		if other != dcr && other.mode == modeAppend {
			other.NewVol = true
		}
	}
	dev.VolCatInfo.VolCatJobs++
	info := dev.VolCatInfo
	if err := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); err != nil {
		log.Println(err)
	}
	dcr.setNewVolumeParameters()

	if err := dev.WriteBlock(dcr.Block, nil); err != nil {
		err = errors.Wrapf(err, "writing overflow block to volume %s", dev.VolumeName())
		log.Println(err)
		raven.CaptureError(err, map[string]string{"device": dev.Name})
		dcr.Job.JobErrors++
		return fatal(err)
	}
	dcr.noteBlock(dcr.Block)
	dcr.Block.Empty()
	log.Printf("device %s: %s continues on volume %s", dev.Name, dcr.Job, dev.VolumeName())
	return nil
}

// terminateWritingVolume closes off a full volume: the job's part is
// recorded, end of volume labels and filemarks are written and the catalog
// marks it full.
func (dcr *DCR) terminateWritingVolume(ctx context.Context) error {
	dev := dcr.Dev
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(dcr.createJobMedia(ctx))
	keep(dev.WEOF(1))
	if dev.IsTape() && dev.LabelKind != label.Native {
		hdr1, hdr2, err := label.Headers(dev.LabelKind, label.SectionEOV, dev.VolumeName(), dcr.reg.Clock.Now())
		keep(err)
		if err == nil {
			keep(dev.WriteRaw(hdr1))
			keep(dev.WriteRaw(hdr2))
			keep(dev.WEOF(1))
		}
	}
	dev.VolCatInfo.VolCatFiles = dev.File
	dev.VolCatInfo.VolCatStatus = device.StatusFull
	info := dev.VolCatInfo
	keep(dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false))
	if dev.Caps.TwoEOF {
		keep(dev.WEOF(1))
	}
	dev.SetAtEOT()
	return firstErr
}

// WriteSessionLabel writes a start or end of session record for the job.
// The end of session label carries the job's counters.
func (dcr *DCR) WriteSessionLabel(ctx context.Context, kind int32) error {
	job := dcr.Job
	s := label.Session{
		JobID:       job.ID,
		PoolName:    dcr.Pool,
		PoolType:    dcr.PoolType,
		JobName:     job.Name,
		ClientName:  job.Client,
		Job:         job.JobName,
		FileSetName: job.FileSet,
		JobType:     job.JobType,
		JobLevel:    job.JobLevel,
		FileSetMD5:  job.FileSetMD5,
	}
	if kind == block.EndOfSession {
		s.JobFiles = job.JobFiles
		s.JobBytes = job.JobBytes
		s.StartBlock = dcr.StartBlock
		s.EndBlock = dcr.EndBlock
		s.StartFile = dcr.StartFile
		s.EndFile = dcr.EndFile
		s.JobErrors = job.JobErrors
		s.JobStatus = job.JobStatus
		if s.JobStatus == 0 {
			s.JobStatus = label.JobStatusTerminated
		}
	}
	data, err := s.Marshal(kind, dcr.reg.Clock.Now())
	if err != nil {
		return err
	}
	if dcr.Block.Avail() < block.RecordHeaderV2Len+len(data) {
		// keep the label in one piece
		if err := dcr.WriteBlock(ctx); err != nil {
			return err
		}
	}
	rec := &block.Record{
		VolSessionID:   job.VolSessionID,
		VolSessionTime: job.VolSessionTime,
		FileIndex:      kind,
		Stream:         int32(job.ID),
		Data:           data,
	}
	return dcr.WriteRecord(ctx, rec)
}
