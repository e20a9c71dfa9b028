package stored

import (
	"context"
	"log"

	"github.com/ndlib/tapestore/catalog"
)

// Release gives the device back. A DCR that only held a reservation drops
// it. A reader leaves read mode. The last writer ends the volume's file
// with a filemark and saves the volume's counters before the device is
// closed. Tapes configured to stay open are left open. Jobs waiting for a
// device are woken.
func (dcr *DCR) Release(ctx context.Context) error {
	dev := dcr.Dev
	reg := dcr.reg
	dcr.lock()
	var err error
	switch {
	case !dcr.acquired:
		dcr.unreserve()

	case dcr.mode == modeRead:
		dev.ClearRead()
		if dev.IsFile() || !dev.Caps.AlwaysOpen {
			dev.Close()
			reg.freeVolume(dev)
		}

	default:
		if !dcr.Block.IsEmpty() {
			err = dcr.writeBlockLocked(ctx)
		}
		if dev.NumWriters > 0 {
			dev.NumWriters--
		}
		if jerr := dcr.createJobMedia(ctx); jerr != nil && err == nil {
			err = jerr
		}
		if dev.NumWriters == 0 {
			if uerr := dcr.closeVolume(ctx); uerr != nil && err == nil {
				err = uerr
			}
		} else {
			info := dev.VolCatInfo
			if uerr := reg.Dir.UpdateVolumeInfo(ctx, &info, false); uerr != nil && err == nil {
				err = uerr
			}
		}
	}
	dcr.acquired = false
	dcr.reserved = false
	dcr.mode = modeNone
	dcr.unlock()
	reg.detach(dcr)
	reg.signalReleased()
	if err != nil {
		log.Printf("device %s: release by %s: %v", dev.Name, dcr.Job, err)
	}
	return err
}

// closeVolume finishes the volume after its last writer left. The device
// lock is held.
func (dcr *DCR) closeVolume(ctx context.Context) error {
	dev := dcr.Dev
	var err error
	if dev.CanAppend() && !dev.State.AtWEOT {
		if err = dev.WEOF(1); err != nil {
			log.Printf("device %s: %v", dev.Name, err)
		}
	}
	dev.VolCatInfo.VolCatFiles = dev.File
	info := dev.VolCatInfo
	if uerr := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); uerr != nil {
		err = uerr
	}
	dev.ClearAppend()
	dev.PoolName = ""
	dev.PoolType = ""
	if dev.IsTape() && dev.Caps.AlwaysOpen {
		return err
	}
	dev.Close()
	dcr.reg.freeVolume(dev)
	return err
}

// createJobMedia records the part of the volume the job wrote since the
// last record. The device lock is held.
func (dcr *DCR) createJobMedia(ctx context.Context) error {
	if !dcr.WroteVol {
		return nil
	}
	jm := catalog.JobMedia{
		JobID:      dcr.Job.ID,
		VolumeName: dcr.VolumeName,
		VolIndex:   dcr.VolIndex,
		FirstIndex: dcr.VolFirstIndex,
		LastIndex:  dcr.VolLastIndex,
		StartFile:  dcr.StartFile,
		EndFile:    dcr.EndFile,
		StartBlock: dcr.StartBlock,
		EndBlock:   dcr.EndBlock,
	}
	dcr.WroteVol = false
	return dcr.reg.Dir.CreateJobMedia(ctx, jm)
}
