package stored

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
)

// AcquireForAppend gets the device ready for the job to write. A device
// already appending is shared when its volume is the one the job would be
// given; otherwise the next volume is mounted. A device with writers on a
// volume the job cannot use is a fatal error.
func (dcr *DCR) AcquireForAppend(ctx context.Context) error {
	dev := dcr.Dev
	dev.AcquireMu.Lock()
	defer dev.AcquireMu.Unlock()
	if err := dcr.lockContext(ctx); err != nil {
		return err
	}
	defer dcr.unlock()

	if dcr.acquired && dcr.mode == modeAppend {
		if status, err := dcr.ReadVolumeLabel(ctx); status != LabelOK {
			return err
		}
		return nil
	}
	dcr.unreserve()
	if dev.CanRead() {
		return errors.Wrapf(ErrDeviceBusy, "device %s is reading", dev)
	}

	unblock := dcr.block(device.DoingAcquire)
	defer unblock()

	if dev.CanAppend() && dev.IsLabeled() {
		if !dcr.mountedVolumeSuitable(ctx) {
			if dev.NumWriters > 0 {
				err := errors.Wrapf(ErrWrongVolume, "device %s is writing volume %s which job %d cannot use",
					dev, dev.VolumeName(), dcr.Job.ID)
				log.Println(err)
				return fatal(err)
			}
			if err := dcr.MountNextWriteVolume(ctx, true); err != nil {
				return err
			}
		}
	} else if err := dcr.MountNextWriteVolume(ctx, false); err != nil {
		return err
	}

	dev.NumWriters++
	dev.VolCatInfo.VolCatJobs++
	info := dev.VolCatInfo
	if err := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); err != nil {
		dev.NumWriters--
		return err
	}
	if dev.PoolName == "" {
		dcr.claim()
	}
	dcr.setNewVolumeParameters()
	dcr.acquired = true
	dcr.mode = modeAppend
	dcr.reg.attach(dcr)
	dcr.reg.Stats.BumpSum("acquire.append", 1)
	log.Printf("device %s: %s acquired for append on volume %s", dev.Name, dcr.Job, dcr.VolumeName)
	return nil
}

// mountedVolumeSuitable is true when the job may append to the volume on
// the device: it is the volume the job asked for, or the one the director
// would hand out next.
func (dcr *DCR) mountedVolumeSuitable(ctx context.Context) bool {
	dev := dcr.Dev
	if dcr.VolumeName != "" && dcr.VolumeName == dev.VolumeName() {
		status, _ := dcr.ReadVolumeLabel(ctx)
		if status == LabelOK {
			dcr.VolCatInfo = dev.VolCatInfo
			return true
		}
		return false
	}
	info, err := dcr.reg.Dir.FindNextAppendableVolume(ctx, catalog.VolumeRequest{
		Pool:      dcr.Pool,
		MediaType: dcr.MediaType,
		Exclude:   func(name string) bool { return dcr.reg.volumeInUseElsewhere(name, dev) },
	})
	if err != nil || info.VolCatName != dev.VolumeName() {
		return false
	}
	dcr.VolumeName = info.VolCatName
	dcr.VolCatInfo = dev.VolCatInfo
	return true
}

// AcquireForRead gets the device ready for the job to read its current
// volume, asking the operator to mount it when needed. Reading excludes
// every other use of the device.
func (dcr *DCR) AcquireForRead(ctx context.Context) error {
	dev := dcr.Dev
	job := dcr.Job
	dev.AcquireMu.Lock()
	defer dev.AcquireMu.Unlock()
	if err := dcr.lockContext(ctx); err != nil {
		return err
	}
	defer dcr.unlock()

	dcr.unreserve()
	if dev.CanRead() || dev.NumWriters > 0 {
		return errors.Wrapf(ErrDeviceBusy, "device %s is in use", dev)
	}
	if dcr.VolumeName == "" {
		if job.curVolume >= len(job.ReadVolumes) {
			return errors.Wrapf(ErrNoVolume, "%s has no volume to read", job)
		}
		dcr.VolumeName = job.ReadVolumes[job.curVolume]
	}

	unblock := dcr.block(device.DoingAcquire)
	defer unblock()

	if info, err := dcr.reg.Dir.GetVolumeInfo(ctx, dcr.VolumeName); err == nil {
		dcr.VolCatInfo = *info
		dcr.MediaType = info.MediaType
	}
	if dev.IsFile() && dev.IsOpen() && dev.OpenedVolume() != dcr.VolumeName {
		dev.Close()
	}
	var lastErr error
	for tries := 0; ; tries++ {
		if ctx.Err() != nil {
			return ErrCanceled
		}
		if tries >= maxMountTries {
			return fatal(errors.Wrapf(ErrTooManyTries, "reading volume %s on %s: %v", dcr.VolumeName, dev, lastErr))
		}
		if tries > 0 {
			dcr.unloadForRemount()
			if err := dcr.askOperator(ctx, MountRequest); err != nil {
				return err
			}
		}
		if _, err := dcr.autoload(ctx); err != nil {
			lastErr = err
			continue
		}
		if !dev.IsOpen() {
			if err := dev.Open(dcr.VolumeName, device.ModeReadOnly); err != nil {
				lastErr = err
				continue
			}
		}
		status, err := dcr.ReadVolumeLabel(ctx)
		if status == LabelOK {
			break
		}
		if IsFatal(err) {
			return err
		}
		lastErr = err
		log.Printf("device %s: cannot read volume %s: %v", dev.Name, dcr.VolumeName, err)
		job.Messages.Add(0, "Cannot read volume %s on %s: %s.", dcr.VolumeName, dev, status)
	}
	if err := dev.Rewind(); err != nil {
		return err
	}
	if dcr.VolCatInfo.VolCatName != "" {
		dev.VolCatInfo = dcr.VolCatInfo
	}
	dev.SetRead()
	dev.SetReservedForRead(false)
	dcr.Block.Empty()
	dcr.Rec.Reset()
	dcr.acquired = true
	dcr.mode = modeRead
	dcr.VolIndex++
	dcr.reg.attach(dcr)
	dcr.reg.Stats.BumpSum("acquire.read", 1)
	log.Printf("device %s: %s acquired for read on volume %s", dev.Name, job, dcr.VolumeName)
	return nil
}
