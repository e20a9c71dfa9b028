package stored

import (
	"context"
	"fmt"
	"log"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/changer"
	"github.com/ndlib/tapestore/device"
)

// maxMountTries bounds the passes MountNextWriteVolume makes.
const maxMountTries = 5

type mountState int

const (
	stFindVolume mountState = iota
	stLoad
	stReadLabel
	stMountError
	stPrepare
)

// MountNextWriteVolume gets an appendable volume onto the device and
// positions it for writing. With release set the volume currently on the
// device is given up first. Blank media are labeled when the device may do
// so. A volume being reused is checked against its catalog record before
// appending.
//
// The device lock must be held and the device blocked by the DCR.
func (dcr *DCR) MountNextWriteVolume(ctx context.Context, release bool) error {
	dev := dcr.Dev
	var (
		tries       int
		released    bool
		recycle     bool
		loaded      bool
		autolabeled bool
		lastErr     error
	)
	st := stFindVolume
	for {
		switch st {
		case stFindVolume:
			if ctx.Err() != nil {
				return ErrCanceled
			}
			tries++
			if tries > maxMountTries {
				err := errors.Wrapf(ErrTooManyTries, "mounting a volume on %s: %v", dev, lastErr)
				log.Println(err)
				return fatal(err)
			}
			recycle, loaded, autolabeled = false, false, false
			if release {
				dcr.releaseVolume()
				release = false
				released = true
			}
			if err := dcr.findNextVolume(ctx); err != nil {
				return err
			}
			st = stLoad

		case stLoad:
			var err error
			loaded, err = dcr.autoload(ctx)
			if err != nil {
				lastErr = err
				st = stMountError
				continue
			}
			// a tape without a robot needs a person, unless the drive
			// may already hold the volume
			ask := dev.IsTape() && !dev.Caps.Autochanger &&
				(released || tries > 1 || !dev.Caps.AutoMount)
			if ask && !loaded {
				if err := dcr.askOperator(ctx, MountRequest); err != nil {
					return err
				}
			}
			if err := dcr.openForAppend(dcr.VolumeName); err != nil {
				if errors.Cause(err) == device.ErrOpenTimeout {
					return errors.Wrap(ErrDeviceBusy, err.Error())
				}
				lastErr = err
				st = stMountError
				continue
			}
			st = stReadLabel

		case stReadLabel:
			status, err := dcr.ReadVolumeLabel(ctx)
			if IsFatal(err) {
				return err
			}
			switch status {
			case LabelOK:
				dev.VolCatInfo = dcr.VolCatInfo
				recycle = dcr.VolCatInfo.VolCatStatus == device.StatusRecycle
				st = stPrepare
			case LabelNameError:
				if dcr.trySubstitute(ctx) {
					recycle = dcr.VolCatInfo.VolCatStatus == device.StatusRecycle
					st = stPrepare
					continue
				}
				lastErr = err
				st = stMountError
			case LabelNoLabel, LabelIOError:
				if dev.Caps.LabelMedia && !autolabeled && dcr.mayAutolabel() {
					if err := dcr.WriteNewVolumeLabel(dcr.VolumeName, false); err != nil {
						lastErr = err
						st = stMountError
						continue
					}
					// read it back rather than trust what was written
					autolabeled = true
					continue
				}
				lastErr = err
				st = stMountError
			default:
				lastErr = err
				st = stMountError
			}

		case stMountError:
			log.Printf("device %s: cannot mount volume %s: %v", dev.Name, dcr.VolumeName, lastErr)
			dcr.Job.Messages.Add(0, "Cannot mount volume %s on %s: %v", dcr.VolumeName, dev, lastErr)
			if loaded && dcr.VolCatInfo.Slot > 0 {
				// the robot's slot does not hold this volume
				info := dcr.VolCatInfo
				info.Slot = 0
				info.InChanger = false
				if err := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); err != nil {
					log.Println(err)
				}
				dcr.VolCatInfo = info
			}
			dcr.unloadForRemount()
			st = stFindVolume

		case stPrepare:
			var err error
			if dev.VolHdr.LabelType == block.PreLabel || recycle {
				err = dcr.rewriteVolumeLabel(ctx, recycle)
			} else {
				err = dcr.positionAtEnd(ctx)
			}
			if IsFatal(err) {
				return err
			} else if err != nil {
				lastErr = err
				st = stMountError
				continue
			}
			dev.SetAppend()
			dcr.reg.Stats.BumpSum("mounts", 1)
			log.Printf("device %s: volume %s mounted for append at %d:%d", dev.Name, dcr.VolumeName, dev.File, dev.BlockNum)
			return nil
		}
	}
}

// findNextVolume asks the director for a volume to write, and the operator
// to create one when there is none.
func (dcr *DCR) findNextVolume(ctx context.Context) error {
	reg := dcr.reg
	dev := dcr.Dev
	for {
		info, err := reg.Dir.FindNextAppendableVolume(ctx, catalog.VolumeRequest{
			Pool:      dcr.Pool,
			MediaType: dcr.MediaType,
			Exclude:   func(name string) bool { return reg.volumeInUseElsewhere(name, dev) },
		})
		if err == nil {
			dcr.VolumeName = info.VolCatName
			dcr.VolCatInfo = *info
			return nil
		}
		if errors.Cause(err) != catalog.ErrNoAppendable {
			return err
		}
		dcr.VolumeName = ""
		if err := dcr.askOperator(ctx, CreateRequest); err != nil {
			return err
		}
	}
}

// mayAutolabel protects volumes the catalog says hold data. A file
// volume marked for recycling may be relabeled anyway.
func (dcr *DCR) mayAutolabel() bool {
	if dcr.VolumeName == "" {
		return false
	}
	v := &dcr.VolCatInfo
	return v.VolCatBytes == 0 || (dcr.Dev.IsFile() && v.VolCatStatus == device.StatusRecycle)
}

// trySubstitute accepts the volume actually mounted in place of the one
// asked for, if the catalog says it could have been chosen anyway.
func (dcr *DCR) trySubstitute(ctx context.Context) bool {
	dev := dcr.Dev
	name := dev.VolHdr.VolumeName
	if name == "" || !dev.IsLabeled() {
		return false
	}
	info, err := dcr.reg.Dir.GetVolumeInfo(ctx, name)
	if err != nil {
		return false
	}
	if !info.IsAppendable() || info.PoolName != dcr.Pool || info.MediaType != dcr.MediaType {
		return false
	}
	if !dcr.reg.reserveVolume(name, dev) {
		return false
	}
	log.Printf("device %s: wanted volume %s, using %s which is mounted", dev.Name, dcr.VolumeName, name)
	dcr.VolumeName = name
	dcr.VolCatInfo = *info
	dev.VolCatInfo = *info
	return true
}

// positionAtEnd moves to the end of a volume being appended to and checks
// the medium agrees with the catalog. A volume that does not is marked in
// error.
func (dcr *DCR) positionAtEnd(ctx context.Context) error {
	dev := dcr.Dev
	if err := dcr.openForAppend(dcr.VolumeName); err != nil {
		return err
	}
	if err := dev.EOD(); err != nil {
		return err
	}
	info := dcr.VolCatInfo
	var problem string
	if dev.IsTape() {
		if info.VolCatFiles != dev.File {
			problem = fmt.Sprintf("catalog has %d files, the tape has %d", info.VolCatFiles, dev.File)
		}
	} else if dev.FileAddr != info.VolCatBytes {
		problem = fmt.Sprintf("catalog has %d bytes, the file has %d", info.VolCatBytes, dev.FileAddr)
	}
	if problem != "" {
		err := errors.Errorf("volume %s on %s does not match the catalog: %s", dcr.VolumeName, dev, problem)
		log.Println(err)
		raven.CaptureError(err, map[string]string{"device": dev.Name, "volume": dcr.VolumeName})
		info.VolCatStatus = device.StatusError
		if uerr := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); uerr != nil {
			log.Println(uerr)
		}
		dcr.VolCatInfo = info
		return err
	}
	info.VolCatMounts++
	dev.VolCatInfo = info
	saved := info
	if err := dcr.reg.Dir.UpdateVolumeInfo(ctx, &saved, false); err != nil {
		return err
	}
	dcr.VolCatInfo = info
	dev.SetNextBlockNumber(info.VolCatBlocks)
	return nil
}

// releaseVolume forgets the volume on the device so another can be
// mounted. The medium itself is only rewound or closed.
func (dcr *DCR) releaseVolume() {
	dev := dcr.Dev
	if name := dev.VolumeName(); name != "" {
		log.Printf("device %s: releasing volume %s", dev.Name, name)
	}
	dcr.reg.freeVolume(dev)
	dcr.VolumeName = ""
	dcr.VolCatInfo = device.VolumeInfo{}
	switch {
	case dev.Caps.OfflineOnUnmount && dev.IsTape():
		dev.Offline()
	case dev.IsTape() && dev.Caps.AlwaysOpen:
		dev.ClearVolume()
		dev.ClearAppend()
		dev.Rewind()
	default:
		dev.Close()
	}
}

// unloadForRemount closes the device after a failed mount so the medium
// can be changed.
func (dcr *DCR) unloadForRemount() {
	dev := dcr.Dev
	dcr.reg.freeVolume(dev)
	if dev.Caps.OfflineOnUnmount && dev.IsTape() {
		dev.Offline()
	}
	dev.Close()
}

// autoload has the robot put the DCR's volume in the drive. It returns true
// when the cartridge in the drive came from the volume's slot.
func (dcr *DCR) autoload(ctx context.Context) (bool, error) {
	dev := dcr.Dev
	if !dev.Caps.Autochanger || dev.Changer == "" {
		return false, nil
	}
	ch := dcr.reg.Changers[dev.Changer]
	slot := dcr.VolCatInfo.Slot
	if ch == nil || slot <= 0 {
		return false, nil
	}
	cart, ok, err := ch.Loaded(ctx, dev.DriveIndex)
	if err != nil {
		return false, err
	}
	if ok && cart.Slot == slot {
		dev.Slot = slot
		return true, nil
	}
	if ok {
		if dev.IsOpen() {
			dev.Offline()
			dev.Close()
		}
		dcr.reg.freeVolume(dev)
		log.Printf("device %s: unloading %s", dev.Name, cart)
		if err := ch.Unload(ctx, cart.Slot, dev.DriveIndex); err != nil {
			return false, err
		}
		dev.Slot = 0
	}
	log.Printf("device %s: loading slot %d for volume %s", dev.Name, slot, dcr.VolumeName)
	if err := ch.Load(ctx, slot, dev.DriveIndex); err != nil {
		if errors.Cause(err) == changer.ErrEmptySlot {
			info := dcr.VolCatInfo
			info.Slot = 0
			info.InChanger = false
			if uerr := dcr.reg.Dir.UpdateVolumeInfo(ctx, &info, false); uerr != nil {
				log.Println(uerr)
			}
			dcr.VolCatInfo = info
		}
		return false, err
	}
	dev.Slot = slot
	dcr.reg.Stats.BumpSum("changer.loads", 1)
	return true, nil
}

// MountNextReadVolume moves a read job to its next volume. It returns
// ErrEndOfData when there are no more.
func (dcr *DCR) MountNextReadVolume(ctx context.Context) error {
	job := dcr.Job
	dev := dcr.Dev
	dcr.lock()
	if job.curVolume+1 >= len(job.ReadVolumes) {
		dcr.unlock()
		return ErrEndOfData
	}
	job.curVolume++
	dev.ClearRead()
	dev.Close()
	dcr.reg.freeVolume(dev)
	dcr.reg.detach(dcr)
	dcr.acquired = false
	dcr.mode = modeNone
	dcr.VolumeName = job.ReadVolumes[job.curVolume]
	dcr.VolCatInfo = device.VolumeInfo{}
	dcr.unlock()
	log.Printf("device %s: %s moves on to volume %s", dev.Name, job, dcr.VolumeName)
	return dcr.AcquireForRead(ctx)
}
