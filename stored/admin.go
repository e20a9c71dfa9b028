package stored

import (
	"context"
	"log"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

// The operator commands below act on a device outside of any job. They use
// the registry's admin Owner, so a device the operator unmounted stays
// usable by the operator alone.

// volumeCreator is implemented by directors that can add volume records.
type volumeCreator interface {
	CreateVolume(ctx context.Context, info *device.VolumeInfo) error
}

func (r *Registry) adminDevice(name string) (*device.Device, error) {
	dev := r.Device(name)
	if dev == nil {
		return nil, errors.Wrap(ErrNoDevice, name)
	}
	return dev, nil
}

// adminDCR makes a DCR for the admin Owner on dev.
func (r *Registry) adminDCR(dev *device.Device, volume string) *DCR {
	job := &Job{JobName: "admin", MediaType: dev.MediaType}
	dcr := r.NewDCR(job, dev)
	dcr.Owner = r.admin
	dcr.VolumeName = volume
	return dcr
}

// adminLock takes the device lock for the admin Owner. A device blocked by
// a job waiting for the operator is stolen from the job, which gets it back
// when release is called. waiting reports that case. Otherwise the device
// must be free, or unmounted by the operator.
func (r *Registry) adminLock(dev *device.Device, why device.BlockedState) (release func(), waiting bool, err error) {
	s := dev.TrySteal(r.admin, why, device.WaitingForOperator, device.UnmountedWaitingForOperator)
	if s != nil {
		dev.Lock(r.admin)
		return func() {
			dev.Unlock(r.admin)
			s.GiveBack()
		}, true, nil
	}
	if dev.IsUnmounted() && dev.BlockedBy() != r.admin {
		return nil, false, errors.Wrapf(ErrDeviceBusy, "device %s is %s", dev.Name, dev.Blocked())
	}
	if !dev.TryLock(r.admin) {
		return nil, false, errors.Wrapf(ErrDeviceBusy, "device %s is in use", dev.Name)
	}
	return func() { dev.Unlock(r.admin) }, false, nil
}

// wakeWaiting answers the operator requests of jobs waiting on dev.
func (r *Registry) wakeWaiting(dev *device.Device) int {
	if r.Operator == nil {
		return 0
	}
	return r.Operator.AnswerDevice(dev.Name)
}

// DeviceStatus returns a snapshot of the named device. A device held by a
// job only reports its blocked state.
func (r *Registry) DeviceStatus(name string) (device.Status, error) {
	dev, err := r.adminDevice(name)
	if err != nil {
		return device.Status{}, err
	}
	return r.status(dev), nil
}

func (r *Registry) status(dev *device.Device) device.Status {
	if dev.TryLock(r.admin) {
		defer dev.Unlock(r.admin)
		return dev.Status()
	}
	return device.Status{
		Name:      dev.Name,
		Type:      dev.Type.String(),
		MediaType: dev.MediaType,
		Archive:   dev.ArchiveDevice,
		Blocked:   dev.Blocked().String(),
	}
}

// Statuses returns a snapshot of every device.
func (r *Registry) Statuses() []device.Status {
	var result []device.Status
	for _, dev := range r.Devices() {
		result = append(result, r.status(dev))
	}
	return result
}

// Mount tells the daemon a volume was put in the drive. Jobs waiting for
// the operator on the device are woken. Otherwise the label is read so the
// volume is known. A slot greater than zero is loaded by the autochanger
// first.
func (r *Registry) Mount(ctx context.Context, name string, slot int) (LabelStatus, error) {
	dev, err := r.adminDevice(name)
	if err != nil {
		return LabelNoMedia, err
	}
	switch dev.Blocked() {
	case device.WaitingForOperator, device.UnmountedWaitingForOperator:
		if slot > 0 {
			release, _, err := r.adminLock(dev, device.Mounting)
			if err != nil {
				return LabelNoMedia, err
			}
			dcr := r.adminDCR(dev, "")
			dcr.VolCatInfo.Slot = slot
			_, err = dcr.autoload(ctx)
			release()
			if err != nil {
				return LabelNoMedia, err
			}
		}
		dev.Remount()
		n := r.wakeWaiting(dev)
		log.Printf("device %s: mounted, %d waiting jobs woken", name, n)
		return LabelOK, nil
	case device.UserUnmounted:
		if dev.BlockedBy() != r.admin {
			return LabelNoMedia, errors.Wrapf(ErrDeviceBusy, "device %s is %s", name, dev.Blocked())
		}
	case device.NotBlocked:
	default:
		return LabelNoMedia, errors.Wrapf(ErrDeviceBusy, "device %s is %s", name, dev.Blocked())
	}
	if !dev.TryLock(r.admin) {
		return LabelNoMedia, errors.Wrapf(ErrDeviceBusy, "device %s is in use", name)
	}
	defer dev.Unlock(r.admin)
	dev.Remount()
	if dev.IsBusy() {
		log.Printf("device %s: already mounted with volume %s", name, dev.VolumeName())
		return LabelOK, nil
	}
	if dev.IsFile() {
		// file volumes are opened by name when a job needs them
		log.Printf("device %s: mounted", name)
		return LabelOK, nil
	}
	dcr := r.adminDCR(dev, "")
	if slot > 0 {
		dcr.VolCatInfo.Slot = slot
		if _, err := dcr.autoload(ctx); err != nil {
			return LabelNoMedia, err
		}
	}
	status, err := dcr.ReadVolumeLabel(ctx)
	if status != LabelOK {
		dev.Close()
		r.freeVolume(dev)
		return status, err
	}
	if dev.IsFile() || !dev.Caps.AlwaysOpen {
		dev.Close()
	}
	log.Printf("device %s: operator mounted volume %s", name, dev.VolumeName())
	return status, nil
}

// Unmount takes the volume out of use so it can be removed. The device
// stays unavailable to jobs until mounted again. A device a job is waiting
// on is only marked unmounted.
func (r *Registry) Unmount(ctx context.Context, name string) error {
	dev, err := r.adminDevice(name)
	if err != nil {
		return err
	}
	switch dev.Blocked() {
	case device.WaitingForOperator:
		dev.SetBlocked(device.UnmountedWaitingForOperator)
		return nil
	case device.UserUnmounted, device.UnmountedWaitingForOperator:
		return nil
	case device.NotBlocked:
	default:
		return errors.Wrapf(ErrDeviceBusy, "device %s is %s", name, dev.Blocked())
	}
	if !dev.TryLock(r.admin) {
		return errors.Wrapf(ErrDeviceBusy, "device %s is in use", name)
	}
	defer dev.Unlock(r.admin)
	if dev.IsBusy() {
		return errors.Wrapf(ErrDeviceBusy, "device %s has %d writers and %d reservations", name, dev.NumWriters, dev.Reserved())
	}
	r.freeVolume(dev)
	if dev.IsTape() && dev.Caps.OfflineOnUnmount && dev.IsOpen() {
		dev.Offline()
	}
	dev.Close()
	dev.Block(r.admin, device.UserUnmounted)
	log.Printf("device %s: unmounted by operator", name)
	return nil
}

// ReleaseDevice closes an idle device and forgets its volume, without
// blocking it.
func (r *Registry) ReleaseDevice(ctx context.Context, name string) error {
	dev, err := r.adminDevice(name)
	if err != nil {
		return err
	}
	if dev.IsUnmounted() {
		return errors.Wrapf(ErrDeviceBusy, "device %s is unmounted", name)
	}
	if !dev.TryLock(r.admin) {
		return errors.Wrapf(ErrDeviceBusy, "device %s is in use", name)
	}
	defer dev.Unlock(r.admin)
	if dev.IsBusy() {
		return errors.Wrapf(ErrDeviceBusy, "device %s has %d writers and %d reservations", name, dev.NumWriters, dev.Reserved())
	}
	r.freeVolume(dev)
	dev.Close()
	r.signalReleased()
	log.Printf("device %s: released by operator", name)
	return nil
}

// Label writes a new label for volume on the medium in the device and
// reads it back. The volume is added to the catalog if it is not there.
func (r *Registry) Label(ctx context.Context, name, volume, pool string, slot int) error {
	dev, err := r.adminDevice(name)
	if err != nil {
		return err
	}
	if volume == "" {
		return errors.Wrap(ErrNoVolume, "a volume name is needed to label")
	}
	if d := r.VolumeDevice(volume); d != nil && d != dev {
		return errors.Wrapf(ErrWrongVolume, "volume %s is in use on %s", volume, d.Name)
	}
	release, waiting, err := r.adminLock(dev, device.WritingLabel)
	if err != nil {
		return err
	}
	// a job waiting for a volume is not using the one in the drive
	if !waiting && dev.IsBusy() {
		release()
		return errors.Wrapf(ErrDeviceBusy, "device %s has %d writers and %d reservations", name, dev.NumWriters, dev.Reserved())
	}
	err = r.labelLocked(ctx, dev, volume, pool, slot)
	release()
	if err == nil && waiting {
		n := r.wakeWaiting(dev)
		log.Printf("device %s: labeled %s, %d waiting jobs woken", name, volume, n)
	}
	return err
}

// labelLocked does the work of Label with the device lock held by the
// admin Owner.
func (r *Registry) labelLocked(ctx context.Context, dev *device.Device, volume, pool string, slot int) error {
	name := dev.Name
	dcr := r.adminDCR(dev, volume)
	dcr.Pool = pool
	info, err := r.Dir.GetVolumeInfo(ctx, volume)
	switch errors.Cause(err) {
	case nil:
		if info.VolCatBytes > 0 && info.VolCatStatus != device.StatusRecycle && info.VolCatStatus != device.StatusPurged {
			return errors.Errorf("volume %s holds data (status %s)", volume, info.VolCatStatus)
		}
		dcr.VolCatInfo = *info
		if pool == "" {
			dcr.Pool = info.PoolName
		}
	case catalog.ErrNotFound:
		info = nil
	default:
		return err
	}
	if slot > 0 {
		dcr.VolCatInfo.Slot = slot
		if _, err := dcr.autoload(ctx); err != nil {
			return err
		}
	}
	relabel := dev.IsLabeled() && dev.VolumeName() != ""
	if err := dcr.WriteNewVolumeLabel(volume, relabel); err != nil {
		return err
	}
	if status, err := dcr.ReadVolumeLabel(ctx); status != LabelOK {
		return errors.Wrapf(err, "reading back label of %s", volume)
	}
	if info == nil {
		vc, ok := r.Dir.(volumeCreator)
		if !ok {
			log.Printf("device %s: volume %s labeled, the director must add it", name, volume)
			return nil
		}
		info = &device.VolumeInfo{
			VolCatName:   volume,
			VolCatStatus: device.StatusAppend,
			MediaType:    dev.MediaType,
			PoolName:     dcr.Pool,
			Slot:         slot,
			InChanger:    slot > 0,
		}
		return vc.CreateVolume(ctx, info)
	}
	info.VolCatStatus = device.StatusAppend
	info.VolCatBytes = 0
	info.VolCatBlocks = 0
	info.VolCatFiles = 0
	return r.Dir.UpdateVolumeInfo(ctx, info, false)
}

// Shutdown closes every idle device so tape images and drives are left in
// a clean state. Devices still in use are logged and left alone. It
// returns the number of those.
func (r *Registry) Shutdown() int {
	var busy int
	for _, dev := range r.Devices() {
		if !dev.TryLock(r.admin) {
			log.Printf("device %s: in use at shutdown", dev.Name)
			busy++
			continue
		}
		if dev.IsBusy() {
			log.Printf("device %s: %d writers at shutdown", dev.Name, dev.NumWriters)
			busy++
		} else {
			r.freeVolume(dev)
			dev.Close()
		}
		dev.Unlock(r.admin)
	}
	return busy
}

// ReadLabel reads the label of the medium in the device whatever volume it
// names. For file devices volume names the file to open. The device is
// left open and rewound.
func (r *Registry) ReadLabel(ctx context.Context, name, volume string) (label.Volume, LabelStatus, error) {
	dev, err := r.adminDevice(name)
	if err != nil {
		return label.Volume{}, LabelNoMedia, err
	}
	if !dev.TryLock(r.admin) {
		return label.Volume{}, LabelNoMedia, errors.Wrapf(ErrDeviceBusy, "device %s is in use", name)
	}
	defer dev.Unlock(r.admin)
	if dev.IsBusy() {
		return label.Volume{}, LabelNoMedia, errors.Wrapf(ErrDeviceBusy, "device %s has %d writers and %d reservations", name, dev.NumWriters, dev.Reserved())
	}
	if dev.IsFile() {
		if err := dev.Open(volume, device.ModeReadOnly); err != nil {
			return label.Volume{}, LabelNoMedia, err
		}
	}
	dev.ClearLabeled()
	status, err := r.adminDCR(dev, "").ReadVolumeLabel(ctx)
	return dev.VolHdr, status, err
}
