package stored

import (
	"context"
	"log"
	"strings"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
)

// A DeviceRequest says what kind of device a job needs.
type DeviceRequest struct {
	Append    bool
	Devices   []string // acceptable device names, empty for any
	MediaType string
	Pool      string
	PoolType  string
	// Volume is the volume to read, or the volume a writer would like.
	Volume string
	// PreferMountedVols makes a writer share a drive that already has a
	// volume of its pool mounted instead of looking for a free drive.
	PreferMountedVols bool
}

type reserveResult int

const (
	reserveWait reserveResult = iota
	reserveOK
	reserveError
)

// reserveContext is one pass of the device search.
type reserveContext struct {
	req             *DeviceRequest
	autochangerOnly bool
	lowUse          *device.Device // with lowUse set, only this device
	lowUsePass      bool
	preferMounted   bool
	exactMatch      bool
	anyDrive        bool
}

// appendPasses are tried in order until one reserves a device.
var appendPasses = []reserveContext{
	{autochangerOnly: true},
	{lowUsePass: true},
	{},
	{preferMounted: true, exactMatch: true},
	{preferMounted: true},
	{anyDrive: true},
}

// FindDevice reserves a device for the job. It retries twice at once, then
// waits for devices to be released up to MaxWaitRetries times before
// giving up with ErrDeviceBusy. The job's messages say why no device could
// be had. A request no configured device can ever serve fails with
// ErrNoDevice.
func (r *Registry) FindDevice(ctx context.Context, job *Job, req DeviceRequest) (*DCR, error) {
	candidates := r.candidates(&req)
	if len(candidates) == 0 {
		return nil, errors.Wrapf(ErrNoDevice, "media type %q devices %v", req.MediaType, req.Devices)
	}
	r.AddJob(job)
	for pass := 0; ; pass++ {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		job.Messages.Clear()
		dcr, err := r.tryReserve(ctx, job, &req, candidates)
		if err != nil || dcr != nil {
			return dcr, err
		}
		job.heartbeat()
		if pass < 2 {
			continue
		}
		if pass-2 >= r.MaxWaitRetries {
			return nil, errors.Wrap(ErrDeviceBusy, messageText(job))
		}
		log.Printf("stored: %s waiting for a device: %s", job, messageText(job))
		if err := r.waitReleased(ctx, r.WaitForDeviceTimeout); err != nil {
			return nil, err
		}
	}
}

func messageText(job *Job) string {
	var parts []string
	for _, m := range job.Messages.List() {
		parts = append(parts, m.Text)
	}
	if len(parts) == 0 {
		return "no device available"
	}
	return strings.Join(parts, "; ")
}

// candidates returns the devices with the request's media type, restricted
// to the named ones if any are named.
func (r *Registry) candidates(req *DeviceRequest) []*device.Device {
	var result []*device.Device
	for _, dev := range r.Devices() {
		if req.MediaType != "" && dev.MediaType != req.MediaType {
			continue
		}
		if len(req.Devices) > 0 && !contains(req.Devices, dev.Name) {
			continue
		}
		result = append(result, dev)
	}
	// a reader goes first to the drive already holding its volume
	if !req.Append && req.Volume != "" {
		if d := r.VolumeDevice(req.Volume); d != nil {
			for i, dev := range result {
				if dev == d {
					copy(result[1:i+1], result[:i])
					result[0] = d
					break
				}
			}
		}
	}
	return result
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Registry) tryReserve(ctx context.Context, job *Job, req *DeviceRequest, candidates []*device.Device) (*DCR, error) {
	if !req.Append {
		rc := reserveContext{req: req, anyDrive: true}
		return r.reservePass(ctx, job, &rc, candidates)
	}
	for _, p := range appendPasses {
		rc := p
		rc.req = req
		// a job preferring mounted volumes skips the search for a free drive
		if !rc.preferMounted && !rc.anyDrive && req.PreferMountedVols {
			continue
		}
		if rc.lowUsePass {
			rc.lowUse = r.lowUseDevice(candidates)
			if rc.lowUse == nil {
				continue
			}
		}
		dcr, err := r.reservePass(ctx, job, &rc, candidates)
		if err != nil || dcr != nil {
			return dcr, err
		}
	}
	return nil, nil
}

func (r *Registry) reservePass(ctx context.Context, job *Job, rc *reserveContext, candidates []*device.Device) (*DCR, error) {
	for _, dev := range candidates {
		if rc.autochangerOnly && !dev.Caps.Autochanger {
			continue
		}
		if rc.lowUse != nil && dev != rc.lowUse {
			continue
		}
		dcr, res, err := r.reserveDevice(ctx, job, rc, dev)
		switch res {
		case reserveOK:
			log.Printf("stored: %s reserved %s for %s", job, dev.Name, modeName(rc.req.Append))
			return dcr, nil
		case reserveError:
			return nil, err
		}
	}
	return nil, nil
}

func modeName(write bool) string {
	if write {
		return "append"
	}
	return "read"
}

// lowUseDevice returns the busy writing device with the fewest jobs, or
// nil if no device is writing.
func (r *Registry) lowUseDevice(candidates []*device.Device) *device.Device {
	var best *device.Device
	bestUse := 0
	o := r.Owner()
	for _, dev := range candidates {
		var use int
		ok := peek(dev, o, func() {
			if dev.NumWriters > 0 {
				use = dev.NumWriters + dev.Reserved()
			}
		})
		if !ok || use == 0 {
			continue
		}
		if best == nil || use < bestUse {
			best = dev
			bestUse = use
		}
	}
	return best
}

// peek runs f with the device locked by o. If another owner has the device
// blocked it returns false without waiting.
func peek(dev *device.Device, o device.Owner, f func()) bool {
	if dev.Blocked() != device.NotBlocked && dev.BlockedBy() != o {
		return false
	}
	dev.Lock(o)
	defer dev.Unlock(o)
	f()
	return true
}

// reserveDevice tries to reserve one device for the job.
func (r *Registry) reserveDevice(ctx context.Context, job *Job, rc *reserveContext, dev *device.Device) (*DCR, reserveResult, error) {
	req := rc.req
	if req.MediaType != "" && dev.MediaType != req.MediaType {
		return nil, reserveError, errors.Wrapf(ErrNoDevice, "device %s has media type %s, not %s", dev.Name, dev.MediaType, req.MediaType)
	}
	dcr := r.NewDCR(job, dev)
	dcr.Pool = req.Pool
	dcr.PoolType = req.PoolType
	dcr.MediaType = req.MediaType
	if dcr.MediaType == "" {
		dcr.MediaType = dev.MediaType
	}
	res := reserveWait
	var err error
	ok := peek(dev, dcr.Owner, func() {
		if req.Append {
			res, err = r.reserveAppendVolume(ctx, dcr, rc)
		} else {
			res = dcr.reserveForRead()
			if res == reserveOK {
				dcr.VolumeName = req.Volume
				if !r.reserveVolume(req.Volume, dev) {
					job.Messages.Add(3602, "Volume %s is in use on another device.", req.Volume)
					dcr.unreserve()
					res = reserveWait
				}
			}
		}
	})
	if !ok {
		switch {
		case dev.IsUnmounted() && req.Append:
			job.Messages.Add(3604, "Device %s is BLOCKED due to user unmount.", dev)
		case dev.IsUnmounted():
			job.Messages.Add(3601, "Device %s is BLOCKED due to user unmount.", dev)
		default:
			job.Messages.Add(3602, "Device %s is busy.", dev)
		}
		return nil, reserveWait, nil
	}
	return dcr, res, err
}

// reserveAppendVolume reserves the device and settles which volume the job
// will write. The device lock is held.
func (r *Registry) reserveAppendVolume(ctx context.Context, dcr *DCR, rc *reserveContext) (reserveResult, error) {
	dev := dcr.Dev
	if res := dcr.reserveForAppend(rc); res != reserveOK {
		return res, nil
	}
	if name := dev.VolumeName(); name != "" && dev.IsLabeled() {
		dcr.VolumeName = name
		dcr.VolCatInfo = dev.VolCatInfo
		return reserveOK, nil
	}
	info, err := r.Dir.FindNextAppendableVolume(ctx, catalog.VolumeRequest{
		Pool:      dcr.Pool,
		MediaType: dcr.MediaType,
		Exclude:   func(name string) bool { return r.volumeInUseElsewhere(name, dev) },
	})
	switch {
	case err == nil:
		if !r.reserveVolume(info.VolCatName, dev) {
			dcr.Job.Messages.Add(3607, "Volume %s is in use on another device.", info.VolCatName)
			dcr.unreserve()
			return reserveWait, nil
		}
		dcr.VolumeName = info.VolCatName
		dcr.VolCatInfo = *info
	case errors.Cause(err) == catalog.ErrNoAppendable:
		if dev.NumWriters > 0 {
			// the writers here will need the next volume themselves
			dcr.Job.Messages.Add(3607, "No appendable volume for a second job on busy device %s.", dev)
			dcr.unreserve()
			return reserveWait, nil
		}
		// the mount will ask the operator
	default:
		dcr.unreserve()
		return reserveError, err
	}
	return reserveOK, nil
}

// unreserve drops the DCR's reservation. The device lock is held.
func (dcr *DCR) unreserve() {
	if !dcr.reserved {
		return
	}
	dcr.Dev.DecReserved()
	if dcr.mode == modeNone && dcr.Dev.ReservedForRead() && dcr.Dev.Reserved() == 0 {
		dcr.Dev.SetReservedForRead(false)
	}
	dcr.reserved = false
	if dcr.Dev.Reserved() == 0 && dcr.Dev.NumWriters == 0 && !dcr.Dev.CanRead() {
		if !dcr.Dev.IsLabeled() {
			dcr.reg.freeVolume(dcr.Dev)
		}
		if !dcr.Dev.CanAppend() {
			dcr.Dev.PoolName = ""
			dcr.Dev.PoolType = ""
		}
	}
}

// reserveForAppend checks the device can take a writer and reserves it.
// The device lock is held.
func (dcr *DCR) reserveForAppend(rc *reserveContext) reserveResult {
	dev := dcr.Dev
	if dev.CanRead() || dev.ReservedForRead() {
		dcr.Job.Messages.Add(3603, "Device %s is busy reading.", dev)
		return reserveWait
	}
	if dev.IsUnmounted() {
		dcr.Job.Messages.Add(3604, "Device %s is BLOCKED due to user unmount.", dev)
		return reserveWait
	}
	if res := dcr.canReserveDrive(rc); res != reserveOK {
		return res
	}
	dev.IncReserved()
	dcr.reserved = true
	return reserveOK
}

// reserveForRead reserves the device for reading, which excludes every
// other use. The device lock is held.
func (dcr *DCR) reserveForRead() reserveResult {
	dev := dcr.Dev
	if dev.IsUnmounted() {
		dcr.Job.Messages.Add(3601, "Device %s is BLOCKED due to user unmount.", dev)
		return reserveWait
	}
	if dev.IsBusy() {
		dcr.Job.Messages.Add(3602, "Device %s is busy (already reading/writing).", dev)
		return reserveWait
	}
	dev.ClearAppend()
	dev.SetReservedForRead(true)
	dev.IncReserved()
	dcr.reserved = true
	return reserveOK
}

// canReserveDrive decides whether a writer may use the device on this
// pass. The device lock is held.
func (dcr *DCR) canReserveDrive(rc *reserveContext) reserveResult {
	dev := dcr.Dev
	msgs := &dcr.Job.Messages
	if dev.MaxConcurrentJobs > 0 && dev.NumWriters+dev.Reserved() >= dev.MaxConcurrentJobs {
		msgs.Add(3609, "Device %s is at maximum concurrent jobs = %d.", dev, dev.MaxConcurrentJobs)
		return reserveWait
	}
	if v := &dev.VolCatInfo; v.VolCatMaxJobs > 0 && v.VolCatJobs+uint32(dev.Reserved()) >= v.VolCatMaxJobs {
		msgs.Add(3611, "Volume %s is at maximum jobs = %d.", v.VolCatName, v.VolCatMaxJobs)
		return reserveWait
	}

	if !rc.anyDrive && !(rc.lowUsePass && dev == rc.lowUse) {
		if !rc.preferMounted && dev.IsBusy() {
			msgs.Add(3605, "JobId=%d wants free drive but device %s is busy.", dcr.Job.ID, dev)
			return reserveWait
		}
		if rc.preferMounted && dev.VolumeName() == "" && dev.IsTape() {
			msgs.Add(3606, "JobId=%d prefers mounted drives, but drive %s has no Volume.", dcr.Job.ID, dev)
			return reserveWait
		}
		if rc.exactMatch && rc.req.Volume != "" && dev.VolumeName() != rc.req.Volume {
			msgs.Add(3607, "JobId=%d wants Vol=%q drive has Vol=%q on drive %s.",
				dcr.Job.ID, rc.req.Volume, dev.VolumeName(), dev)
			return reserveWait
		}
	}

	idle := !dev.CanAppend() && dev.NumWriters == 0 && dev.Reserved() == 0
	if rc.autochangerOnly && idle && dev.VolumeName() == "" {
		dcr.claim()
		return reserveOK
	}

	samePool := dev.PoolName == dcr.Pool && dev.PoolType == dcr.PoolType
	switch {
	case idle:
		// free to claim whatever pool it served last
		dcr.claim()
		return reserveOK
	case dev.NumWriters == 0 && dev.Reserved() == 0:
		// appending with nobody on it, left by a previous job
		if samePool {
			return reserveOK
		}
	case dev.NumWriters == 0:
		// reserved by other jobs that have not started writing
		if samePool {
			return reserveOK
		}
	default:
		// writing
		if samePool {
			return reserveOK
		}
	}
	msgs.Add(3608, "Device %s is busy with pool %q type %q, wanted %q %q.",
		dev, dev.PoolName, dev.PoolType, dcr.Pool, dcr.PoolType)
	return reserveWait
}

// claim binds the device to the DCR's pool.
func (dcr *DCR) claim() {
	dcr.Dev.PoolName = dcr.Pool
	dcr.Dev.PoolType = dcr.PoolType
}
