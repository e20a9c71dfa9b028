package stored

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/changer"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/util"
)

// A Registry owns every device of the daemon and knows which jobs use them
// and which volumes are mounted where.
type Registry struct {
	// Dir answers questions about volumes.
	Dir Director

	// Operator is asked to mount and create volumes. With no operator the
	// request fails with ErrNoVolume.
	Operator *Operator

	// Changers maps autochanger names to robots.
	Changers map[string]changer.Changer

	Stats stats.Client
	Clock clock.Clock

	// WaitForDeviceTimeout is how long FindDevice waits for a release
	// between passes, MaxWaitRetries how many times it waits.
	WaitForDeviceTimeout time.Duration
	MaxWaitRetries       int

	owners uint64 // atomic
	admin  device.Owner

	m        sync.Mutex
	devices  []*device.Device
	byName   map[string]*device.Device
	vols     map[string]*device.Device // volume name to the device it is on
	attached map[*device.Device][]*DCR
	jobs     map[uint32]*Job
	released chan struct{} // closed and replaced on every release
}

// NewRegistry returns an empty registry using dir for volume information.
func NewRegistry(dir Director) *Registry {
	return &Registry{
		Dir:                  dir,
		Changers:             make(map[string]changer.Changer),
		Stats:                util.NopStats{},
		Clock:                clock.New(),
		WaitForDeviceTimeout: 5 * time.Minute,
		MaxWaitRetries:       12,
		byName:               make(map[string]*device.Device),
		vols:                 make(map[string]*device.Device),
		attached:             make(map[*device.Device][]*DCR),
		jobs:                 make(map[uint32]*Job),
		released:             make(chan struct{}),
		owners:               1,
		admin:                1,
	}
}

// AddDevice adds a device. Devices are tried in the order they are added.
func (r *Registry) AddDevice(d *device.Device) {
	r.m.Lock()
	defer r.m.Unlock()
	r.devices = append(r.devices, d)
	r.byName[d.Name] = d
}

// Device returns the named device, or nil.
func (r *Registry) Device(name string) *device.Device {
	r.m.Lock()
	defer r.m.Unlock()
	return r.byName[name]
}

// Devices returns all the devices.
func (r *Registry) Devices() []*device.Device {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]*device.Device(nil), r.devices...)
}

// AddJob makes a job known, so its messages can be looked up.
func (r *Registry) AddJob(job *Job) {
	r.m.Lock()
	r.jobs[job.ID] = job
	r.m.Unlock()
}

// RemoveJob forgets a job.
func (r *Registry) RemoveJob(job *Job) {
	r.m.Lock()
	delete(r.jobs, job.ID)
	r.m.Unlock()
}

// Job returns the job with the given id, or nil.
func (r *Registry) Job(id uint32) *Job {
	r.m.Lock()
	defer r.m.Unlock()
	return r.jobs[id]
}

// Jobs returns the known jobs ordered by id.
func (r *Registry) Jobs() []*Job {
	r.m.Lock()
	result := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		result = append(result, j)
	}
	r.m.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// NewDCR joins job to dev with a fresh Owner and block buffer.
func (r *Registry) NewDCR(job *Job, dev *device.Device) *DCR {
	return &DCR{
		Job:       job,
		Dev:       dev,
		Owner:     device.Owner(atomic.AddUint64(&r.owners, 1)),
		reg:       r,
		Block:     block.New(dev.MaxBlockSize),
		Rec:       &block.Record{},
		Pool:      job.Pool,
		PoolType:  job.PoolType,
		MediaType: job.MediaType,
	}
}

// Owner returns a fresh Owner for callers that lock devices outside a job.
func (r *Registry) Owner() device.Owner {
	return device.Owner(atomic.AddUint64(&r.owners, 1))
}

func (r *Registry) attach(dcr *DCR) {
	r.m.Lock()
	defer r.m.Unlock()
	for _, d := range r.attached[dcr.Dev] {
		if d == dcr {
			return
		}
	}
	r.attached[dcr.Dev] = append(r.attached[dcr.Dev], dcr)
}

func (r *Registry) detach(dcr *DCR) {
	r.m.Lock()
	defer r.m.Unlock()
	list := r.attached[dcr.Dev]
	for i, d := range list {
		if d == dcr {
			r.attached[dcr.Dev] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.attached[dcr.Dev]) == 0 {
		delete(r.attached, dcr.Dev)
	}
}

// Attached returns the DCRs holding dev.
func (r *Registry) Attached(dev *device.Device) []*DCR {
	r.m.Lock()
	defer r.m.Unlock()
	return append([]*DCR(nil), r.attached[dev]...)
}

// reserveVolume records that the volume is on dev. It fails if the volume
// is already on another device.
func (r *Registry) reserveVolume(name string, dev *device.Device) bool {
	if name == "" {
		return true
	}
	r.m.Lock()
	defer r.m.Unlock()
	if d, ok := r.vols[name]; ok && d != dev {
		return false
	}
	// a device holds one volume at a time
	for v, d := range r.vols {
		if d == dev && v != name {
			delete(r.vols, v)
		}
	}
	r.vols[name] = dev
	return true
}

// freeVolume drops whatever volume is recorded on dev.
func (r *Registry) freeVolume(dev *device.Device) {
	r.m.Lock()
	defer r.m.Unlock()
	for v, d := range r.vols {
		if d == dev {
			delete(r.vols, v)
		}
	}
}

// volumeInUseElsewhere is true when the volume is recorded on some device
// other than dev.
func (r *Registry) volumeInUseElsewhere(name string, dev *device.Device) bool {
	r.m.Lock()
	defer r.m.Unlock()
	d, ok := r.vols[name]
	return ok && d != dev
}

// VolumeDevice returns the device holding the volume, or nil.
func (r *Registry) VolumeDevice(name string) *device.Device {
	r.m.Lock()
	defer r.m.Unlock()
	return r.vols[name]
}

// signalReleased wakes everyone waiting for a device to be released.
func (r *Registry) signalReleased() {
	r.m.Lock()
	close(r.released)
	r.released = make(chan struct{})
	r.m.Unlock()
}

// waitReleased waits for the next release, the timeout, or ctx. It returns
// ErrCanceled only when ctx is done.
func (r *Registry) waitReleased(ctx context.Context, timeout time.Duration) error {
	r.m.Lock()
	ch := r.released
	r.m.Unlock()
	select {
	case <-ch:
	case <-r.Clock.After(timeout):
	case <-ctx.Done():
		return ErrCanceled
	}
	return nil
}
