package stored

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/util"
)

// testDirector counts label updates and keeps the job media it is given.
type testDirector struct {
	catalog.Catalog

	m        sync.Mutex
	labels   int
	jobMedia []catalog.JobMedia
}

func (d *testDirector) UpdateVolumeInfo(ctx context.Context, info *device.VolumeInfo, label bool) error {
	if label {
		d.m.Lock()
		d.labels++
		d.m.Unlock()
	}
	return d.Catalog.UpdateVolumeInfo(ctx, info, label)
}

func (d *testDirector) CreateJobMedia(ctx context.Context, jm catalog.JobMedia) error {
	d.m.Lock()
	d.jobMedia = append(d.jobMedia, jm)
	d.m.Unlock()
	return d.Catalog.CreateJobMedia(ctx, jm)
}

func (d *testDirector) labelCount() int {
	d.m.Lock()
	defer d.m.Unlock()
	return d.labels
}

func (d *testDirector) media() []catalog.JobMedia {
	d.m.Lock()
	defer d.m.Unlock()
	return append([]catalog.JobMedia(nil), d.jobMedia...)
}

func newTestDirector(t *testing.T) *testDirector {
	c, err := catalog.NewQl("memory")
	if err != nil {
		t.Fatalf("Received %s", err.Error())
	}
	err = c.SetPool(context.Background(), catalog.Pool{Name: "Default", LabelFormat: "Vol-"})
	if err != nil {
		t.Fatal(err)
	}
	return &testDirector{Catalog: c}
}

type testSetup struct {
	reg   *Registry
	dir   *testDirector
	dev   *device.Device
	stats *util.ExpvarStats
	path  string
}

func (ts *testSetup) Close() {
	ts.dir.Close()
	if ts.path != "" {
		os.RemoveAll(ts.path)
	}
}

func newSetup(t *testing.T, dev *device.Device, path string) *testSetup {
	d := newTestDirector(t)
	st := util.NewExpvarStats("stored-" + t.Name())
	r := NewRegistry(d)
	r.Stats = st
	r.WaitForDeviceTimeout = 10 * time.Millisecond
	r.MaxWaitRetries = 0
	dev.Stats = st
	r.AddDevice(dev)
	return &testSetup{reg: r, dir: d, dev: dev, stats: st, path: path}
}

// newFileSetup makes a registry with one file device which labels its own
// volumes.
func newFileSetup(t *testing.T, maxVolumeSize uint64) *testSetup {
	path, err := ioutil.TempDir("", "stored")
	if err != nil {
		t.Fatal(err)
	}
	cfg := device.Config{
		Name:              "file0",
		MediaType:         "File",
		ArchiveDevice:     path,
		Type:              device.TypeFile,
		MaxConcurrentJobs: 10,
		MaxVolumeSize:     maxVolumeSize,
		Caps:              device.DefaultCapabilities(),
	}
	cfg.Caps.LabelMedia = true
	dev, err := device.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return newSetup(t, dev, path)
}

// newTapeSetup makes a registry with one virtual tape drive and no robot.
func newTapeSetup(t *testing.T, capacity int64) (*testSetup, *device.VirtualTape) {
	vt := device.NewVirtualTape("", capacity)
	cfg := device.Config{
		Name:              "vt0",
		MediaType:         "LTO",
		Type:              device.TypeVTape,
		MaxConcurrentJobs: 1,
		Caps:              device.DefaultCapabilities(),
	}
	cfg.Caps.LabelMedia = true
	dev := device.NewWithBackend(cfg, vt)
	return newSetup(t, dev, ""), vt
}

func newJob(id uint32, media string) *Job {
	return &Job{
		ID:             id,
		Name:           "backup",
		JobName:        fmt.Sprintf("backup.%d", id),
		Client:         "client-fd",
		FileSet:        "Full Set",
		Pool:           "Default",
		MediaType:      media,
		VolSessionID:   id,
		VolSessionTime: 1500000000,
	}
}

// acquireAppend reserves a device for job and acquires it for writing.
func (ts *testSetup) acquireAppend(t *testing.T, job *Job) *DCR {
	ctx := context.Background()
	dcr, err := ts.reg.FindDevice(ctx, job, DeviceRequest{
		Append:    true,
		MediaType: job.MediaType,
		Pool:      job.Pool,
	})
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if !dcr.IsReserved() {
		t.Fatalf("Received unreserved DCR, expected a reservation")
	}
	if err := dcr.AcquireForAppend(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	return dcr
}

// acquireRead reserves a device for job and acquires it to read the job's
// first volume.
func (ts *testSetup) acquireRead(t *testing.T, job *Job) *DCR {
	ctx := context.Background()
	dcr, err := ts.reg.FindDevice(ctx, job, DeviceRequest{
		MediaType: job.MediaType,
		Volume:    job.ReadVolumes[0],
	})
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.AcquireForRead(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	return dcr
}

func testData(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}
