package stored

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
)

func TestAdminLabelThenAppend(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	if err := ts.reg.Label(ctx, "file0", "", "Default", 0); errors.Cause(err) != ErrNoVolume {
		t.Errorf("Received %v, expected %s", err, ErrNoVolume)
	}
	if err := ts.reg.Label(ctx, "nope", "Manual1", "Default", 0); errors.Cause(err) != ErrNoDevice {
		t.Errorf("Received %v, expected %s", err, ErrNoDevice)
	}
	if err := ts.reg.Label(ctx, "file0", "Manual1", "Default", 0); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	info, err := ts.dir.GetVolumeInfo(ctx, "Manual1")
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if info.VolCatStatus != device.StatusAppend || info.MediaType != "File" || info.PoolName != "Default" {
		t.Errorf("Received %+v", info)
	}

	dcr := ts.acquireAppend(t, newJob(1, "File"))
	if dcr.VolumeName != "Manual1" {
		t.Errorf("Received %s, expected Manual1", dcr.VolumeName)
	}
	rec := &block.Record{
		VolSessionID:   1,
		VolSessionTime: 1500000000,
		FileIndex:      1,
		Stream:         1,
		Data:           testData(1000),
	}
	if err := dcr.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.Release(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	// a volume holding data is not labeled again
	if err := ts.reg.Label(ctx, "file0", "Manual1", "Default", 0); err == nil {
		t.Errorf("Received nil, expected an error")
	}

	vol, status, err := ts.reg.ReadLabel(ctx, "file0", "Manual1")
	if status != LabelOK || err != nil {
		t.Fatalf("Received %s %v, expected %s", status, err, LabelOK)
	}
	if vol.VolumeName != "Manual1" || vol.PoolName != "Default" {
		t.Errorf("Received %s, expected Manual1 in pool Default", vol.String())
	}
	if _, status, _ = ts.reg.ReadLabel(ctx, "file0", "Missing"); status != LabelNoMedia {
		t.Errorf("Received %s, expected %s", status, LabelNoMedia)
	}
}

func TestAdminUnmountMount(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	if err := ts.reg.Unmount(ctx, "file0"); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	// twice is fine
	if err := ts.reg.Unmount(ctx, "file0"); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	st, err := ts.reg.DeviceStatus("file0")
	if err != nil {
		t.Fatal(err)
	}
	if st.Blocked != device.UserUnmounted.String() {
		t.Errorf("Received %s, expected %s", st.Blocked, device.UserUnmounted)
	}
	if err := ts.reg.ReleaseDevice(ctx, "file0"); errors.Cause(err) != ErrDeviceBusy {
		t.Errorf("Received %v, expected %s", err, ErrDeviceBusy)
	}
	if status, err := ts.reg.Mount(ctx, "file0", 0); status != LabelOK || err != nil {
		t.Fatalf("Received %s %v, expected %s", status, err, LabelOK)
	}
	if ts.dev.Blocked() != device.NotBlocked {
		t.Errorf("Received %s, expected %s", ts.dev.Blocked(), device.NotBlocked)
	}
	dcr := ts.acquireAppend(t, newJob(1, "File"))

	// a device in use cannot be unmounted or released
	if err := ts.reg.Unmount(ctx, "file0"); errors.Cause(err) != ErrDeviceBusy {
		t.Errorf("Received %v, expected %s", err, ErrDeviceBusy)
	}
	if err := ts.reg.ReleaseDevice(ctx, "file0"); errors.Cause(err) != ErrDeviceBusy {
		t.Errorf("Received %v, expected %s", err, ErrDeviceBusy)
	}
	statuses := ts.reg.Statuses()
	if len(statuses) != 1 || statuses[0].Name != "file0" || !statuses[0].Append || statuses[0].Writers != 1 {
		t.Errorf("Received %+v", statuses)
	}
	dcr.Release(ctx)
	if err := ts.reg.ReleaseDevice(ctx, "file0"); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
}

func TestAdminMountWakesWaitingJob(t *testing.T) {
	ts, _ := newTapeSetup(t, 0)
	defer ts.Close()
	op := NewOperator(time.Hour, time.Hour, 3)
	ts.reg.Operator = op
	if err := ts.reg.Label(context.Background(), "vt0", "Tape1", "Default", 0); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reader := newJob(1, "LTO")
	reader.ReadVolumes = []string{"Tape2"}
	dcr := ts.reg.NewDCR(reader, ts.dev)
	dcr.VolumeName = "Tape2"
	done := make(chan error, 1)
	go func() { done <- dcr.AcquireForRead(ctx) }()

	first := waitPending(t, op)
	if first.Volume != "Tape2" || first.Device != "vt0" {
		t.Errorf("Received %+v", first)
	}
	if st, _ := ts.reg.DeviceStatus("vt0"); st.Blocked != device.WaitingForOperator.String() {
		t.Errorf("Received %s, expected %s", st.Blocked, device.WaitingForOperator)
	}
	if err := ts.reg.Unmount(ctx, "vt0"); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if ts.dev.Blocked() != device.UnmountedWaitingForOperator {
		t.Errorf("Received %s, expected %s", ts.dev.Blocked(), device.UnmountedWaitingForOperator)
	}
	if status, err := ts.reg.Mount(ctx, "vt0", 0); status != LabelOK || err != nil {
		t.Errorf("Received %s %v, expected %s", status, err, LabelOK)
	}

	// the job finds the wrong tape again and asks once more
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p := op.Pending(); len(p) > 0 && p[0].ID != first.ID {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if p := op.Pending(); len(p) != 1 || p[0].ID == first.ID {
		t.Errorf("Received %+v, expected a second request", p)
	}
	cancel()
	if err := <-done; err != ErrCanceled {
		t.Errorf("Received %v, expected %s", err, ErrCanceled)
	}
	if ts.dev.Blocked() != device.NotBlocked {
		t.Errorf("Received %s, expected %s", ts.dev.Blocked(), device.NotBlocked)
	}
	if reader.LabelErrors != 2 {
		t.Errorf("Received %d label errors, expected 2", reader.LabelErrors)
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	dcr := ts.acquireAppend(t, newJob(1, "File"))
	if n := ts.reg.Shutdown(); n != 1 {
		t.Errorf("Received %d, expected 1", n)
	}
	if !dcr.Dev.IsOpen() {
		t.Errorf("Received closed device, expected it left open")
	}
	if err := dcr.Release(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if n := ts.reg.Shutdown(); n != 0 {
		t.Errorf("Received %d, expected 0", n)
	}
	if dcr.Dev.IsOpen() {
		t.Errorf("Received open device, expected closed")
	}
}

func TestLabelWhileJobWaits(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTapeSetup(t, 0)
	defer ts.Close()
	// no automatic labeling, so the job has to ask for a volume
	if err := ts.dir.SetPool(ctx, catalog.Pool{Name: "Default"}); err != nil {
		t.Fatal(err)
	}
	op := NewOperator(time.Hour, time.Hour, 3)
	ts.reg.Operator = op

	type result struct {
		dcr *DCR
		err error
	}
	done := make(chan result, 1)
	go func() {
		job := newJob(1, "LTO")
		dcr, err := ts.reg.FindDevice(ctx, job, DeviceRequest{Append: true, MediaType: "LTO", Pool: "Default"})
		if err == nil {
			err = dcr.AcquireForAppend(ctx)
		}
		done <- result{dcr, err}
	}()

	req := waitPending(t, op)
	if req.Kind != CreateRequest || req.Device != "vt0" {
		t.Errorf("Received %+v, expected a create request for vt0", req)
	}
	if b := ts.dev.Blocked(); b != device.WaitingForOperator {
		t.Errorf("Received %s, expected %s", b, device.WaitingForOperator)
	}
	// the operator labels a tape in the drive the job is waiting on
	if err := ts.reg.Label(ctx, "vt0", "Tape9", "Default", 0); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	var res result
	select {
	case res = <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("job still waiting after the label was written")
	}
	if res.err != nil {
		t.Fatalf("Received %s, expected nil", res.err.Error())
	}
	if res.dcr.VolumeName != "Tape9" {
		t.Errorf("Received %s, expected Tape9", res.dcr.VolumeName)
	}
	if len(op.Pending()) != 0 {
		t.Errorf("Received %d pending requests, expected 0", len(op.Pending()))
	}
	if err := res.dcr.Release(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
}
