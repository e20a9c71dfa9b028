package stored

import (
	"context"
	"testing"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

func TestAppendBlankFileVolume(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	dcr := ts.acquireAppend(t, newJob(1, "File"))
	if dcr.VolumeName != "Vol-0001" {
		t.Errorf("Received %s, expected Vol-0001", dcr.VolumeName)
	}
	if n := ts.dir.labelCount(); n != 1 {
		t.Errorf("Received %d label updates, expected 1", n)
	}
	dev := ts.dev
	if !dev.CanAppend() || !dev.IsLabeled() || dev.NumWriters != 1 {
		t.Errorf("Received append=%v labeled=%v writers=%d", dev.CanAppend(), dev.IsLabeled(), dev.NumWriters)
	}
	if dev.VolHdr.LabelType != block.VolLabel {
		t.Errorf("Received %s, expected %s", block.LabelName(dev.VolHdr.LabelType), block.LabelName(block.VolLabel))
	}
	if dev.NextBlockNumber() != 1 {
		t.Errorf("Received next block %d, expected 1", dev.NextBlockNumber())
	}
	if dev.PoolName != "Default" {
		t.Errorf("Received pool %q, expected Default", dev.PoolName)
	}
	info, err := ts.dir.GetVolumeInfo(ctx, "Vol-0001")
	if err != nil {
		t.Fatal(err)
	}
	if info.VolCatStatus != device.StatusAppend || info.VolCatJobs != 1 || info.VolCatMounts != 1 {
		t.Errorf("Received %+v", info)
	}

	// a second writer shares the volume without reading the label again
	reads := ts.stats.Get("label.reads")
	dcr2 := ts.acquireAppend(t, newJob(2, "File"))
	if got := ts.stats.Get("label.reads"); got != reads {
		t.Errorf("Received %v label reads, expected %v", got, reads)
	}
	if dcr2.VolumeName != "Vol-0001" || dev.NumWriters != 2 {
		t.Errorf("Received %s with %d writers", dcr2.VolumeName, dev.NumWriters)
	}
	if n := len(ts.reg.Attached(dev)); n != 2 {
		t.Errorf("Received %d attached, expected 2", n)
	}

	if err := dcr.Release(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if dev.NumWriters != 1 || !dev.IsOpen() {
		t.Errorf("Received writers=%d open=%v after first release", dev.NumWriters, dev.IsOpen())
	}
	if err := dcr2.Release(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if dev.NumWriters != 0 || dev.IsOpen() || dev.CanAppend() || dev.PoolName != "" {
		t.Errorf("Received writers=%d open=%v append=%v pool=%q after last release",
			dev.NumWriters, dev.IsOpen(), dev.CanAppend(), dev.PoolName)
	}
	if ts.reg.VolumeDevice("Vol-0001") != nil {
		t.Errorf("Received volume still in use after release")
	}

	// block 0 of the volume holds the final label
	check, err := device.New(device.Config{Name: "check", ArchiveDevice: ts.path, Type: device.TypeFile})
	if err != nil {
		t.Fatal(err)
	}
	if err := check.Open("Vol-0001", device.ModeReadOnly); err != nil {
		t.Fatal(err)
	}
	defer check.Close()
	b := block.New(0)
	if err := check.ReadBlock(b, false); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	rec := &block.Record{}
	if !block.ReadRecord(b, rec) {
		t.Fatalf("Received no record in block 0")
	}
	if b.BlockNumber != 0 || rec.FileIndex != block.VolLabel {
		t.Errorf("Received block %d %s, expected block 0 %s", b.BlockNumber, block.LabelName(rec.FileIndex), block.LabelName(block.VolLabel))
	}
	vol, err := label.UnmarshalVolume(rec.FileIndex, rec.Data)
	if err != nil {
		t.Fatal(err)
	}
	if vol.VolumeName != "Vol-0001" || vol.PoolName != "Default" || vol.MediaType != "File" {
		t.Errorf("Received %s", vol)
	}
}

func TestAcquireReadUnknownVolume(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()
	ts.reg.Operator = nil

	job := newJob(1, "File")
	job.ReadVolumes = []string{"Missing"}
	dcr, err := ts.reg.FindDevice(ctx, job, DeviceRequest{MediaType: "File", Volume: "Missing"})
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	err = dcr.AcquireForRead(ctx)
	if err == nil {
		t.Fatalf("Received nil, expected an error")
	}
	if dcr.IsAcquired() || ts.dev.CanRead() {
		t.Errorf("Received acquired=%v read=%v, expected neither", dcr.IsAcquired(), ts.dev.CanRead())
	}
	if ts.dev.Blocked() != device.NotBlocked {
		t.Errorf("Received %s, expected %s", ts.dev.Blocked(), device.NotBlocked)
	}
}
