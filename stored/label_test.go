package stored

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func TestReadVolumeLabelWrongVolume(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTapeSetup(t, 0)
	defer ts.Close()
	if err := ts.reg.Label(ctx, "vt0", "B", "Default", 0); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	info, err := ts.dir.GetVolumeInfo(ctx, "B")
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if info.MediaType != "LTO" || info.PoolName != "Default" {
		t.Errorf("Received %+v", info)
	}
	ts.reg.freeVolume(ts.dev)

	job := newJob(1, "LTO")
	dcr := ts.reg.NewDCR(job, ts.dev)
	dcr.lock()
	defer dcr.unlock()

	var table = []struct {
		want   string
		status LabelStatus
	}{
		{"B", LabelOK},
		{"*", LabelOK},
		{"", LabelOK},
		{"A", LabelNameError},
	}
	for _, tab := range table {
		dcr.VolumeName = tab.want
		status, err := dcr.ReadVolumeLabel(ctx)
		if status != tab.status {
			t.Errorf("%q: Received %s (%v), expected %s", tab.want, status, err, tab.status)
		}
		if status == LabelNameError && errors.Cause(err) != ErrWrongVolume {
			t.Errorf("%q: Received %v, expected %s", tab.want, err, ErrWrongVolume)
		}
	}

	// the job gives up after too many wrong volumes
	job.LabelErrors = MaxLabelErrors - 1
	_, err = dcr.ReadVolumeLabel(ctx)
	if IsFatal(err) {
		t.Errorf("Received fatal error after %d label errors", job.LabelErrors)
	}
	_, err = dcr.ReadVolumeLabel(ctx)
	if !IsFatal(err) || errors.Cause(err) != ErrTooManyTries {
		t.Errorf("Received %v, expected a fatal %s", err, ErrTooManyTries)
	}
}

func TestReadVolumeLabelBlank(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTapeSetup(t, 0)
	defer ts.Close()
	dcr := ts.reg.NewDCR(newJob(1, "LTO"), ts.dev)
	dcr.VolumeName = "A"
	dcr.lock()
	defer dcr.unlock()
	status, err := dcr.ReadVolumeLabel(ctx)
	if status != LabelNoLabel {
		t.Errorf("Received %s (%v), expected %s", status, err, LabelNoLabel)
	}
	if ts.dev.IsLabeled() {
		t.Errorf("Received a labeled device, expected not labeled")
	}
}
