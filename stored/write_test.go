package stored

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

// readAll reads records until the job's volumes run out.
func readAll(t *testing.T, dcr *DCR) []*block.Record {
	var result []*block.Record
	for {
		rec := &block.Record{}
		err := dcr.ReadRecord(context.Background(), rec)
		if errors.Cause(err) == ErrEndOfData {
			return result
		}
		if err != nil {
			t.Fatalf("Received %s, expected nil", err.Error())
		}
		result = append(result, rec)
	}
}

func TestWriteReadLargeRecord(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	job := newJob(1, "File")
	dcr := ts.acquireAppend(t, job)
	if err := dcr.WriteSessionLabel(ctx, block.StartOfSession); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	data := testData(500000)
	rec := &block.Record{
		VolSessionID:   job.VolSessionID,
		VolSessionTime: job.VolSessionTime,
		FileIndex:      1,
		Stream:         1,
		Data:           data,
	}
	if err := dcr.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.WriteSessionLabel(ctx, block.EndOfSession); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.FlushBlock(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if job.JobBytes != 500000 || job.JobFiles != 1 {
		t.Errorf("Received %d bytes %d files, expected 500000 and 1", job.JobBytes, job.JobFiles)
	}
	if err := dcr.Release(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	// the label and eight blocks of data
	info, err := ts.dir.GetVolumeInfo(ctx, "Vol-0001")
	if err != nil {
		t.Fatal(err)
	}
	if info.VolCatBlocks != 9 {
		t.Errorf("Received %d blocks, expected 9", info.VolCatBlocks)
	}
	media := ts.dir.media()
	if len(media) != 1 {
		t.Fatalf("Received %d job media, expected 1", len(media))
	}
	if m := media[0]; m.JobID != 1 || m.VolumeName != "Vol-0001" || m.VolIndex != 1 || m.FirstIndex != 1 || m.LastIndex != 1 {
		t.Errorf("Received %+v", m)
	}

	reader := newJob(2, "File")
	reader.ReadVolumes = []string{"Vol-0001"}
	rd := ts.acquireRead(t, reader)
	recs := readAll(t, rd)
	want := []int32{block.VolLabel, block.StartOfSession, 1, block.EndOfSession}
	if len(recs) != len(want) {
		t.Fatalf("Received %d records, expected %d", len(recs), len(want))
	}
	for i, r := range recs {
		if r.FileIndex != want[i] {
			t.Errorf("Received %s, expected %s", block.LabelName(r.FileIndex), block.LabelName(want[i]))
		}
	}
	if !bytes.Equal(recs[2].Data, data) {
		t.Errorf("Received %d bytes of data which do not match", len(recs[2].Data))
	}
	eos, err := label.UnmarshalSession(recs[3].FileIndex, recs[3].Data)
	if err != nil {
		t.Fatal(err)
	}
	if eos.JobBytes != 500000 || eos.JobStatus != label.JobStatusTerminated || eos.ClientName != "client-fd" {
		t.Errorf("Received %s", eos)
	}
	if err := rd.Release(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if ts.dev.CanRead() || ts.dev.IsOpen() {
		t.Errorf("Received read=%v open=%v after release", ts.dev.CanRead(), ts.dev.IsOpen())
	}
}

func TestFileSpillover(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 300000)
	defer ts.Close()

	job := newJob(1, "File")
	dcr := ts.acquireAppend(t, job)
	data := testData(500000)
	rec := &block.Record{
		VolSessionID:   job.VolSessionID,
		VolSessionTime: job.VolSessionTime,
		FileIndex:      1,
		Stream:         1,
		Data:           data,
	}
	if err := dcr.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.FlushBlock(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if dcr.VolumeName != "Vol-0002" || dcr.VolIndex != 2 {
		t.Errorf("Received %s index %d, expected Vol-0002 index 2", dcr.VolumeName, dcr.VolIndex)
	}
	if err := dcr.Release(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if n := ts.stats.Get("spillovers"); n != 1 {
		t.Errorf("Received %v spillovers, expected 1", n)
	}
	if n := ts.dir.labelCount(); n != 2 {
		t.Errorf("Received %d labels, expected 2", n)
	}

	var table = []struct {
		name   string
		status string
		blocks uint32
	}{
		{"Vol-0001", device.StatusFull, 5},
		{"Vol-0002", device.StatusAppend, 5},
	}
	for _, tab := range table {
		info, err := ts.dir.GetVolumeInfo(ctx, tab.name)
		if err != nil {
			t.Fatal(err)
		}
		if info.VolCatStatus != tab.status || info.VolCatBlocks != tab.blocks {
			t.Errorf("Received %s %s %d blocks, expected %s %d", tab.name, info.VolCatStatus, info.VolCatBlocks, tab.status, tab.blocks)
		}
		if tab.status == device.StatusFull && info.VolCatBytes >= 300000 {
			t.Errorf("Received %d bytes on %s, expected less than the maximum", info.VolCatBytes, tab.name)
		}
	}
	media := ts.dir.media()
	if len(media) != 2 {
		t.Fatalf("Received %d job media, expected 2", len(media))
	}
	for i, m := range media {
		if m.VolIndex != i+1 || m.VolumeName != table[i].name {
			t.Errorf("Received %+v", m)
		}
	}

	// the record reads back whole across both volumes
	reader := newJob(2, "File")
	reader.ReadVolumes = []string{"Vol-0001", "Vol-0002"}
	rd := ts.acquireRead(t, reader)
	recs := readAll(t, rd)
	if len(recs) != 2 {
		t.Fatalf("Received %d records, expected 2", len(recs))
	}
	if recs[0].FileIndex != block.VolLabel {
		t.Errorf("Received %s, expected %s", block.LabelName(recs[0].FileIndex), block.LabelName(block.VolLabel))
	}
	if !bytes.Equal(recs[1].Data, data) {
		t.Errorf("Received %d bytes of data which do not match", len(recs[1].Data))
	}
	if rd.VolumeName != "Vol-0002" || rd.VolIndex != 2 {
		t.Errorf("Received %s index %d, expected Vol-0002 index 2", rd.VolumeName, rd.VolIndex)
	}
	rd.Release(ctx)
}

func TestTapeSpilloverAsksOperator(t *testing.T) {
	ctx := context.Background()
	ts, vt := newTapeSetup(t, 300000)
	defer ts.Close()
	op := NewOperator(time.Hour, time.Hour, 3)
	ts.reg.Operator = op

	// the operator swaps in a blank tape when asked
	asked := make(chan OperatorRequest, 1)
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			if p := op.Pending(); len(p) > 0 {
				asked <- p[0]
				vt.Erase()
				op.Answer(p[0].ID)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	job := newJob(1, "LTO")
	dcr := ts.acquireAppend(t, job)
	rec := &block.Record{
		VolSessionID:   job.VolSessionID,
		VolSessionTime: job.VolSessionTime,
		FileIndex:      1,
		Stream:         1,
		Data:           testData(500000),
	}
	if err := dcr.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := dcr.FlushBlock(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	select {
	case req := <-asked:
		if req.Kind != MountRequest || req.Volume != "Vol-0002" || req.Device != "vt0" || req.JobID != 1 {
			t.Errorf("Received %+v", req)
		}
	default:
		t.Fatalf("Received no operator request, expected one")
	}
	if err := dcr.Release(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	// the tape left open holds the label, four blocks and a filemark
	if !ts.dev.IsOpen() {
		t.Errorf("Received closed tape, expected it left open")
	}
	if n := vt.Records(); n != 5 {
		t.Errorf("Received %d records, expected 5", n)
	}
	if n := vt.Files(); n != 1 {
		t.Errorf("Received %d filemarks, expected 1", n)
	}
	full, err := ts.dir.GetVolumeInfo(ctx, "Vol-0001")
	if err != nil {
		t.Fatal(err)
	}
	if full.VolCatStatus != device.StatusFull || full.VolCatFiles != 1 {
		t.Errorf("Received %s with %d files, expected %s with 1", full.VolCatStatus, full.VolCatFiles, device.StatusFull)
	}
	next, err := ts.dir.GetVolumeInfo(ctx, "Vol-0002")
	if err != nil {
		t.Fatal(err)
	}
	if next.VolCatStatus != device.StatusAppend || next.VolCatFiles != 1 {
		t.Errorf("Received %s with %d files", next.VolCatStatus, next.VolCatFiles)
	}
}

func TestInterleavedSessionsReadBack(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()

	jobA := newJob(1, "File")
	a := ts.acquireAppend(t, jobA)
	jobB := newJob(3, "File")
	b := ts.acquireAppend(t, jobB)

	big := testData(100000)
	small := []byte("hello")
	recA := &block.Record{VolSessionID: jobA.VolSessionID, VolSessionTime: jobA.VolSessionTime,
		FileIndex: 1, Stream: 1, Data: big}
	recB := &block.Record{VolSessionID: jobB.VolSessionID, VolSessionTime: jobB.VolSessionTime,
		FileIndex: 1, Stream: 1, Data: small}

	// the head of A's record is written, its tail waits in A's block
	if err := a.WriteRecord(ctx, recA); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := b.WriteRecord(ctx, recB); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := b.FlushBlock(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := a.FlushBlock(ctx); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	volume := a.VolumeName
	b.Release(ctx)
	a.Release(ctx)

	reader := newJob(4, "File")
	reader.ReadVolumes = []string{volume}
	rd := ts.acquireRead(t, reader)
	defer rd.Release(ctx)
	recs := readAll(t, rd)
	if len(recs) != 3 {
		t.Fatalf("Received %d records, expected 3", len(recs))
	}
	var table = []struct {
		session uint32
		data    []byte
	}{
		{jobB.VolSessionID, small},
		{jobA.VolSessionID, big},
	}
	for i, tab := range table {
		r := recs[i+1]
		if r.VolSessionID != tab.session || !bytes.Equal(r.Data, tab.data) {
			t.Errorf("Received %s, expected session %d with %d bytes", r.String(), tab.session, len(tab.data))
		}
	}
}

func TestWriteCanceledWhileDeviceHeld(t *testing.T) {
	ctx := context.Background()
	ts := newFileSetup(t, 0)
	defer ts.Close()
	job := newJob(1, "File")
	dcr := ts.acquireAppend(t, job)
	rec := &block.Record{VolSessionID: job.VolSessionID, VolSessionTime: job.VolSessionTime,
		FileIndex: 1, Stream: 1, Data: testData(100)}
	if err := dcr.WriteRecord(ctx, rec); err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}

	other := ts.reg.Owner()
	ts.dev.Lock(other)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := dcr.FlushBlock(short); err != ErrCanceled {
		t.Errorf("Received %v, expected %s", err, ErrCanceled)
	}
	ts.dev.Unlock(other)

	if err := dcr.FlushBlock(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if err := dcr.Release(ctx); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
}
