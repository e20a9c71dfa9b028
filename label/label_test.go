package label

import (
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
)

func TestVolumeRoundTrip(t *testing.T) {
	v := NewVolume("Vol0001", "Default", "Backup", "LTO-6")
	v.HostName = "sd1"
	v.LabelProg = "stored"
	v.ProgVersion = "1.0"
	v.LabelTime = time.Date(2020, 3, 4, 5, 6, 7, 8000, time.UTC)
	now := time.Date(2020, 3, 5, 0, 0, 0, 0, time.UTC)
	p, err := v.Marshal(now)
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	got, err := UnmarshalVolume(block.PreLabel, p)
	if err != nil {
		t.Fatalf("Received %s, expected nil", err.Error())
	}
	if err := got.Check(); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if got.VolumeName != "Vol0001" || got.PoolName != "Default" || got.PoolType != "Backup" ||
		got.MediaType != "LTO-6" || got.HostName != "sd1" || got.ProgVersion != "1.0" {
		t.Errorf("Received %v", got)
	}
	if !got.LabelTime.Equal(v.LabelTime) {
		t.Errorf("Received %v, expected %v", got.LabelTime, v.LabelTime)
	}
	if !got.WriteTime.Equal(now) {
		t.Errorf("Received %v, expected %v", got.WriteTime, now)
	}
	if got.LabelType != block.PreLabel {
		t.Errorf("Received %d, expected %d", got.LabelType, block.PreLabel)
	}
}

func TestVolumeLayout(t *testing.T) {
	v := NewVolume("A", "B", "C", "D")
	p, err := v.Marshal(time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	// id, version, two btimes, two float64 slots, nine strings
	expected := len(ID) + 1 + 4 + 8 + 8 + 8 + 8 + 2*4 + 5
	if len(p) != expected {
		t.Errorf("Received %d bytes, expected %d", len(p), expected)
	}
	if string(p[:len(ID)]) != ID || p[len(ID)] != 0 {
		t.Errorf("label does not start with id")
	}
	if p[len(ID)+4] != Version {
		t.Errorf("Received version byte %d, expected %d", p[len(ID)+4], Version)
	}
}

func TestVolumeBadRecords(t *testing.T) {
	v := NewVolume("A", "B", "C", "D")
	p, _ := v.Marshal(time.Now())

	if _, err := UnmarshalVolume(block.StartOfSession, p); errors.Cause(err) != ErrNotLabel {
		t.Errorf("Received %v, expected %v", err, ErrNotLabel)
	}
	if _, err := UnmarshalVolume(block.VolLabel, p[:len(p)-3]); errors.Cause(err) != ErrTruncated {
		t.Errorf("Received %v, expected %v", err, ErrTruncated)
	}

	bad := append([]byte("Not a label\x00"), p[len(ID)+1:]...)
	got, err := UnmarshalVolume(block.VolLabel, bad)
	if err != nil {
		t.Fatal(err)
	}
	if errors.Cause(got.Check()) != ErrBadID {
		t.Errorf("Received %v, expected %v", got.Check(), ErrBadID)
	}

	got.ID = ID
	got.VerNum = 8
	if errors.Cause(got.Check()) != ErrVersion {
		t.Errorf("Received %v, expected %v", got.Check(), ErrVersion)
	}
}

func TestLegacyVolume(t *testing.T) {
	var e encoder
	e.string(OldID)
	e.uint32(OldVersion1)
	e.float64(julianEpoch + 1) // 1970-01-02
	e.float64(0.5)
	e.float64(0)
	e.float64(0)
	for _, s := range []string{"Old1", "", "Pool", "Backup", "DLT", "", "", "", ""} {
		e.string(s)
	}
	v, err := UnmarshalVolume(block.VolLabel, e.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Check(); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	expected := time.Date(1970, 1, 2, 12, 0, 0, 0, time.UTC)
	if !v.LabelTime.Equal(expected) {
		t.Errorf("Received %v, expected %v", v.LabelTime, expected)
	}
	if v.VolumeName != "Old1" || v.MediaType != "DLT" {
		t.Errorf("Received %v", v)
	}
}

func TestMatchesName(t *testing.T) {
	v := &Volume{VolumeName: "Tape7"}
	var table = []struct {
		want     string
		expected bool
	}{
		{"", true},
		{"*", true},
		{"Tape7", true},
		{"Tape8", false},
		{"tape7", false},
	}
	for _, tab := range table {
		if got := v.MatchesName(tab.want); got != tab.expected {
			t.Errorf("%q: Received %v, expected %v", tab.want, got, tab.expected)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := &Session{
		JobID:       42,
		PoolName:    "Default",
		PoolType:    "Backup",
		JobName:     "nightly",
		ClientName:  "fd1",
		Job:         "nightly.2020-03-05_01.00.00_03",
		FileSetName: "Full Set",
		JobType:     'B',
		JobLevel:    'F',
		FileSetMD5:  "abcdef",
		JobFiles:    1000,
		JobBytes:    1 << 40,
		StartBlock:  1,
		EndBlock:    900,
		StartFile:   0,
		EndFile:     3,
		JobErrors:   2,
		JobStatus:   'T',
	}
	now := time.Unix(1583370000, 0)
	for _, kind := range []int32{block.StartOfSession, block.EndOfSession} {
		p, err := s.Marshal(kind, now)
		if err != nil {
			t.Fatal(err)
		}
		got, err := UnmarshalSession(kind, p)
		if err != nil {
			t.Fatalf("Received %s, expected nil", err.Error())
		}
		if got.JobID != 42 || got.Job != s.Job || got.FileSetMD5 != "abcdef" || got.JobType != 'B' {
			t.Errorf("Received %v", got)
		}
		if !got.WriteTime.Equal(now) {
			t.Errorf("Received %v, expected %v", got.WriteTime, now)
		}
		if kind == block.EndOfSession {
			if got.JobBytes != 1<<40 || got.EndBlock != 900 || got.EndFile != 3 || got.JobStatus != 'T' {
				t.Errorf("Received %+v", got)
			}
		} else if got.JobBytes != 0 {
			t.Errorf("start of session carried counters: %+v", got)
		}
	}
	if _, err := s.Marshal(block.VolLabel, now); errors.Cause(err) != ErrNotSession {
		t.Errorf("Received %v, expected %v", err, ErrNotSession)
	}
}

func TestANSIRecords(t *testing.T) {
	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	for _, kind := range []Kind{ANSI, IBM} {
		vol1, err := VOL1(kind, "ABC12")
		if err != nil {
			t.Fatal(err)
		}
		hdr1, hdr2, err := Headers(kind, SectionHDR, "ABC12", now)
		if err != nil {
			t.Fatal(err)
		}
		if len(vol1) != ANSIRecordLen || len(hdr1) != ANSIRecordLen || len(hdr2) != ANSIRecordLen {
			t.Fatalf("%s: bad record sizes", kind)
		}
		if kind == ANSI {
			if string(hdr1[41:47]) != " 26290" {
				t.Errorf("Received %q, expected %q", hdr1[41:47], " 26290")
			}
			if vol1[79] != '3' {
				t.Errorf("Received %q, expected '3'", vol1[79])
			}
		}
		recs := [][]byte{vol1, hdr1, hdr2, nil}
		read := func(p []byte) (int, error) {
			r := recs[0]
			recs = recs[1:]
			return copy(p, r), nil
		}
		gotKind, name, err := ReadANSI(read, "ABC12")
		if err != nil {
			t.Errorf("%s: Received %s, expected nil", kind, err.Error())
		}
		if gotKind != kind || name != "ABC12" {
			t.Errorf("Received %s %q, expected %s ABC12", gotKind, name, kind)
		}
	}
}

func TestANSIErrors(t *testing.T) {
	vol1, _ := VOL1(ANSI, "ABC12")
	feed := func(recs ...[]byte) func(p []byte) (int, error) {
		return func(p []byte) (int, error) {
			if len(recs) == 0 {
				return 0, nil
			}
			r := recs[0]
			recs = recs[1:]
			return copy(p, r), nil
		}
	}
	if _, _, err := ReadANSI(feed([]byte("short")), ""); errors.Cause(err) != ErrNoANSILabel {
		t.Errorf("Received %v, expected %v", err, ErrNoANSILabel)
	}
	if _, name, err := ReadANSI(feed(vol1), "XYZ"); errors.Cause(err) != ErrANSIName || name != "ABC12" {
		t.Errorf("Received %v %q, expected %v", err, name, ErrANSIName)
	}
	if _, _, err := ReadANSI(feed(vol1, blankRecord()), "*"); errors.Cause(err) != ErrANSILabel {
		t.Errorf("Received %v, expected %v", err, ErrANSILabel)
	}
	if _, err := VOL1(ANSI, "TOOLONG"); err == nil {
		t.Errorf("Received nil, expected error")
	}
}

func TestParseKind(t *testing.T) {
	var table = []struct {
		input    string
		expected Kind
		ok       bool
	}{
		{"", Native, true},
		{"ANSI", ANSI, true},
		{"ibm", IBM, true},
		{"tar", Native, false},
	}
	for _, tab := range table {
		k, err := ParseKind(tab.input)
		if k != tab.expected || (err == nil) != tab.ok {
			t.Errorf("%q: Received %v %v", tab.input, k, err)
		}
	}
}
