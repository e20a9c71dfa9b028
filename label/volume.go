// Package label encodes the records that identify a volume and bracket the
// sessions written on it. A volume label is the single record of block 0 and
// carries a file index of block.PreLabel or block.VolLabel. Session labels
// carry block.StartOfSession or block.EndOfSession.
//
// The ANSI and IBM interchange labels written in front of the native label
// on tape are handled in ansi.go.
package label

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
)

const (
	// ID is written at the start of every label.
	ID = "Bacula 1.0 immortal\n"
	// OldID is accepted on read for volumes written by older versions.
	OldID = "Bacula 0.9 mortal\n"

	// Version is the current label format. Labels of this version store
	// binary timestamps.
	Version = 11
	// OldVersion1 and OldVersion2 are accepted read only and store dates
	// as Julian day and fraction pairs.
	OldVersion1 = 10
	OldVersion2 = 9

	// MaxRecordLen bounds a serialized label.
	MaxRecordLen = 1024
)

var (
	// ErrNotLabel means the record's file index is not a label marker.
	ErrNotLabel = errors.New("record is not a volume label")

	// ErrBadID means the label did not start with a known identifier.
	ErrBadID = errors.New("volume has a bad label id")

	// ErrVersion means the label version is not one we can read.
	ErrVersion = errors.New("volume has an unsupported label version")
)

// Volume is the contents of a volume label.
type Volume struct {
	ID        string
	VerNum    uint32
	LabelType int32 // block.PreLabel or block.VolLabel

	LabelTime time.Time
	WriteTime time.Time

	VolumeName     string
	PrevVolumeName string
	PoolName       string
	PoolType       string
	MediaType      string
	HostName       string
	LabelProg      string
	ProgVersion    string
	ProgDate       string
}

// NewVolume returns a label of the current version for the given names.
func NewVolume(volume, pool, poolType, mediaType string) *Volume {
	return &Volume{
		ID:         ID,
		VerNum:     Version,
		LabelType:  block.PreLabel,
		LabelTime:  time.Now(),
		VolumeName: volume,
		PoolName:   pool,
		PoolType:   poolType,
		MediaType:  mediaType,
	}
}

// Marshal serializes the label. The write time is stamped with now.
func (v *Volume) Marshal(now time.Time) ([]byte, error) {
	if v.VerNum < Version {
		return nil, errors.Wrapf(ErrVersion, "cannot write version %d", v.VerNum)
	}
	v.WriteTime = now
	var e encoder
	e.string(v.ID)
	e.uint32(v.VerNum)
	e.btime(v.LabelTime)
	e.btime(v.WriteTime)
	// legacy write date and time slots are zero
	e.float64(0)
	e.float64(0)
	e.string(v.VolumeName)
	e.string(v.PrevVolumeName)
	e.string(v.PoolName)
	e.string(v.PoolType)
	e.string(v.MediaType)
	e.string(v.HostName)
	e.string(v.LabelProg)
	e.string(v.ProgVersion)
	e.string(v.ProgDate)
	if e.Len() > MaxRecordLen {
		return nil, errors.Errorf("volume label is %d bytes", e.Len())
	}
	return e.Bytes(), nil
}

// UnmarshalVolume decodes a volume label record. fileIndex is the file index
// of the record holding it. Only structural problems are reported here, use
// Check to validate the identifier and version.
func UnmarshalVolume(fileIndex int32, p []byte) (*Volume, error) {
	if fileIndex != block.PreLabel && fileIndex != block.VolLabel {
		return nil, errors.Wrapf(ErrNotLabel, "got %s", block.LabelName(fileIndex))
	}
	v := &Volume{LabelType: fileIndex}
	d := decoder{p: p}
	v.ID = d.string()
	v.VerNum = d.uint32()
	if v.VerNum >= Version {
		v.LabelTime = d.btime()
		v.WriteTime = d.btime()
		d.float64()
		d.float64()
	} else {
		labelDate := d.float64()
		labelTime := d.float64()
		writeDate := d.float64()
		writeTime := d.float64()
		v.LabelTime = fromJulian(labelDate, labelTime)
		v.WriteTime = fromJulian(writeDate, writeTime)
	}
	v.VolumeName = d.string()
	v.PrevVolumeName = d.string()
	v.PoolName = d.string()
	v.PoolType = d.string()
	v.MediaType = d.string()
	v.HostName = d.string()
	v.LabelProg = d.string()
	v.ProgVersion = d.string()
	v.ProgDate = d.string()
	if d.err != nil {
		return nil, d.err
	}
	return v, nil
}

// Check validates the identifier and version of a decoded label.
func (v *Volume) Check() error {
	if v.ID != ID && v.ID != OldID {
		return errors.Wrapf(ErrBadID, "got %q", v.ID)
	}
	if !SupportedVersion(v.VerNum) {
		return errors.Wrapf(ErrVersion, "got %d", v.VerNum)
	}
	return nil
}

// SupportedVersion reports whether labels of version n can be read.
func SupportedVersion(n uint32) bool {
	return n == Version || n == OldVersion1 || n == OldVersion2
}

// MatchesName reports whether the label is acceptable when want is the
// expected volume name. An empty name or "*" accepts any volume.
func (v *Volume) MatchesName(want string) bool {
	return want == "" || want == "*" || want == v.VolumeName
}

func (v *Volume) String() string {
	return fmt.Sprintf("%s v%d %q pool=%q/%q media=%q",
		block.LabelName(v.LabelType), v.VerNum, v.VolumeName, v.PoolName, v.PoolType, v.MediaType)
}
