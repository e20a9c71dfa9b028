// Package device manages one storage device: a tape drive, a directory of
// volume files or a virtual tape. A Device tracks where the medium is
// positioned, reads and writes whole blocks, and implements the logical
// tape operations (rewind, space files and records, write filemarks,
// position to end of data) on top of its backend.
//
// A Device is shared by all the jobs using it. Its exported state is guarded
// by the device Lock: callers hold it, as their own Owner, around any access.
package device

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/label"
	"github.com/ndlib/tapestore/util"
)

// Type is the kind of device.
type Type int

const (
	TypeFile Type = iota + 1
	TypeTape
	TypeVTape
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeTape:
		return "tape"
	case TypeVTape:
		return "vtape"
	}
	return "unknown"
}

// ParseType maps a configuration value to a Type. An empty string returns
// 0, meaning the type should be guessed.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "file":
		return TypeFile, nil
	case "tape":
		return TypeTape, nil
	case "vtape":
		return TypeVTape, nil
	}
	return 0, fmt.Errorf("unknown device type %q", s)
}

// GuessType looks at the archive device path. A character device is a tape,
// a directory or fifo holds volume files.
func GuessType(path string) (Type, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	mode := fi.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		return TypeTape, nil
	case mode.IsDir(), mode&os.ModeNamedPipe != 0:
		return TypeFile, nil
	}
	return 0, fmt.Errorf("cannot guess device type of %s", path)
}

var (
	// ErrNotOpen means an I/O was attempted on a closed device.
	ErrNotOpen = errors.New("device is not open")

	// ErrEndOfFile means a filemark was read.
	ErrEndOfFile = errors.New("end of file")

	// ErrEndOfTape means two filemarks in a row were read, or the device
	// is already positioned past the end of the recorded data.
	ErrEndOfTape = errors.New("end of tape")

	// ErrEndOfMedium means a write found no more room on the volume.
	ErrEndOfMedium = errors.New("end of medium")

	// ErrVolumeFull means the block would pass the maximum volume size.
	ErrVolumeFull = errors.New("maximum volume size reached")

	// ErrCannotAppend means a write was attempted on a device not open for
	// appending, or already past its end of tape.
	ErrCannotAppend = errors.New("device is not open for append")

	// ErrNotSupported means the device lacks the capability asked for.
	ErrNotSupported = errors.New("operation not supported by device")

	// ErrNoMedia means the drive is empty or offline.
	ErrNoMedia = errors.New("no media in device")

	// ErrNoVolumeName means a file volume was opened without a name.
	ErrNoVolumeName = errors.New("no volume name given")

	// ErrOpenTimeout means the device stayed busy for MaxOpenWait.
	ErrOpenTimeout = errors.New("device busy, gave up waiting to open it")
)

// State holds the status flags of a device.
type State struct {
	Opened     bool
	Labeled    bool
	Append     bool
	Read       bool
	AtEOF      bool
	AtEOT      bool
	AtWEOT     bool // stays set until the volume is changed
	ShortBlock bool
	Mounted    bool
	Offline    bool
}

// Capabilities say what a device can do. They are separate from State and
// do not change after the device is configured.
type Capabilities struct {
	EOF        bool // can write filemarks
	BSR        bool // backward space record
	BSF        bool // backward space file
	FSR        bool // forward space record
	FSF        bool // forward space file
	FastFSF    bool // MTFSF with a count is reliable
	EOM        bool // can space to end of data
	BSFAtEOM   bool // driver leaves us after a filemark at end of data
	TwoEOF     bool // end the tape with two filemarks
	Rewind     bool
	MTIOCGET   bool // driver reports file and block positions

	Removable        bool
	AlwaysOpen       bool
	AutoMount        bool
	LabelMedia       bool // may label blank volumes itself
	OfflineOnUnmount bool
	Autochanger      bool
}

// DefaultCapabilities returns the capabilities of a well behaved tape drive.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		EOF:        true,
		BSR:        true,
		BSF:        true,
		FSR:        true,
		FSF:        true,
		FastFSF:    true,
		EOM:        true,
		Rewind:     true,
		MTIOCGET:   true,
		Removable:  true,
		AlwaysOpen: true,
		AutoMount:  true,
	}
}

// Config describes a device.
type Config struct {
	Name              string
	MediaType         string
	ArchiveDevice     string // tape device node, or directory of volume files
	Type              Type
	MinBlockSize      int
	MaxBlockSize      int
	MaxVolumeSize     uint64
	MaxFileSize       uint64
	MaxOpenWait       time.Duration
	MaxConcurrentJobs int
	LabelType         label.Kind
	Changer           string // name of the autochanger holding this drive
	DriveIndex        int
	Caps              Capabilities

	// VTapeCapacity is the size in bytes of a virtual tape, 0 for no limit.
	VTapeCapacity int64
}

// Volume statuses kept in the catalog.
const (
	StatusAppend   = "Append"
	StatusFull     = "Full"
	StatusUsed     = "Used"
	StatusRecycle  = "Recycle"
	StatusPurged   = "Purged"
	StatusError    = "Error"
	StatusReadOnly = "Read-Only"
	StatusDisabled = "Disabled"
	StatusArchive  = "Archive"
)

// VolumeInfo is the catalog's view of a volume.
type VolumeInfo struct {
	VolCatName          string
	VolCatStatus        string
	MediaType           string
	PoolName            string
	PoolType            string
	VolCatJobs          uint32
	VolCatFiles         uint32
	VolCatBlocks        uint32
	VolCatBytes         uint64
	VolCatMounts        uint32
	VolCatErrors        uint32
	VolCatWrites        uint32
	VolCatReads         uint32
	VolCatRBytes        uint64
	VolCatRecycles      uint32
	VolCatMaxJobs       uint32
	VolCatMaxFiles      uint32
	VolCatMaxBytes      uint64
	VolCatCapacityBytes uint64
	Slot                int
	InChanger           bool
	Recycle             bool
	EndFile             uint32
	EndBlock            uint32
	LabelType           label.Kind
	LabelDate           time.Time
	FirstWritten        time.Time
	LastWritten         time.Time
}

// IsAppendable reports whether the status allows more writing.
func (v *VolumeInfo) IsAppendable() bool {
	return v.VolCatStatus == StatusAppend || v.VolCatStatus == StatusRecycle
}

// Device is one storage device.
type Device struct {
	Config

	// Clock is used for open retries. Stats receives I/O counters.
	Clock clock.Clock
	Stats stats.Client

	// AcquireMu serializes acquiring the device.
	AcquireMu sync.Mutex

	lock    Lock
	backend Backend
	limit   *util.RateCounter

	// The fields below are guarded by the device lock.

	State State

	File     uint32 // current file number
	BlockNum uint32 // current block number within the file
	FileAddr uint64 // byte address on file devices
	FileSize uint64 // bytes written since the last filemark
	EndFile  uint32 // position of the last block read or written
	EndBlock uint32
	// LastBlock is the block number of the last block written.
	LastBlock uint32

	NumWriters int
	PoolName   string // pool the device is bound to while reserved or writing
	PoolType   string

	VolHdr     label.Volume // label read from the medium
	VolCatInfo VolumeInfo   // catalog record of the mounted volume
	LabelKind  label.Kind   // interchange labels found on the medium

	// Slot is the changer slot loaded in the drive: 0 for none, -1 unknown.
	Slot int

	readBufSize int
	openMode    OpenMode
	nextBlock   uint32
	reserved    int
	readResv    bool
	volumeName  string // volume the backend has open, file devices only
	lastErr     error
}

// New returns a closed device for the configuration. The backend is chosen
// by the configured type, guessing it when unset.
func New(cfg Config) (*Device, error) {
	if cfg.Type == 0 {
		t, err := GuessType(cfg.ArchiveDevice)
		if err != nil {
			return nil, errors.Wrapf(err, "device %s", cfg.Name)
		}
		cfg.Type = t
	}
	var b Backend
	switch cfg.Type {
	case TypeFile:
		b = NewFileBackend(cfg.ArchiveDevice)
	case TypeTape:
		b = NewTapeBackend(cfg.ArchiveDevice)
	case TypeVTape:
		b = NewVirtualTape(cfg.ArchiveDevice, cfg.VTapeCapacity)
	default:
		return nil, fmt.Errorf("device %s: bad type %d", cfg.Name, cfg.Type)
	}
	return NewWithBackend(cfg, b), nil
}

// NewWithBackend returns a closed device using the given backend.
func NewWithBackend(cfg Config, b Backend) *Device {
	if cfg.MaxBlockSize == 0 {
		cfg.MaxBlockSize = 64512
	}
	if cfg.Type == 0 {
		switch b.(type) {
		case *FileBackend:
			cfg.Type = TypeFile
		case *VirtualTape:
			cfg.Type = TypeVTape
		default:
			cfg.Type = TypeTape
		}
	}
	if cfg.Type == TypeFile {
		// positioning on file volumes is done by seeking
		cfg.Caps.BSR = false
		cfg.Caps.BSF = false
		cfg.Caps.FSR = false
		cfg.Caps.FSF = false
		cfg.Caps.FastFSF = false
		cfg.Caps.TwoEOF = false
	}
	return &Device{
		Config:      cfg,
		Clock:       clock.New(),
		Stats:       util.NopStats{},
		backend:     b,
		readBufSize: cfg.MaxBlockSize,
		Slot:        -1,
	}
}

// SetRateLimit throttles writes through r. A nil r removes the limit.
func (d *Device) SetRateLimit(r *util.RateCounter) {
	d.limit = r
}

// Backend returns the backend, for tools that need to reach it directly.
func (d *Device) Backend() Backend {
	return d.backend
}

func (d *Device) String() string {
	return fmt.Sprintf("%q (%s)", d.Name, d.ArchiveDevice)
}

// Lock acquires the device lock for o.
func (d *Device) Lock(o Owner) { d.lock.Lock(o) }

// Unlock releases the device lock held by o.
func (d *Device) Unlock(o Owner) { d.lock.Unlock(o) }

// LockContext acquires the device lock for o unless ctx is done first.
func (d *Device) LockContext(ctx context.Context, o Owner) error { return d.lock.LockContext(ctx, o) }

// Park lets go of o's hold on the device while it stays blocked by o.
func (d *Device) Park(o Owner) int { return d.lock.Park(o) }

// Resume takes back the hold given up by Park.
func (d *Device) Resume(o Owner, depth int) { d.lock.Resume(o, depth) }

// TryLock takes the device lock for o only if it is free to o right now.
func (d *Device) TryLock(o Owner) bool { return d.lock.TryLock(o) }

// Remount undoes an operator unmount.
func (d *Device) Remount() { d.lock.Remount() }

// Block marks the device blocked by o.
func (d *Device) Block(o Owner, why BlockedState) { d.lock.Block(o, why) }

// Unblock clears the blocked state.
func (d *Device) Unblock(o Owner) { d.lock.Unblock(o) }

// Steal takes over the blocked state for o until GiveBack is called on the
// result.
func (d *Device) Steal(o Owner, why BlockedState) *StolenLock { return d.lock.Steal(o, why) }

// TrySteal steals the device for o without waiting, only from the given
// blocked states.
func (d *Device) TrySteal(o Owner, why BlockedState, from ...BlockedState) *StolenLock {
	return d.lock.TrySteal(o, why, from...)
}

// SetBlocked changes the blocked reason.
func (d *Device) SetBlocked(why BlockedState) { d.lock.SetBlocked(why) }

// Blocked returns the current blocked state.
func (d *Device) Blocked() BlockedState { return d.lock.Blocked() }

// BlockedBy returns the owner that blocked the device.
func (d *Device) BlockedBy() Owner { return d.lock.BlockedBy() }

// IsUnmounted is true when the operator unmounted the device.
func (d *Device) IsUnmounted() bool { return d.lock.IsUnmounted() }

// IsTape is true for real and virtual tapes.
func (d *Device) IsTape() bool {
	_, ok := d.backend.(tapeDrive)
	return ok
}

// IsFile is true for devices holding volumes as files.
func (d *Device) IsFile() bool {
	_, ok := d.backend.(fileStore)
	return ok
}

func (d *Device) IsOpen() bool    { return d.State.Opened }
func (d *Device) IsLabeled() bool { return d.State.Labeled }
func (d *Device) CanAppend() bool { return d.State.Append }
func (d *Device) CanRead() bool   { return d.State.Read }
func (d *Device) AtEOT() bool     { return d.State.AtEOT }
func (d *Device) AtEOF() bool     { return d.State.AtEOF }

// SetAppend puts the device in append mode, which excludes reading.
func (d *Device) SetAppend() {
	d.State.Append = true
	d.State.Read = false
}

// SetRead puts the device in read mode, which excludes appending.
func (d *Device) SetRead() {
	d.State.Read = true
	d.State.Append = false
}

func (d *Device) ClearAppend() { d.State.Append = false }
func (d *Device) ClearRead()   { d.State.Read = false }

// SetLabeled marks the medium as carrying a validated label.
func (d *Device) SetLabeled() { d.State.Labeled = true }

// ClearLabeled forgets the validated label.
func (d *Device) ClearLabeled() { d.State.Labeled = false }

// Reserved returns the number of reservations held on the device.
func (d *Device) Reserved() int { return d.reserved }

// IncReserved adds a reservation.
func (d *Device) IncReserved() { d.reserved++ }

// DecReserved drops a reservation. It never goes below zero.
func (d *Device) DecReserved() {
	if d.reserved > 0 {
		d.reserved--
	}
}

// ReservedForRead is true when a job reserved the device to read.
func (d *Device) ReservedForRead() bool { return d.readResv }

// SetReservedForRead records a read reservation.
func (d *Device) SetReservedForRead(b bool) { d.readResv = b }

// IsBusy is true when the device is reading, has writers, or has
// reservations.
func (d *Device) IsBusy() bool {
	return d.State.Read || d.NumWriters > 0 || d.reserved > 0
}

// VolumeName returns the name of the volume in the device, from its label.
func (d *Device) VolumeName() string {
	return d.VolHdr.VolumeName
}

// ClearVolume forgets everything about the mounted volume, without touching
// the medium.
func (d *Device) ClearVolume() {
	d.VolHdr = label.Volume{}
	d.VolCatInfo = VolumeInfo{}
	d.State.Labeled = false
	d.LabelKind = label.Native
}

// NextBlockNumber returns the number the next written block will get.
func (d *Device) NextBlockNumber() uint32 { return d.nextBlock }

// SetNextBlockNumber sets the number the next written block will get. A
// freshly labeled volume starts at 0 for its label block. A volume being
// appended to continues after its catalog block count.
func (d *Device) SetNextBlockNumber(n uint32) { d.nextBlock = n }

// LastError returns the last I/O error seen.
func (d *Device) LastError() error { return d.lastErr }

// Addr returns the current position packed as file<<32 | block.
func (d *Device) Addr() uint64 {
	return uint64(d.File)<<32 | uint64(d.BlockNum)
}

// Status is a snapshot of a device for display.
type Status struct {
	Name        string
	Type        string
	MediaType   string
	Archive     string
	Open        bool
	Labeled     bool
	Append      bool
	Read        bool
	AtEOT       bool
	AtEOF       bool
	Blocked     string
	Waiting     int
	Writers     int
	Reserved    int
	Pool        string
	PoolType    string
	Volume      string
	VolumeBytes uint64
	File        uint32
	Block       uint32
	Slot        int
}

// Status returns a snapshot of the device. The caller must hold the lock.
func (d *Device) Status() Status {
	return Status{
		Name:        d.Name,
		Type:        d.Type.String(),
		MediaType:   d.MediaType,
		Archive:     d.ArchiveDevice,
		Open:        d.State.Opened,
		Labeled:     d.State.Labeled,
		Append:      d.State.Append,
		Read:        d.State.Read,
		AtEOT:       d.State.AtEOT,
		AtEOF:       d.State.AtEOF,
		Blocked:     d.lock.Blocked().String(),
		Waiting:     d.lock.Waiting(),
		Writers:     d.NumWriters,
		Reserved:    d.reserved,
		Pool:        d.PoolName,
		PoolType:    d.PoolType,
		Volume:      d.VolHdr.VolumeName,
		VolumeBytes: d.VolCatInfo.VolCatBytes,
		File:        d.File,
		Block:       d.BlockNum,
		Slot:        d.Slot,
	}
}
