// Package stored is the core of the storage daemon. It hands devices to
// jobs: reserving a drive that can serve a job, acquiring it to read or
// append, finding and mounting volumes, labeling blank media, moving to a
// new volume when one fills up, and releasing the device at the end.
//
// Each job works through a DCR, its private view of one device. The DCR
// owns the job's block buffer. Everything it does to the shared Device
// happens with the device lock held under the DCR's Owner.
package stored

import (
	"context"
	"fmt"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/device"
)

type dcrMode int

const (
	modeNone dcrMode = iota
	modeRead
	modeAppend
)

// A DCR (device control record) joins one job to one device.
type DCR struct {
	Job   *Job
	Dev   *device.Device
	Owner device.Owner
	reg   *Registry

	Block *block.Block
	Rec   *block.Record

	// VolumeName is the volume the job wants or has mounted, VolCatInfo
	// its catalog record.
	VolumeName string
	VolCatInfo device.VolumeInfo

	Pool      string
	PoolType  string
	MediaType string

	// Forge keeps reading past damaged blocks.
	Forge bool

	mode     dcrMode
	reserved bool
	acquired bool

	// NewVol is set when the device moved to another volume under this
	// job, WroteVol once the job wrote a block on the current volume.
	NewVol   bool
	WroteVol bool
	VolIndex int

	StartFile     uint32
	StartBlock    uint32
	EndFile       uint32
	EndBlock      uint32
	VolFirstIndex int32
	VolLastIndex  int32

	// split records being read back, by session
	partials map[sessionKey]*block.Record
	scratch  block.Record
}

func (dcr *DCR) String() string {
	return fmt.Sprintf("%s on %s", dcr.Job, dcr.Dev.Name)
}

// IsReserved is true between a successful reservation and the acquire or
// release.
func (dcr *DCR) IsReserved() bool { return dcr.reserved }

// IsAcquired is true while the DCR holds the device for reading or writing.
func (dcr *DCR) IsAcquired() bool { return dcr.acquired }

// lock and unlock take the device lock as this DCR.
func (dcr *DCR) lock()   { dcr.Dev.Lock(dcr.Owner) }
func (dcr *DCR) unlock() { dcr.Dev.Unlock(dcr.Owner) }

// lockContext is lock for a job that may be canceled while another owner
// holds the device.
func (dcr *DCR) lockContext(ctx context.Context) error {
	if dcr.Dev.LockContext(ctx, dcr.Owner) != nil {
		return ErrCanceled
	}
	return nil
}

// block marks the device blocked by this DCR and returns the function that
// undoes it. If someone already blocked the device the state is stolen and
// given back instead. The device lock must be held.
func (dcr *DCR) block(why device.BlockedState) func() {
	if dcr.Dev.Blocked() == device.NotBlocked {
		dcr.Dev.Block(dcr.Owner, why)
		return func() { dcr.Dev.Unblock(dcr.Owner) }
	}
	s := dcr.Dev.Steal(dcr.Owner, why)
	return s.GiveBack
}

// setStartPosition records where the job starts writing on the volume.
func (dcr *DCR) setStartPosition() {
	dev := dcr.Dev
	if dev.IsTape() {
		dcr.StartFile = dev.File
		dcr.StartBlock = dev.BlockNum
	} else {
		dcr.StartFile = uint32(dev.FileAddr >> 32)
		dcr.StartBlock = uint32(dev.FileAddr)
	}
	dcr.VolFirstIndex = 0
	dcr.VolLastIndex = 0
}

// setNewVolumeParameters starts the job's bookkeeping on a volume the
// device just moved to.
func (dcr *DCR) setNewVolumeParameters() {
	dcr.VolumeName = dcr.Dev.VolCatInfo.VolCatName
	dcr.VolCatInfo = dcr.Dev.VolCatInfo
	dcr.VolIndex++
	dcr.NewVol = false
	dcr.WroteVol = false
	dcr.setStartPosition()
}

// noteBlock tracks the file indexes and position of a block just written.
func (dcr *DCR) noteBlock(b *block.Block) {
	if b.FirstIndex > 0 && (dcr.VolFirstIndex == 0 || b.FirstIndex < dcr.VolFirstIndex) {
		dcr.VolFirstIndex = b.FirstIndex
	}
	if b.LastIndex > dcr.VolLastIndex {
		dcr.VolLastIndex = b.LastIndex
	}
	dcr.EndFile = dcr.Dev.EndFile
	dcr.EndBlock = dcr.Dev.EndBlock
	dcr.WroteVol = true
}
