// Package catalog keeps the media and job media records the storage daemon
// needs: which volumes exist, their status and counters, and which parts of
// which volumes each job wrote.
//
// Two SQL backends are provided. MySQL is for production. QL is an embedded
// database meant for development and tests. Both are created through schema
// migrations. Cached wraps either one so concurrent lookups of one volume
// hit the database once.
package catalog

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/device"
)

var (
	// ErrNotFound means there is no record with the given name.
	ErrNotFound = errors.New("catalog: no such record")

	// ErrNoAppendable means no volume can take more data and none may be
	// created.
	ErrNoAppendable = errors.New("catalog: no appendable volume")
)

// A Pool groups volumes used for the same purpose.
type Pool struct {
	Name           string
	PoolType       string
	LabelFormat    string // prefix of automatically created volume names, empty for none
	MaxVolumeJobs  uint32
	MaxVolumeBytes uint64
	Recycle        bool
}

// JobMedia records a span of a volume written by one job.
type JobMedia struct {
	JobID      uint32
	VolumeName string
	VolIndex   int // the nth volume of the job, starting at 1
	FirstIndex int32
	LastIndex  int32
	StartFile  uint32
	EndFile    uint32
	StartBlock uint32
	EndBlock   uint32
}

// A VolumeRequest asks for a volume to append to.
type VolumeRequest struct {
	Pool      string
	MediaType string
	// Exclude, if not nil, skips volumes already in use elsewhere.
	Exclude func(name string) bool
}

// Catalog is the storage daemon's record of volumes.
type Catalog interface {
	// GetVolumeInfo returns the record for a volume, or ErrNotFound.
	GetVolumeInfo(ctx context.Context, name string) (*device.VolumeInfo, error)

	// FindNextAppendableVolume picks a volume of the pool with the media
	// type. Append volumes come first, then volumes to recycle, then a new
	// volume if the pool has a label format.
	FindNextAppendableVolume(ctx context.Context, req VolumeRequest) (*device.VolumeInfo, error)

	// UpdateVolumeInfo saves the counters and status of a volume. With
	// label set the volume was just labeled.
	UpdateVolumeInfo(ctx context.Context, info *device.VolumeInfo, label bool) error

	// CreateVolume adds a new volume record.
	CreateVolume(ctx context.Context, info *device.VolumeInfo) error

	// ListVolumes returns the volumes of a pool, or of all pools if pool is
	// empty, ordered by name.
	ListVolumes(ctx context.Context, pool string) ([]*device.VolumeInfo, error)

	CreateJobMedia(ctx context.Context, jm JobMedia) error
	ListJobMedia(ctx context.Context, jobID uint32) ([]JobMedia, error)

	SetPool(ctx context.Context, p Pool) error
	GetPool(ctx context.Context, name string) (*Pool, error)

	Close() error
}

// limitStatus returns the status a volume should have once it reached its
// job or byte limit, or "" while it may still be appended to.
func limitStatus(v *device.VolumeInfo) string {
	if v.VolCatMaxJobs > 0 && v.VolCatJobs >= v.VolCatMaxJobs {
		return device.StatusUsed
	}
	if v.VolCatMaxBytes > 0 && v.VolCatBytes >= v.VolCatMaxBytes {
		return device.StatusFull
	}
	return ""
}

// newVolume creates the next volume named from the pool's label format.
func newVolume(ctx context.Context, c Catalog, pool *Pool, req VolumeRequest) (*device.VolumeInfo, error) {
	existing, err := c.ListVolumes(ctx, pool.Name)
	if err != nil {
		return nil, err
	}
	for n := len(existing) + 1; n < len(existing)+10000; n++ {
		name := fmt.Sprintf("%s%04d", pool.LabelFormat, n)
		if req.Exclude != nil && req.Exclude(name) {
			continue
		}
		_, err := c.GetVolumeInfo(ctx, name)
		if err == nil {
			continue
		} else if errors.Cause(err) != ErrNotFound {
			return nil, err
		}
		v := &device.VolumeInfo{
			VolCatName:     name,
			VolCatStatus:   device.StatusAppend,
			MediaType:      req.MediaType,
			PoolName:       pool.Name,
			PoolType:       pool.PoolType,
			VolCatMaxJobs:  pool.MaxVolumeJobs,
			VolCatMaxBytes: pool.MaxVolumeBytes,
			Recycle:        pool.Recycle,
			Slot:           0,
		}
		if err := c.CreateVolume(ctx, v); err != nil {
			return nil, err
		}
		log.Printf("catalog: created volume %s in pool %s", name, pool.Name)
		return v, nil
	}
	return nil, errors.Wrapf(ErrNoAppendable, "no free name for pool %s", pool.Name)
}

// stamp sets the label and write dates on an update.
func stamp(info *device.VolumeInfo, label bool, now time.Time) {
	if label {
		info.LabelDate = now
		return
	}
	if info.VolCatBlocks > 0 {
		if info.FirstWritten.IsZero() {
			info.FirstWritten = now
		}
		info.LastWritten = now
	}
}
