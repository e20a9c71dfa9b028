package stored

import (
	"context"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
)

// Director is what the storage daemon asks about volumes. A
// catalog.Catalog serves as one directly.
type Director interface {
	GetVolumeInfo(ctx context.Context, name string) (*device.VolumeInfo, error)
	FindNextAppendableVolume(ctx context.Context, req catalog.VolumeRequest) (*device.VolumeInfo, error)
	UpdateVolumeInfo(ctx context.Context, info *device.VolumeInfo, label bool) error
	CreateJobMedia(ctx context.Context, jm catalog.JobMedia) error
}

var _ Director = catalog.Catalog(nil)
