package catalog

import (
	"context"

	"github.com/golang/groupcache/singleflight"

	"github.com/ndlib/tapestore/device"
)

// Cached wraps a Catalog so that concurrent GetVolumeInfo calls for one
// volume share a single database query. Every caller gets its own copy of
// the result.
type Cached struct {
	Catalog
	table singleflight.Group // keyed by volume name
}

// NewCached wraps c.
func NewCached(c Catalog) *Cached {
	return &Cached{Catalog: c}
}

func (c *Cached) GetVolumeInfo(ctx context.Context, name string) (*device.VolumeInfo, error) {
	val, err := c.table.Do(name, func() (interface{}, error) {
		return c.Catalog.GetVolumeInfo(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	v := *val.(*device.VolumeInfo)
	return &v, nil
}
