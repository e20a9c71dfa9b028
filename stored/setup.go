package stored

import (
	"context"
	"log"
	"time"

	"github.com/facebookgo/stats"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/changer"
	"github.com/ndlib/tapestore/config"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/util"
)

// OpenCatalog opens the catalog the configuration names and loads its
// pools. MySQL is used when configured, the embedded QL database
// otherwise.
func OpenCatalog(ctx context.Context, cfg *config.Daemon) (catalog.Catalog, error) {
	var c catalog.Catalog
	var err error
	switch {
	case cfg.Storage.Mysql != "":
		log.Printf("catalog: using MySQL")
		c, err = catalog.NewMysql(cfg.Storage.Mysql)
	case cfg.Storage.QLFile != "":
		log.Printf("catalog: using QL file %s", cfg.Storage.QLFile)
		c, err = catalog.NewQl(cfg.Storage.QLFile)
	default:
		log.Printf("catalog: using QL in memory, nothing will be kept")
		c, err = catalog.NewQl("memory")
	}
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Pool {
		err := c.SetPool(ctx, catalog.Pool{
			Name:           p.Name,
			PoolType:       p.PoolType,
			LabelFormat:    p.LabelFormat,
			MaxVolumeJobs:  uint32(p.MaxVolumeJobs),
			MaxVolumeBytes: uint64(p.MaxVolumeBytes),
			Recycle:        p.Recycle,
		})
		if err != nil {
			c.Close()
			return nil, errors.Wrapf(err, "pool %s", p.Name)
		}
	}
	return catalog.NewCached(c), nil
}

// NewRegistryFromConfig builds the registry and its devices, robots and
// operator queue from the configuration.
func NewRegistryFromConfig(cfg *config.Daemon, dir Director, st stats.Client) (*Registry, error) {
	r := NewRegistry(dir)
	if st != nil {
		r.Stats = st
	}
	s := cfg.Storage
	r.WaitForDeviceTimeout = time.Duration(s.WaitForDeviceTimeout)
	r.MaxWaitRetries = s.MaxWaitRetries
	r.Operator = NewOperator(time.Duration(s.MinOperatorWait), time.Duration(s.MaxOperatorWait), s.MaxOperatorWaits)
	for _, ac := range cfg.Autochanger {
		r.Changers[ac.Name] = changer.NewMtx(ac.ChangerCommand, ac.ChangerDevice)
	}
	for _, dc := range cfg.Device {
		dcfg, err := cfg.DeviceConfig(dc)
		if err != nil {
			return nil, err
		}
		dev, err := device.New(dcfg)
		if err != nil {
			return nil, err
		}
		dev.Stats = r.Stats
		if dc.MaximumWriteRate > 0 {
			dev.SetRateLimit(util.NewRateCounter(float64(dc.MaximumWriteRate), r.Clock))
		}
		r.AddDevice(dev)
		log.Printf("device %s: %s %s, media type %s", dev.Name, dev.Type, dev.ArchiveDevice, dev.MediaType)
	}
	return r, nil
}
