// Package config reads the storage daemon configuration file. The file is
// TOML, with one [Storage] table and any number of [[Device]],
// [[Autochanger]] and [[Pool]] entries:
//
//	[Storage]
//	Name = "tape-sd"
//	AdminPort = ":9103"
//
//	[[Device]]
//	Name = "Drive-0"
//	MediaType = "LTO-7"
//	ArchiveDevice = "/dev/nst0"
//	Autochanger = "Robot"
//	MaximumFileSize = "50G"
//
//	[[Autochanger]]
//	Name = "Robot"
//	ChangerDevice = "/dev/sg3"
//	Device = ["Drive-0"]
//
//	[[Pool]]
//	Name = "Default"
//	LabelFormat = "Vol-"
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/label"
)

// Daemon is the whole configuration file.
type Daemon struct {
	Storage     Storage
	Device      []Device
	Autochanger []Autochanger
	Pool        []Pool
}

// Storage holds the daemon wide settings.
type Storage struct {
	Name       string
	AdminPort  string // listen address of the admin API
	PProfPort  string // if set, serve net/http/pprof here
	WorkingDir string
	TokenFile  string // user tokens for the admin API, see server.NewListDecoderFile

	// Catalog. With Mysql empty an embedded QL database is used, stored in
	// QLFile or in memory if that is empty too.
	Mysql  string
	QLFile string

	SentryDSN string

	// device selection
	WaitForDeviceTimeout Duration
	MaxWaitRetries       int

	// operator mount requests
	MinOperatorWait  Duration
	MaxOperatorWait  Duration
	MaxOperatorWaits int
}

// Device configures one drive or file storage directory.
type Device struct {
	Name                  string
	MediaType             string
	ArchiveDevice         string
	DeviceType            string // file, tape or vtape; guessed if empty
	LabelMedia            bool
	AlwaysOpen            *bool
	Removable             *bool
	AutomaticMount        *bool
	OfflineOnUnmount      bool
	Autochanger           string
	DriveIndex            int
	MinimumBlockSize      Size
	MaximumBlockSize      Size
	MaximumVolumeSize     Size
	MaximumFileSize       Size
	MaximumOpenWait       Duration
	MaximumConcurrentJobs int
	MaximumWriteRate      Size // bytes per second, 0 for no limit
	LabelType             string
	VTapeCapacity         Size

	// drive quirks, unset means the drive behaves
	HardwareEndOfMedium  *bool
	FastForwardSpaceFile *bool
	BackwardSpaceRecord  *bool
	BackwardSpaceFile    *bool
	ForwardSpaceRecord   *bool
	ForwardSpaceFile     *bool
	BSFAtEOM             bool
	TwoEOF               bool
	UseMTIOCGET          *bool
}

// Autochanger groups drives served by one robot.
type Autochanger struct {
	Name           string
	ChangerDevice  string
	ChangerCommand string // path to mtx, default "mtx"
	Device         []string
}

// Pool describes a volume pool in the embedded catalog.
type Pool struct {
	Name           string
	PoolType       string
	LabelFormat    string // prefix for automatically labeled volumes
	MaxVolumeJobs  int
	MaxVolumeBytes Size
	Recycle        bool
}

// Load reads and checks a configuration file.
func Load(path string) (*Daemon, error) {
	var d Daemon
	if _, err := toml.DecodeFile(path, &d); err != nil {
		return nil, errors.Wrap(err, path)
	}
	d.setDefaults()
	if err := d.Validate(); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return &d, nil
}

// Parse reads a configuration from a string.
func Parse(text string) (*Daemon, error) {
	var d Daemon
	if _, err := toml.Decode(text, &d); err != nil {
		return nil, err
	}
	d.setDefaults()
	return &d, d.Validate()
}

func (d *Daemon) setDefaults() {
	s := &d.Storage
	if s.Name == "" {
		s.Name = "tapestore"
	}
	if s.AdminPort == "" {
		s.AdminPort = ":9103"
	}
	if s.WaitForDeviceTimeout == 0 {
		s.WaitForDeviceTimeout = Duration(5 * time.Minute)
	}
	if s.MaxWaitRetries == 0 {
		s.MaxWaitRetries = 12
	}
	if s.MinOperatorWait == 0 {
		s.MinOperatorWait = Duration(5 * time.Minute)
	}
	if s.MaxOperatorWait == 0 {
		s.MaxOperatorWait = Duration(2 * time.Hour)
	}
	if s.MaxOperatorWaits == 0 {
		s.MaxOperatorWaits = 9
	}
	for i := range d.Device {
		dev := &d.Device[i]
		if dev.MaximumOpenWait == 0 {
			dev.MaximumOpenWait = Duration(5 * time.Minute)
		}
		if dev.MaximumConcurrentJobs == 0 {
			dev.MaximumConcurrentJobs = 1
		}
	}
	for i := range d.Autochanger {
		if d.Autochanger[i].ChangerCommand == "" {
			d.Autochanger[i].ChangerCommand = "mtx"
		}
	}
}

// Validate checks names are unique and references resolve.
func (d *Daemon) Validate() error {
	names := make(map[string]bool)
	for _, dev := range d.Device {
		if dev.Name == "" {
			return errors.New("device with no name")
		}
		if names[dev.Name] {
			return fmt.Errorf("device %s defined twice", dev.Name)
		}
		names[dev.Name] = true
		if dev.MediaType == "" {
			return fmt.Errorf("device %s: no media type", dev.Name)
		}
		if dev.ArchiveDevice == "" && dev.DeviceType != "vtape" {
			return fmt.Errorf("device %s: no archive device", dev.Name)
		}
		if _, err := device.ParseType(dev.DeviceType); err != nil {
			return fmt.Errorf("device %s: %s", dev.Name, err.Error())
		}
		if _, err := label.ParseKind(dev.LabelType); err != nil {
			return fmt.Errorf("device %s: %s", dev.Name, err.Error())
		}
		if dev.MaximumBlockSize > 0 && dev.MinimumBlockSize > dev.MaximumBlockSize {
			return fmt.Errorf("device %s: minimum block size is larger than the maximum", dev.Name)
		}
		if dev.MaximumBlockSize > 4*1024*1024 {
			return fmt.Errorf("device %s: maximum block size is too large", dev.Name)
		}
	}
	changers := make(map[string]bool)
	for _, ac := range d.Autochanger {
		if changers[ac.Name] {
			return fmt.Errorf("autochanger %s defined twice", ac.Name)
		}
		changers[ac.Name] = true
		for _, name := range ac.Device {
			if !names[name] {
				return fmt.Errorf("autochanger %s: unknown device %s", ac.Name, name)
			}
		}
	}
	for _, dev := range d.Device {
		if dev.Autochanger != "" && !changers[dev.Autochanger] {
			return fmt.Errorf("device %s: unknown autochanger %s", dev.Name, dev.Autochanger)
		}
	}
	pools := make(map[string]bool)
	for _, p := range d.Pool {
		if p.Name == "" || pools[p.Name] {
			return fmt.Errorf("pool %q is unnamed or defined twice", p.Name)
		}
		pools[p.Name] = true
	}
	return nil
}

// ChangerFor returns the autochanger serving the named device, or nil.
func (d *Daemon) ChangerFor(devName string) *Autochanger {
	for i := range d.Autochanger {
		for _, name := range d.Autochanger[i].Device {
			if name == devName {
				return &d.Autochanger[i]
			}
		}
	}
	for _, dev := range d.Device {
		if dev.Name == devName && dev.Autochanger != "" {
			for i := range d.Autochanger {
				if d.Autochanger[i].Name == dev.Autochanger {
					return &d.Autochanger[i]
				}
			}
		}
	}
	return nil
}

// DeviceConfig converts a [[Device]] entry into the device package's form.
func (d *Daemon) DeviceConfig(dev Device) (device.Config, error) {
	typ, err := device.ParseType(dev.DeviceType)
	if err != nil {
		return device.Config{}, err
	}
	kind, err := label.ParseKind(dev.LabelType)
	if err != nil {
		return device.Config{}, err
	}
	caps := device.DefaultCapabilities()
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&caps.EOM, dev.HardwareEndOfMedium)
	set(&caps.FastFSF, dev.FastForwardSpaceFile)
	set(&caps.BSR, dev.BackwardSpaceRecord)
	set(&caps.BSF, dev.BackwardSpaceFile)
	set(&caps.FSR, dev.ForwardSpaceRecord)
	set(&caps.FSF, dev.ForwardSpaceFile)
	set(&caps.MTIOCGET, dev.UseMTIOCGET)
	set(&caps.AlwaysOpen, dev.AlwaysOpen)
	set(&caps.Removable, dev.Removable)
	set(&caps.AutoMount, dev.AutomaticMount)
	caps.BSFAtEOM = dev.BSFAtEOM
	caps.TwoEOF = dev.TwoEOF
	caps.LabelMedia = dev.LabelMedia
	caps.OfflineOnUnmount = dev.OfflineOnUnmount
	ac := d.ChangerFor(dev.Name)
	caps.Autochanger = ac != nil
	cfg := device.Config{
		Name:              dev.Name,
		MediaType:         dev.MediaType,
		ArchiveDevice:     dev.ArchiveDevice,
		Type:              typ,
		MinBlockSize:      int(dev.MinimumBlockSize),
		MaxBlockSize:      int(dev.MaximumBlockSize),
		MaxVolumeSize:     uint64(dev.MaximumVolumeSize),
		MaxFileSize:       uint64(dev.MaximumFileSize),
		MaxOpenWait:       time.Duration(dev.MaximumOpenWait),
		MaxConcurrentJobs: dev.MaximumConcurrentJobs,
		LabelType:         kind,
		DriveIndex:        dev.DriveIndex,
		Caps:              caps,
		VTapeCapacity:     int64(dev.VTapeCapacity),
	}
	if ac != nil {
		cfg.Changer = ac.Name
	}
	return cfg, nil
}

// Duration is a time.Duration read from strings like "90s" or "2h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Size is a byte count read from strings like "512", "64K", "10G" or
// "2T". Suffixes are powers of 1024, an optional trailing "B" is ignored.
type Size int64

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	v, err := ParseSize(string(text))
	if err != nil {
		return err
	}
	*s = Size(v)
	return nil
}

// ParseSize parses a byte count with an optional K, M, G or T suffix.
func ParseSize(text string) (int64, error) {
	t := strings.ToUpper(strings.TrimSpace(text))
	t = strings.TrimSuffix(t, "B")
	mult := int64(1)
	if n := len(t); n > 0 {
		switch t[n-1] {
		case 'K':
			mult = 1 << 10
		case 'M':
			mult = 1 << 20
		case 'G':
			mult = 1 << 30
		case 'T':
			mult = 1 << 40
		}
		if mult > 1 {
			t = t[:n-1]
		}
	}
	v, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("bad size %q", text)
	}
	return v * mult, nil
}
