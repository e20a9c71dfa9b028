package sdclient

import (
	"net/url"
	"strconv"

	"github.com/antonholmquist/jason"
)

// DeviceStatus is what the daemon reports about a device.
type DeviceStatus struct {
	Name      string
	Type      string
	MediaType string
	Open      bool
	Labeled   bool
	Append    bool
	Read      bool
	Blocked   string
	Writers   int64
	Reserved  int64
	Pool      string
	Volume    string
	Bytes     int64
	File      int64
	Block     int64
}

func decodeDevice(v *jason.Object) DeviceStatus {
	var d DeviceStatus
	d.Name, _ = v.GetString("Name")
	d.Type, _ = v.GetString("Type")
	d.MediaType, _ = v.GetString("MediaType")
	d.Open, _ = v.GetBoolean("Open")
	d.Labeled, _ = v.GetBoolean("Labeled")
	d.Append, _ = v.GetBoolean("Append")
	d.Read, _ = v.GetBoolean("Read")
	d.Blocked, _ = v.GetString("Blocked")
	d.Writers, _ = v.GetInt64("Writers")
	d.Reserved, _ = v.GetInt64("Reserved")
	d.Pool, _ = v.GetString("Pool")
	d.Volume, _ = v.GetString("Volume")
	d.Bytes, _ = v.GetInt64("VolumeBytes")
	d.File, _ = v.GetInt64("File")
	d.Block, _ = v.GetInt64("Block")
	return d
}

// Devices lists every device of the daemon.
func (c *Connection) Devices() ([]DeviceStatus, error) {
	list, err := c.getObjects("/devices", nil)
	if err != nil {
		return nil, err
	}
	var result []DeviceStatus
	for _, v := range list {
		result = append(result, decodeDevice(v))
	}
	return result, nil
}

// Device returns the status of one device.
func (c *Connection) Device(name string) (DeviceStatus, error) {
	return c.deviceCall("GET", "/devices/"+url.PathEscape(name), nil)
}

func (c *Connection) deviceCall(method, path string, query url.Values) (DeviceStatus, error) {
	v, err := c.call(method, path, query)
	if err != nil || v == nil {
		return DeviceStatus{}, err
	}
	obj, err := v.Object()
	if err != nil {
		return DeviceStatus{}, err
	}
	return decodeDevice(obj), nil
}

// Mount tells the daemon a volume was put in the device. A slot greater
// than zero is loaded by the autochanger first. It returns the label
// status.
func (c *Connection) Mount(name string, slot int) (string, error) {
	v, err := c.call("PUT", "/devices/"+url.PathEscape(name)+"/mount", slotQuery(slot))
	if err != nil || v == nil {
		return "", err
	}
	obj, err := v.Object()
	if err != nil {
		return "", err
	}
	return obj.GetString("Status")
}

// Unmount takes the device out of use.
func (c *Connection) Unmount(name string) (DeviceStatus, error) {
	return c.deviceCall("PUT", "/devices/"+url.PathEscape(name)+"/unmount", nil)
}

// Release closes an idle device.
func (c *Connection) Release(name string) (DeviceStatus, error) {
	return c.deviceCall("PUT", "/devices/"+url.PathEscape(name)+"/release", nil)
}

// Label writes a new volume label on the medium in the device.
func (c *Connection) Label(name, volume, pool string, slot int) (DeviceStatus, error) {
	q := slotQuery(slot)
	if pool != "" {
		if q == nil {
			q = url.Values{}
		}
		q.Set("pool", pool)
	}
	return c.deviceCall("POST", "/devices/"+url.PathEscape(name)+"/label/"+url.PathEscape(volume), q)
}

// Volume is a catalog record as listed by the daemon.
type Volume struct {
	Name      string
	Status    string
	Pool      string
	MediaType string
	Bytes     int64
	Jobs      int64
	Slot      int64
}

// Volumes lists the volumes of a pool, or of every pool.
func (c *Connection) Volumes(pool string) ([]Volume, error) {
	var q url.Values
	if pool != "" {
		q = url.Values{"pool": []string{pool}}
	}
	list, err := c.getObjects("/volumes", q)
	if err != nil {
		return nil, err
	}
	var result []Volume
	for _, v := range list {
		var vol Volume
		vol.Name, _ = v.GetString("VolCatName")
		vol.Status, _ = v.GetString("VolCatStatus")
		vol.Pool, _ = v.GetString("PoolName")
		vol.MediaType, _ = v.GetString("MediaType")
		vol.Bytes, _ = v.GetInt64("VolCatBytes")
		vol.Jobs, _ = v.GetInt64("VolCatJobs")
		vol.Slot, _ = v.GetInt64("Slot")
		result = append(result, vol)
	}
	return result, nil
}

// Request is an operator request a job is waiting on.
type Request struct {
	ID        string
	Kind      string
	JobID     int64
	Device    string
	Volume    string
	Pool      string
	MediaType string
	Prompts   int64
}

var requestKinds = map[int64]string{1: "mount", 2: "create"}

// Requests lists the pending operator requests.
func (c *Connection) Requests() ([]Request, error) {
	list, err := c.getObjects("/operator", nil)
	if err != nil {
		return nil, err
	}
	var result []Request
	for _, v := range list {
		var r Request
		r.ID, _ = v.GetString("ID")
		kind, _ := v.GetInt64("Kind")
		r.Kind = requestKinds[kind]
		r.JobID, _ = v.GetInt64("JobID")
		r.Device, _ = v.GetString("Device")
		r.Volume, _ = v.GetString("Volume")
		r.Pool, _ = v.GetString("Pool")
		r.MediaType, _ = v.GetString("MediaType")
		r.Prompts, _ = v.GetInt64("Prompts")
		result = append(result, r)
	}
	return result, nil
}

// Answer wakes the job waiting on the request.
func (c *Connection) Answer(id string) error {
	_, err := c.call("POST", "/operator/"+url.PathEscape(id), nil)
	return err
}

// Message is an operator facing note about a job.
type Message struct {
	Num  int64
	Text string
}

// JobMessages returns why a job is waiting, if it is.
func (c *Connection) JobMessages(id uint32) ([]Message, error) {
	list, err := c.getObjects("/jobs/"+strconv.FormatUint(uint64(id), 10)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var result []Message
	for _, v := range list {
		var m Message
		m.Num, _ = v.GetInt64("Num")
		m.Text, _ = v.GetString("Text")
		result = append(result, m)
	}
	return result, nil
}
