package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/stored"
)

// ListDevicesHandler handles GET /devices
func (s *AdminServer) ListDevicesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	writeJSON(w, 200, s.Registry.Statuses())
}

// DeviceHandler handles GET /devices/:name
func (s *AdminServer) DeviceHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	st, err := s.Registry.DeviceStatus(ps.ByName("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

// slotParam returns the "slot" query parameter, or 0 if there is none.
func slotParam(r *http.Request) (int, error) {
	v := r.FormValue("slot")
	if v == "" {
		return 0, nil
	}
	slot, err := strconv.Atoi(v)
	if err != nil || slot < 0 {
		return 0, errors.Wrapf(stored.ErrNoVolume, "bad slot %q", v)
	}
	return slot, nil
}

type mountResult struct {
	Device string
	Status string
	Error  string `json:",omitempty"`
}

// MountHandler handles PUT /devices/:name/mount?slot=n
func (s *AdminServer) MountHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	status, err := s.Registry.Mount(r.Context(), name, slot)
	switch errors.Cause(err) {
	case nil:
		writeJSON(w, 200, mountResult{Device: name, Status: status.String()})
	case stored.ErrNoDevice, stored.ErrDeviceBusy:
		writeError(w, err)
	default:
		// the device is mounted but its volume could not be read
		writeJSON(w, http.StatusUnprocessableEntity, mountResult{
			Device: name,
			Status: status.String(),
			Error:  err.Error(),
		})
	}
}

// UnmountHandler handles PUT /devices/:name/unmount
func (s *AdminServer) UnmountHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.deviceCommand(w, r, ps, s.Registry.Unmount)
}

// ReleaseHandler handles PUT /devices/:name/release
func (s *AdminServer) ReleaseHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.deviceCommand(w, r, ps, s.Registry.ReleaseDevice)
}

func (s *AdminServer) deviceCommand(w http.ResponseWriter, r *http.Request, ps httprouter.Params, f func(context.Context, string) error) {
	name := ps.ByName("name")
	if err := f(r.Context(), name); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.Registry.DeviceStatus(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, st)
}

// LabelHandler handles POST /devices/:name/label/:volume?pool=p&slot=n
func (s *AdminServer) LabelHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	name := ps.ByName("name")
	volume := ps.ByName("volume")
	slot, err := slotParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	err = s.Registry.Label(r.Context(), name, volume, r.FormValue("pool"), slot)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/devices/"+name)
	st, _ := s.Registry.DeviceStatus(name)
	writeJSON(w, http.StatusCreated, st)
}

// ListVolumesHandler handles GET /volumes?pool=p
func (s *AdminServer) ListVolumesHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.Catalog == nil {
		NotImplementedHandler(w, r, ps)
		return
	}
	vols, err := s.Catalog.ListVolumes(r.Context(), r.FormValue("pool"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, vols)
}
