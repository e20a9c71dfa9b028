package server

import (
	"encoding/json"
	"expvar"
	"log"
	"net/http"
	_ "net/http/pprof" // for pprof server

	"github.com/facebookgo/httpdown"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/stored"
)

// Version is reported by the welcome route.
var Version = "1.0"

// AdminServer serves the storage daemon's admin API: device status, the
// operator commands, job messages and the operator request queue.
//
// Set the public fields and then call Run. Do not change any fields after
// calling Run.
type AdminServer struct {
	// Address to listen on, e.g. ":9103"
	PortNumber string
	PProfPort  string

	// Registry holds the devices. Run will panic if it is nil.
	Registry *stored.Registry

	// Catalog, if set, serves the volume list.
	Catalog catalog.Catalog

	// Validator decodes the X-Api-Key header of each request. If nil
	// every request is made by "nobody" with the admin role.
	Validator TokenDecoder

	server httpdown.Server
}

// Run starts the server and blocks handling requests.
func (s *AdminServer) Run() error {
	log.Println("==========")
	log.Printf("Starting storage daemon admin server version %s", Version)
	if s.Registry == nil {
		panic("No registry given. Registry is nil.")
	}
	if s.Validator == nil {
		log.Println("No Validator given")
		s.Validator = NewNobodyDecoder()
	}
	if s.PProfPort != "" {
		log.Println("Starting PProf on port", s.PProfPort)
		go func() {
			log.Println(http.ListenAndServe(":"+s.PProfPort, nil))
		}()
	}
	log.Println("Listening on", s.PortNumber)

	h := httpdown.HTTP{}
	var err error
	s.server, err = h.ListenAndServe(&http.Server{
		Addr:    s.PortNumber,
		Handler: s.Handler(),
	})
	if err != nil {
		log.Println(err)
		return err
	}
	return s.server.Wait()
}

// Stop closes the listening socket and waits for requests in progress.
func (s *AdminServer) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Stop()
}

// Handler returns the routes of the server.
func (s *AdminServer) Handler() http.Handler {
	if s.Validator == nil {
		s.Validator = NewNobodyDecoder()
	}
	var routes = []struct {
		method  string
		route   string
		role    Role // RoleUnknown means no API key is needed to access
		handler httprouter.Handle
	}{
		{"GET", "/devices", RoleRead, s.ListDevicesHandler},
		{"GET", "/devices/:name", RoleRead, s.DeviceHandler},
		{"PUT", "/devices/:name/mount", RoleOperator, s.MountHandler},
		{"PUT", "/devices/:name/unmount", RoleOperator, s.UnmountHandler},
		{"PUT", "/devices/:name/release", RoleOperator, s.ReleaseHandler},
		{"POST", "/devices/:name/label/:volume", RoleAdmin, s.LabelHandler},

		{"GET", "/volumes", RoleRead, s.ListVolumesHandler},
		{"GET", "/jobs", RoleRead, s.ListJobsHandler},
		{"GET", "/jobs/:id/messages", RoleRead, s.JobMessagesHandler},

		{"GET", "/operator", RoleRead, s.ListRequestsHandler},
		{"POST", "/operator/:id", RoleOperator, s.AnswerHandler},

		// other
		{"GET", "/", RoleUnknown, s.WelcomeHandler},
		{"GET", "/debug/vars", RoleUnknown, VarHandler}, // standard route for expvars data
	}

	r := httprouter.New()
	for _, route := range routes {
		r.Handle(route.method, route.route, s.guard(route.role, route.handler))
	}
	return r
}

// VarHandler serves the expvar counters, including the device stats.
func VarHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	expvar.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, val interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(val)
}

// writeError maps err onto an HTTP status and writes it as a JSON object.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.Cause(err) {
	case stored.ErrNoDevice, stored.ErrNoRequest, catalog.ErrNotFound:
		status = http.StatusNotFound
	case stored.ErrDeviceBusy, stored.ErrWrongVolume:
		status = http.StatusConflict
	case stored.ErrNoVolume:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// guard logs each request and refuses it unless the X-Api-Key header
// decodes to a role of at least need. Commands that change a device are
// logged with the user who made them.
func (s *AdminServer) guard(need Role, handler httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		user, role, err := s.Validator.TokenDecode(r.Header.Get("X-Api-Key"))
		switch {
		case err != nil:
			log.Println(r.Method, r.URL, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		case role < need:
			log.Println(r.Method, r.URL, "refused for role", role)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Forbidden"})
			return
		case need >= RoleOperator:
			log.Println(r.Method, r.URL, "by", user)
		default:
			log.Println(r.Method, r.URL)
		}
		handler(w, r, ps)
	}
}
