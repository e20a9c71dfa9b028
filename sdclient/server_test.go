package sdclient

import (
	"net/http"
	"sync"
)

// faultDaemon sits in front of a stub daemon and makes chosen routes
// misbehave. A fault on a path answers the next n requests for that path
// with a fixed status and body, after which the path is served normally
// again.
type faultDaemon struct {
	next http.Handler

	m      sync.Mutex
	faults map[string]*fault
	hits   map[string]int
}

type fault struct {
	status    int
	body      string
	remaining int
}

func newFaultDaemon(next http.Handler) *faultDaemon {
	return &faultDaemon{
		next:   next,
		faults: make(map[string]*fault),
		hits:   make(map[string]int),
	}
}

// fail arranges for the next n requests to path to get status and body.
func (fd *faultDaemon) fail(path string, n int, status int, body string) {
	fd.m.Lock()
	fd.faults[path] = &fault{status: status, body: body, remaining: n}
	fd.m.Unlock()
}

// count returns how many requests path has received, faulted or not.
func (fd *faultDaemon) count(path string) int {
	fd.m.Lock()
	defer fd.m.Unlock()
	return fd.hits[path]
}

func (fd *faultDaemon) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fd.m.Lock()
	fd.hits[r.URL.Path]++
	f := fd.faults[r.URL.Path]
	if f == nil || f.remaining == 0 {
		fd.m.Unlock()
		fd.next.ServeHTTP(w, r)
		return
	}
	f.remaining--
	status, body := f.status, f.body
	fd.m.Unlock()
	w.WriteHeader(status)
	w.Write([]byte(body))
}
