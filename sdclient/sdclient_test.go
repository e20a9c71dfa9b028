package sdclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
)

// stubDaemon answers a few admin routes with canned JSON.
func stubDaemon() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/devices", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"Name":"vt0","Type":"vtape","MediaType":"LTO","Open":true,"Labeled":true,
			"Append":true,"Blocked":"not blocked","Writers":2,"Pool":"Default","Volume":"Vol-0001",
			"VolumeBytes":64512,"File":0,"Block":3}]`)
	})
	mux.HandleFunc("/devices/vt0/mount", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "PUT" || r.FormValue("slot") != "4" {
			w.WriteHeader(400)
			return
		}
		fmt.Fprint(w, `{"Device":"vt0","Status":"ok"}`)
	})
	mux.HandleFunc("/devices/vt0/label/Tape1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.FormValue("pool") != "Scratch" {
			w.WriteHeader(400)
			return
		}
		w.WriteHeader(201)
		fmt.Fprint(w, `{"Name":"vt0","Labeled":true,"Volume":"Tape1"}`)
	})
	mux.HandleFunc("/devices/vt1/unmount", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(409)
		fmt.Fprint(w, `{"error":"device vt1 is in use"}`)
	})
	mux.HandleFunc("/operator", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"ID":"01ARZ3NDEKTSV4RRFFQ69G5FAV","Kind":1,"JobID":7,"Device":"vt0","Volume":"Vol-0002","Prompts":3}]`)
	})
	mux.HandleFunc("/operator/01ARZ3NDEKTSV4RRFFQ69G5FAV", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	})
	mux.HandleFunc("/jobs/7/messages", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"Num":3609,"Text":"3609 Device vt0 is at maximum concurrent jobs = 1."}]`)
	})
	return mux
}

func newTestConnection() (*Connection, *faultDaemon, func()) {
	fd := newFaultDaemon(stubDaemon())
	ts := httptest.NewServer(fd)
	return &Connection{HostURL: ts.URL, Token: "tok"}, fd, ts.Close
}

func TestDevices(t *testing.T) {
	c, _, done := newTestConnection()
	defer done()
	devs, err := c.Devices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 {
		t.Fatalf("Received %d devices, expected 1", len(devs))
	}
	d := devs[0]
	if d.Name != "vt0" || d.Writers != 2 || d.Volume != "Vol-0001" || d.Bytes != 64512 || d.Block != 3 || !d.Append {
		t.Errorf("Received %+v", d)
	}

	status, err := c.Mount("vt0", 4)
	if err != nil || status != "ok" {
		t.Errorf("Received %q %v, expected ok", status, err)
	}
	d, err = c.Label("vt0", "Tape1", "Scratch", 0)
	if err != nil || d.Volume != "Tape1" {
		t.Errorf("Received %+v %v", d, err)
	}
	_, err = c.Unmount("vt1")
	if errors.Cause(err) != ErrBusy {
		t.Errorf("Received %v, expected %s", err, ErrBusy)
	}
	_, err = c.Device("vt9")
	if errors.Cause(err) != ErrNotFound {
		t.Errorf("Received %v, expected %s", err, ErrNotFound)
	}
}

func TestRequests(t *testing.T) {
	c, fd, done := newTestConnection()
	defer done()
	reqs, err := c.Requests()
	if err != nil {
		t.Fatal(err)
	}
	if len(reqs) != 1 || reqs[0].Kind != "mount" || reqs[0].JobID != 7 || reqs[0].Volume != "Vol-0002" {
		t.Errorf("Received %+v", reqs)
	}
	if err := c.Answer(reqs[0].ID); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	msgs, err := c.JobMessages(7)
	if err != nil || len(msgs) != 1 || msgs[0].Num != 3609 {
		t.Errorf("Received %+v %v", msgs, err)
	}

	fd.fail("/operator", 1, 401, "")
	if _, err := c.Requests(); err != ErrNotAuthorized {
		t.Errorf("Received %v, expected %s", err, ErrNotAuthorized)
	}
	fd.fail("/operator", 1, 500, `{"error":"boom"}`)
	if _, err := c.Requests(); errors.Cause(err) != ErrUnexpectedResp {
		t.Errorf("Received %v, expected %s", err, ErrUnexpectedResp)
	}
	if _, err := c.Requests(); err != nil {
		t.Errorf("Received %s, expected nil", err.Error())
	}
	if n := fd.count("/operator"); n != 4 {
		t.Errorf("Received %d, expected 4", n)
	}
}

func TestListDecoding(t *testing.T) {
	c, fd, done := newTestConnection()
	defer done()
	var table = []struct {
		body  string
		count int
		err   error
	}{
		{`[]`, 0, nil},
		{`[{"Name":"vt0"},{"Name":"vt1"}]`, 2, nil},
		{`{"Name":"vt0"}`, 0, ErrUnexpectedResp},
		{`[{"Name":"vt0"},7]`, 0, ErrUnexpectedResp},
	}
	for _, tab := range table {
		fd.fail("/devices", 1, 200, tab.body)
		devs, err := c.Devices()
		if errors.Cause(err) != tab.err {
			t.Errorf("%s: Received %v, expected %v", tab.body, err, tab.err)
		}
		if len(devs) != tab.count {
			t.Errorf("%s: Received %d devices, expected %d", tab.body, len(devs), tab.count)
		}
	}
}
