package server

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/stored"
)

func TestDeviceRoutes(t *testing.T) {
	body := getbody(t, "GET", "/", 200)
	if !strings.Contains(body, "file0\tFile") {
		t.Errorf("Received %q, expected file0 to be listed", body)
	}
	checkStatus(t, "GET", "/debug/vars", 200)
	checkStatus(t, "GET", "/devices/nope", 404)

	var list []device.Status
	getJSON(t, "/devices", &list)
	if len(list) != 1 || list[0].Name != "file0" || list[0].MediaType != "File" {
		t.Errorf("Received %+v", list)
	}

	checkStatus(t, "PUT", "/devices/file0/unmount", 200)
	var st device.Status
	getJSON(t, "/devices/file0", &st)
	if st.Blocked != device.UserUnmounted.String() {
		t.Errorf("Received %s, expected %s", st.Blocked, device.UserUnmounted)
	}
	checkStatus(t, "PUT", "/devices/file0/release", 409)
	checkStatus(t, "PUT", "/devices/file0/mount", 200)
	checkStatus(t, "PUT", "/devices/file0/mount?slot=x", 400)
	getJSON(t, "/devices/file0", &st)
	if st.Blocked != device.NotBlocked.String() {
		t.Errorf("Received %s, expected %s", st.Blocked, device.NotBlocked)
	}

	checkStatus(t, "POST", "/devices/file0/label/Manual1?pool=Default", 201)
	var vols []device.VolumeInfo
	getJSON(t, "/volumes?pool=Default", &vols)
	if len(vols) != 1 || vols[0].VolCatName != "Manual1" {
		t.Errorf("Received %+v", vols)
	}
	checkStatus(t, "PUT", "/devices/file0/release", 200)
}

func TestJobAndOperatorRoutes(t *testing.T) {
	checkStatus(t, "GET", "/jobs/abc/messages", 400)
	checkStatus(t, "GET", "/jobs/99/messages", 404)
	body := getbody(t, "GET", "/operator", 200)
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("Received %q, expected []", body)
	}
	checkStatus(t, "POST", "/operator/01ARZ3NDEKTSV4RRFFQ69G5FAV", 404)

	// a job which could not get a device explains why
	job := &stored.Job{ID: 12, JobName: "backup.12", MediaType: "LTO", Pool: "Default"}
	testRegistry.AddJob(job)
	job.Messages.Add(3609, "Device %s is at maximum concurrent jobs = %d.", "vt9", 1)
	var msgs []stored.Message
	getJSON(t, "/jobs/12/messages", &msgs)
	if len(msgs) != 1 || msgs[0].Num != 3609 {
		t.Errorf("Received %+v", msgs)
	}
	testRegistry.RemoveJob(job)
}

func TestRoles(t *testing.T) {
	d, err := NewListDecoderString("reader read tok-r\nop operator tok-o\n")
	if err != nil {
		t.Fatal(err)
	}
	s := &AdminServer{Registry: testRegistry, Validator: d}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var table = []struct {
		verb   string
		route  string
		token  string
		status int
	}{
		{"GET", "/", "", 200},
		{"GET", "/devices", "", 401},
		{"GET", "/devices", "tok-r", 200},
		{"PUT", "/devices/file0/unmount", "tok-r", 401},
		{"PUT", "/devices/file0/unmount", "tok-o", 200},
		{"PUT", "/devices/file0/mount", "tok-o", 200},
		{"POST", "/devices/file0/label/X", "tok-o", 401},
	}
	for _, row := range table {
		req, _ := http.NewRequest(row.verb, ts.URL+row.route, nil)
		req.Header.Set("X-Api-Key", row.token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(row.route, err)
		}
		resp.Body.Close()
		if resp.StatusCode != row.status {
			t.Errorf("%s %s with %q: Received status %d, expected %d",
				row.verb, row.route, row.token, resp.StatusCode, row.status)
		}
	}
}

func getJSON(t *testing.T, route string, v interface{}) {
	body := getbody(t, "GET", route, 200)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Errorf("%s: Received %s", route, err.Error())
	}
}

func getbody(t *testing.T, verb, route string, expstatus int) string {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		body, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			t.Fatal(route, err)
		}
		resp.Body.Close()
		return string(body)
	}
	return ""
}

func checkStatus(t *testing.T, verb, route string, expstatus int) {
	resp := checkRoute(t, verb, route, expstatus)
	if resp != nil {
		resp.Body.Close()
	}
}

func checkRoute(t *testing.T, verb, route string, expstatus int) *http.Response {
	req, err := http.NewRequest(verb, testServer.URL+route, nil)
	if err != nil {
		t.Fatal("Problem creating request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(route, err)
		return nil
	}
	if resp.StatusCode != expstatus {
		t.Errorf("%s: Expected status %d and received %d",
			route,
			expstatus,
			resp.StatusCode)
		resp.Body.Close()
		return nil
	}
	return resp
}

var (
	testServer   *httptest.Server
	testRegistry *stored.Registry
)

func TestMain(m *testing.M) {
	dir, err := ioutil.TempDir("", "server")
	if err != nil {
		panic(err)
	}
	cat, err := catalog.NewQl("memory")
	if err != nil {
		panic(err)
	}
	cat.SetPool(context.Background(), catalog.Pool{Name: "Default", LabelFormat: "Vol-"})
	dev, err := device.New(device.Config{
		Name:              "file0",
		MediaType:         "File",
		ArchiveDevice:     dir,
		Type:              device.TypeFile,
		MaxConcurrentJobs: 2,
		Caps:              device.DefaultCapabilities(),
	})
	if err != nil {
		panic(err)
	}
	testRegistry = stored.NewRegistry(cat)
	testRegistry.AddDevice(dev)
	s := &AdminServer{Registry: testRegistry, Catalog: cat}
	testServer = httptest.NewServer(s.Handler())
	code := m.Run()
	testServer.Close()
	cat.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}
