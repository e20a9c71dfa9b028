package main

import (
	"bytes"
	"context"
	"io/ioutil"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/sdclient"
	"github.com/ndlib/tapestore/server"
	"github.com/ndlib/tapestore/stored"
)

func TestRun(t *testing.T) {
	dir, err := ioutil.TempDir("", "sdctl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	cat, err := catalog.NewQl("memory")
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	cat.SetPool(context.Background(), catalog.Pool{Name: "Default"})
	dev, err := device.New(device.Config{
		Name:              "file0",
		MediaType:         "File",
		ArchiveDevice:     dir,
		Type:              device.TypeFile,
		MaxConcurrentJobs: 1,
		Caps:              device.DefaultCapabilities(),
	})
	if err != nil {
		t.Fatal(err)
	}
	reg := stored.NewRegistry(cat)
	reg.AddDevice(dev)
	s := &server.AdminServer{Registry: reg, Catalog: cat}
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	conn := &sdclient.Connection{HostURL: ts.URL}

	*pool = "Default"
	var table = []struct {
		args   string
		output string // empty means an error is expected
	}{
		{"status", "file0"},
		{"status nope", ""},
		{"unmount file0", "user unmounted"},
		{"mount file0", "file0: ok"},
		{"label file0 Manual1", "Labeled Manual1 on file0"},
		{"volumes", "Manual1"},
		{"release file0", "not blocked"},
		{"requests", "No pending requests"},
		{"answer 01ARZ3NDEKTSV4RRFFQ69G5FAV", ""},
		{"messages abc", ""},
		{"label file0", ""},
		{"frobnicate", ""},
	}
	for _, tab := range table {
		out := new(bytes.Buffer)
		err := run(conn, out, strings.Fields(tab.args))
		if tab.output == "" {
			if err == nil {
				t.Errorf("%s: Received nil, expected an error", tab.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: Received %s, expected nil", tab.args, err.Error())
			continue
		}
		if !strings.Contains(out.String(), tab.output) {
			t.Errorf("%s: Received %q, expected it to contain %q", tab.args, out.String(), tab.output)
		}
	}
}
