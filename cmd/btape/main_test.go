package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ndlib/tapestore/catalog"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/stored"
)

func newTester(t *testing.T) (*tester, *bytes.Buffer) {
	cat, err := catalog.NewQl("memory")
	if err != nil {
		t.Fatal(err)
	}
	cat.SetPool(context.Background(), catalog.Pool{Name: "Default"})
	dev := device.NewWithBackend(device.Config{
		Name:              "vt0",
		MediaType:         "LTO",
		Type:              device.TypeVTape,
		MaxConcurrentJobs: 1,
		Caps:              device.DefaultCapabilities(),
	}, device.NewVirtualTape("", 0))
	reg := stored.NewRegistry(cat)
	reg.AddDevice(dev)
	out := new(bytes.Buffer)
	return &tester{reg: reg, dev: dev, out: out}, out
}

func TestCommands(t *testing.T) {
	var table = []struct {
		script string
		output []string
	}{
		{"label Tape1\nreadlabel\n",
			[]string{"Wrote label for volume Tape1", `"Tape1"`}},
		{"test\nrewind\nscan\n",
			[]string{"test passed", "At file 0 block 0", "File 0: 100 blocks", "End of data"}},
		{"weof 2\nrewind\nfsf\nstatus\n",
			[]string{"At file 2 block 0", "At file 1 block 0", "Type:"}},
		{"fsf x\nbogus\n",
			[]string{`bad count "x"`, `unknown command "bogus"`}},
		{"quit\nlabel Tape2\n",
			nil},
	}
	for _, tab := range table {
		tr, out := newTester(t)
		tr.run(strings.NewReader(tab.script))
		for _, want := range tab.output {
			if !strings.Contains(out.String(), want) {
				t.Errorf("%q: Received %q, expected it to contain %q", tab.script, out.String(), want)
			}
		}
		if tab.output == nil && out.String() != "*" {
			t.Errorf("%q: Received %q, expected *", tab.script, out.String())
		}
	}
}
