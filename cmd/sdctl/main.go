package main

// sdctl talks to the admin API of a running storage daemon.

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/sdclient"
)

var (
	hostURL = flag.String("server", "http://localhost:9103", "admin address of the storage daemon")
	token   = flag.String("token", os.Getenv("SDCTL_TOKEN"), "API key, defaults to $SDCTL_TOKEN")
	slot    = flag.Int("slot", 0, "autochanger slot to load for mount and label")
	pool    = flag.String("pool", "", "pool for label and volumes")
	usage   = `
sdctl <flags> <command> <command arguments>

Possible commands:

    status [device]
    mount <device>
    unmount <device>
    release <device>
    label <device> <volume>
    volumes
    requests
    answer <request id>
    messages <job id>
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	conn := &sdclient.Connection{HostURL: *hostURL, Token: *token}
	if err := run(conn, os.Stdout, flag.Args()); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
}

// the number of arguments each command needs, after the command name
var argCount = map[string][2]int{
	"status":   {0, 1},
	"mount":    {1, 1},
	"unmount":  {1, 1},
	"release":  {1, 1},
	"label":    {2, 2},
	"volumes":  {0, 0},
	"requests": {0, 0},
	"answer":   {1, 1},
	"messages": {1, 1},
}

func run(c *sdclient.Connection, out io.Writer, args []string) error {
	n, ok := argCount[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q", args[0])
	}
	if len(args)-1 < n[0] || len(args)-1 > n[1] {
		return fmt.Errorf("wrong number of arguments for %s", args[0])
	}
	switch args[0] {
	case "status":
		if len(args) == 2 {
			d, err := c.Device(args[1])
			if err != nil {
				return err
			}
			printDevices(out, []sdclient.DeviceStatus{d})
			return nil
		}
		list, err := c.Devices()
		if err != nil {
			return err
		}
		printDevices(out, list)
	case "mount":
		status, err := c.Mount(args[1], *slot)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", args[1], status)
	case "unmount":
		d, err := c.Unmount(args[1])
		if err != nil {
			return err
		}
		printDevices(out, []sdclient.DeviceStatus{d})
	case "release":
		d, err := c.Release(args[1])
		if err != nil {
			return err
		}
		printDevices(out, []sdclient.DeviceStatus{d})
	case "label":
		if _, err := c.Label(args[1], args[2], *pool, *slot); err != nil {
			return err
		}
		fmt.Fprintf(out, "Labeled %s on %s\n", args[2], args[1])
	case "volumes":
		list, err := c.Volumes(*pool)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
		fmt.Fprintf(w, "Volume\tStatus\tPool\tMediaType\tBytes\tJobs\tSlot\n")
		for _, v := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n", v.Name, v.Status, v.Pool, v.MediaType, v.Bytes, v.Jobs, v.Slot)
		}
		w.Flush()
	case "requests":
		list, err := c.Requests()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintln(out, "No pending requests")
			return nil
		}
		w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
		fmt.Fprintf(w, "ID\tKind\tJob\tDevice\tVolume\tPool\tPrompts\n")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\n", r.ID, r.Kind, r.JobID, r.Device, r.Volume, r.Pool, r.Prompts)
		}
		w.Flush()
	case "answer":
		if err := c.Answer(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Request %s answered\n", args[1])
	case "messages":
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return errors.Wrap(err, "job id")
		}
		list, err := c.JobMessages(uint32(id))
		if err != nil {
			return err
		}
		for _, m := range list {
			fmt.Fprintf(out, "%d %s\n", m.Num, m.Text)
		}
	}
	return nil
}

func printDevices(out io.Writer, list []sdclient.DeviceStatus) {
	w := tabwriter.NewWriter(out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Device\tType\tMediaType\tState\tVolume\tPool\tWriters\tPosition\n")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d:%d\n",
			d.Name, d.Type, d.MediaType, d.Blocked, d.Volume, d.Pool, d.Writers, d.File, d.Block)
	}
	w.Flush()
}
