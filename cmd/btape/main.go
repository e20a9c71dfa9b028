package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"

	"github.com/ndlib/tapestore/block"
	"github.com/ndlib/tapestore/config"
	"github.com/ndlib/tapestore/device"
	"github.com/ndlib/tapestore/stored"
	"github.com/ndlib/tapestore/util"
)

var (
	configFile = flag.String("c", "/etc/tapestore/stored.toml", "location of the configuration file")
	volume     = flag.String("v", "", "volume file to use on file devices")
	pool       = flag.String("p", "Default", "pool for new labels")
	usage      = `
btape [-c config] [-v volume] <device name>

Reads commands from standard input. Possible commands:
    rewind          rewind the tape
    weof [n]        write n filemarks
    fsf [n]         forward space n files
    bsf [n]         backward space n files
    fsr [n]         forward space n records
    bsr [n]         backward space n records
    eod             go to the end of data
    label <volume>  write a volume label
    readlabel       read and print the volume label
    status          print the device status
    scan            read to the end of data, counting blocks per file
    test            write test blocks, read them back and compare
    quit
`
)

type tester struct {
	reg *stored.Registry
	dev *device.Device
	out io.Writer
}

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	cat, err := stored.OpenCatalog(context.Background(), cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer cat.Close()
	reg, err := stored.NewRegistryFromConfig(cfg, cat, nil)
	if err != nil {
		log.Fatalln(err)
	}
	dev := reg.Device(flag.Arg(0))
	if dev == nil {
		log.Fatalf("no device named %s", flag.Arg(0))
	}

	t := &tester{reg: reg, dev: dev, out: os.Stdout}
	t.run(os.Stdin)
	dev.Close()
}

// run executes each line of r as a command until quit or end of input.
func (t *tester) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	fmt.Fprint(t.out, "*")
	for scanner.Scan() {
		args := strings.Fields(scanner.Text())
		if len(args) > 0 {
			if args[0] == "quit" {
				return
			}
			if err := t.do(args[0], args[1:]); err != nil {
				fmt.Fprintln(t.out, "Error:", err)
			}
		}
		fmt.Fprint(t.out, "*")
	}
}

func (t *tester) do(cmd string, args []string) error {
	ctx := context.Background()
	count := 1
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			count = 0
		} else {
			count = n
		}
	}
	switch cmd {
	case "rewind", "weof", "fsf", "bsf", "fsr", "bsr", "eod", "scan", "test":
		if count <= 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		if err := t.open(cmd == "weof" || cmd == "test"); err != nil {
			return err
		}
	}
	switch cmd {
	case "rewind":
		return t.report(t.dev.Rewind())
	case "weof":
		return t.report(t.dev.WEOF(count))
	case "fsf":
		return t.report(t.dev.FSF(count))
	case "bsf":
		return t.report(t.dev.BSF(count))
	case "fsr":
		return t.report(t.dev.FSR(count))
	case "bsr":
		return t.report(t.dev.BSR(count))
	case "eod":
		return t.report(t.dev.EOD())
	case "label":
		if len(args) == 0 {
			return errors.New("label needs a volume name")
		}
		t.dev.Close()
		if err := t.reg.Label(ctx, t.dev.Name, args[0], *pool, 0); err != nil {
			return err
		}
		fmt.Fprintf(t.out, "Wrote label for volume %s\n", args[0])
	case "readlabel":
		vol, status, err := t.reg.ReadLabel(ctx, t.dev.Name, *volume)
		if err != nil {
			return errors.Wrap(err, status.String())
		}
		fmt.Fprintln(t.out, vol.String())
	case "status":
		t.status()
	case "scan":
		return t.scan()
	case "test":
		return t.test()
	default:
		return fmt.Errorf("unknown command %q, try quit", cmd)
	}
	return nil
}

// open opens the device unless it already is. Writing needs append mode.
func (t *tester) open(write bool) error {
	mode := device.ModeReadOnly
	if write {
		mode = device.ModeReadWrite
		if t.dev.IsFile() {
			mode = device.ModeCreateReadWrite
		}
	}
	if !t.dev.IsOpen() || (write && t.dev.OpenMode() == device.ModeReadOnly) {
		if err := t.dev.Open(*volume, mode); err != nil {
			return err
		}
	}
	if write {
		t.dev.SetAppend()
	}
	return nil
}

func (t *tester) report(err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintf(t.out, "At file %d block %d\n", t.dev.File, t.dev.BlockNum)
	return nil
}

func (t *tester) status() {
	s := t.dev.Status()
	w := tabwriter.NewWriter(t.out, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "Device:\t%s (%s)\n", s.Name, s.Archive)
	fmt.Fprintf(w, "Type:\t%s\n", s.Type)
	fmt.Fprintf(w, "MediaType:\t%s\n", s.MediaType)
	fmt.Fprintf(w, "Open:\t%v\n", s.Open)
	fmt.Fprintf(w, "Labeled:\t%v\n", s.Labeled)
	fmt.Fprintf(w, "Volume:\t%s\n", s.Volume)
	fmt.Fprintf(w, "Position:\t%d:%d\n", t.dev.File, t.dev.BlockNum)
	fmt.Fprintf(w, "AtEOF:\t%v\n", s.AtEOF)
	fmt.Fprintf(w, "AtEOT:\t%v\n", s.AtEOT)
	fmt.Fprintf(w, "Blocked:\t%s\n", s.Blocked)
	if err := t.dev.LastError(); err != nil {
		fmt.Fprintf(w, "LastError:\t%s\n", err.Error())
	}
	w.Flush()
}

// scan reads blocks from the current position to the end of data and
// prints the number of blocks and bytes in each file.
func (t *tester) scan() error {
	b := block.New(t.dev.MaxBlockSize)
	var blocks, bytes uint64
	file := t.dev.File
	for {
		err := t.dev.ReadBlock(b, true)
		switch errors.Cause(err) {
		case nil:
			blocks++
			bytes += uint64(b.BlockLen)
			continue
		case device.ErrEndOfFile:
			fmt.Fprintf(t.out, "File %d: %d blocks, %d bytes\n", file, blocks, bytes)
			blocks, bytes = 0, 0
			file = t.dev.File
			if !t.dev.IsTape() {
				return nil
			}
			continue
		case device.ErrEndOfTape:
			if blocks > 0 {
				fmt.Fprintf(t.out, "File %d: %d blocks, %d bytes\n", file, blocks, bytes)
			}
			fmt.Fprintln(t.out, "End of data")
			return nil
		}
		return err
	}
}

const testBlocks = 100

// test writes testBlocks blocks of records from the start of the volume,
// rewinds and reads them back.
func (t *tester) test() error {
	if err := t.dev.Rewind(); err != nil {
		return err
	}
	if err := t.dev.Truncate(); err != nil {
		return err
	}
	b := block.New(t.dev.MaxBlockSize)
	rec := &block.Record{VolSessionID: 1, VolSessionTime: 1, Stream: 1}
	data := make([]byte, t.dev.MaxBlockSize/4)
	written := util.NewHashWriter(nil)
	t.dev.SetNextBlockNumber(0)
	for i := 0; i < testBlocks; i++ {
		for j := range data {
			data[j] = byte(i + j)
		}
		written.Write(data)
		rec.FileIndex = int32(i + 1)
		rec.Data = data
		if !block.WriteRecord(b, rec) {
			return errors.Errorf("record %d does not fit in a block", i)
		}
		if err := t.dev.WriteBlock(b, nil); err != nil {
			return err
		}
		b.Empty()
	}
	if err := t.dev.WEOF(2); err != nil {
		return err
	}
	fmt.Fprintf(t.out, "Wrote %d blocks, rewinding\n", testBlocks)

	if err := t.dev.Rewind(); err != nil {
		return err
	}
	var got block.Record
	read := util.NewHashWriter(nil)
	for i := 0; i < testBlocks; i++ {
		if err := t.dev.ReadBlock(b, false); err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
		got.Reset()
		if !block.ReadRecord(b, &got) || got.FileIndex != int32(i+1) || len(got.Data) != len(data) {
			return errors.Errorf("block %d: read back %s", i, got.String())
		}
		read.Write(got.Data)
		b.Empty()
	}
	if !read.Same(written) {
		return errors.Errorf("data read back differs, md5 %x, wrote md5 %x", read.MD5(), written.MD5())
	}
	fmt.Fprintf(t.out, "Read back %d blocks, %d bytes, md5 %x, test passed\n", testBlocks, read.Len(), read.MD5())
	return nil
}
