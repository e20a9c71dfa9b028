package device

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

// VirtualTape is a tape held in memory, optionally saved to an image file
// when closed and reloaded when opened. The image uses the SIMH tape
// format: each record is a little endian length word, the data, and the
// length word again. A zero word is a filemark and 0xffffffff ends the
// medium.
//
// Writing anywhere but at the end discards everything after the write
// position, like a real tape.
type VirtualTape struct {
	Path     string // image file, empty keeps the tape in memory only
	Capacity int64  // bytes of data the tape holds, 0 for no limit

	m        sync.Mutex
	recs     []vrecord
	pos      int
	file     int32
	blk      int32
	isOpen   bool
	readOnly bool
	offline  bool
}

type vrecord struct {
	data []byte
	mark bool
}

const (
	simhMark = 0
	simhEOM  = 0xffffffff
)

var _ tapeDrive = &VirtualTape{}

// NewVirtualTape returns an empty virtual tape.
func NewVirtualTape(path string, capacity int64) *VirtualTape {
	return &VirtualTape{Path: path, Capacity: capacity}
}

func (v *VirtualTape) sealed() {}

// Open rewinds the tape. If an image file exists it is loaded first.
func (v *VirtualTape) Open(name string, mode OpenMode) error {
	v.m.Lock()
	defer v.m.Unlock()
	if v.Path != "" && !v.isOpen {
		if err := v.load(); err != nil {
			return err
		}
	}
	v.isOpen = true
	v.readOnly = mode == ModeReadOnly
	v.offline = false
	v.rewind()
	return nil
}

// Close saves the image file if there is one.
func (v *VirtualTape) Close() error {
	v.m.Lock()
	defer v.m.Unlock()
	if !v.isOpen {
		return nil
	}
	v.isOpen = false
	if v.Path != "" && !v.readOnly {
		return v.save()
	}
	return nil
}

func (v *VirtualTape) check() error {
	if !v.isOpen {
		return syscall.EBADF
	}
	if v.offline {
		return ErrNoMedia
	}
	return nil
}

// Read returns the next record. At a filemark it returns 0 and moves past
// the mark. At the end of recorded data it keeps returning 0. A record
// longer than p is truncated.
func (v *VirtualTape) Read(p []byte) (int, error) {
	v.m.Lock()
	defer v.m.Unlock()
	if err := v.check(); err != nil {
		return 0, err
	}
	if v.pos >= len(v.recs) {
		return 0, nil
	}
	r := v.recs[v.pos]
	v.pos++
	if r.mark {
		v.file++
		v.blk = 0
		return 0, nil
	}
	v.blk++
	return copy(p, r.data), nil
}

// Write appends a record at the current position. A write that would pass
// Capacity fails with ENOSPC and writes nothing.
func (v *VirtualTape) Write(p []byte) (int, error) {
	v.m.Lock()
	defer v.m.Unlock()
	if err := v.check(); err != nil {
		return 0, err
	}
	if v.readOnly {
		return 0, syscall.EBADF
	}
	v.recs = v.recs[:v.pos]
	if v.Capacity > 0 && v.used()+int64(len(p)) > v.Capacity {
		return 0, syscall.ENOSPC
	}
	v.recs = append(v.recs, vrecord{data: append([]byte(nil), p...)})
	v.pos++
	v.blk++
	return len(p), nil
}

func (v *VirtualTape) used() int64 {
	var n int64
	for _, r := range v.recs {
		n += int64(len(r.data))
	}
	return n
}

// Op performs a tape operation.
func (v *VirtualTape) Op(op Op, count int32) error {
	v.m.Lock()
	defer v.m.Unlock()
	if op == OpLoad {
		v.offline = false
		v.rewind()
		return nil
	}
	if err := v.check(); err != nil {
		return err
	}
	switch op {
	case OpRewind:
		v.rewind()
	case OpOffline:
		v.rewind()
		v.offline = true
	case OpEOM:
		v.pos = len(v.recs)
		v.recount()
	case OpWEOF:
		if v.readOnly {
			return syscall.EBADF
		}
		v.recs = v.recs[:v.pos]
		for i := int32(0); i < count; i++ {
			v.recs = append(v.recs, vrecord{mark: true})
		}
		v.pos += int(count)
		v.file += count
		v.blk = 0
	case OpFSF:
		for i := int32(0); i < count; i++ {
			for {
				if v.pos >= len(v.recs) {
					v.recount()
					return syscall.EIO
				}
				v.pos++
				if v.recs[v.pos-1].mark {
					break
				}
			}
			v.file++
			v.blk = 0
		}
	case OpBSF:
		for i := int32(0); i < count; i++ {
			for {
				if v.pos == 0 {
					v.recount()
					return syscall.EIO
				}
				v.pos--
				if v.recs[v.pos].mark {
					break
				}
			}
		}
		v.recount()
	case OpFSR:
		for i := int32(0); i < count; i++ {
			if v.pos >= len(v.recs) {
				return syscall.EIO
			}
			v.pos++
			if v.recs[v.pos-1].mark {
				v.file++
				v.blk = 0
				return syscall.EIO
			}
			v.blk++
		}
	case OpBSR:
		for i := int32(0); i < count; i++ {
			if v.pos == 0 || v.recs[v.pos-1].mark {
				return syscall.EIO
			}
			v.pos--
			v.blk--
		}
	case OpLock, OpUnlock:
	default:
		return ErrNotSupported
	}
	return nil
}

// Position returns the current file and block number.
func (v *VirtualTape) Position() (int32, int32, error) {
	v.m.Lock()
	defer v.m.Unlock()
	if err := v.check(); err != nil {
		return 0, 0, err
	}
	return v.file, v.blk, nil
}

// Files returns the number of filemarks on the tape.
func (v *VirtualTape) Files() int {
	v.m.Lock()
	defer v.m.Unlock()
	var n int
	for _, r := range v.recs {
		if r.mark {
			n++
		}
	}
	return n
}

// Records returns the number of data records on the tape.
func (v *VirtualTape) Records() int {
	v.m.Lock()
	defer v.m.Unlock()
	var n int
	for _, r := range v.recs {
		if !r.mark {
			n++
		}
	}
	return n
}

// Erase discards the whole tape.
func (v *VirtualTape) Erase() {
	v.m.Lock()
	v.recs = nil
	v.rewind()
	v.m.Unlock()
}

func (v *VirtualTape) rewind() {
	v.pos = 0
	v.file = 0
	v.blk = 0
}

// recount derives file and block numbers from pos.
func (v *VirtualTape) recount() {
	v.file = 0
	v.blk = 0
	for _, r := range v.recs[:v.pos] {
		if r.mark {
			v.file++
			v.blk = 0
		} else {
			v.blk++
		}
	}
}

func (v *VirtualTape) load() error {
	f, err := os.Open(v.Path)
	if os.IsNotExist(err) {
		v.recs = nil
		return nil
	} else if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	var recs []vrecord
	for {
		var n uint32
		err := binary.Read(r, binary.LittleEndian, &n)
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, v.Path)
		}
		if n == simhEOM {
			break
		}
		if n == simhMark {
			recs = append(recs, vrecord{mark: true})
			continue
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return errors.Wrap(err, v.Path)
		}
		var trailer uint32
		if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
			return errors.Wrap(err, v.Path)
		}
		if trailer != n {
			return errors.Errorf("%s: record header %d does not match trailer %d", v.Path, n, trailer)
		}
		recs = append(recs, vrecord{data: data})
	}
	v.recs = recs
	return nil
}

func (v *VirtualTape) save() error {
	f, err := os.Create(v.Path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, r := range v.recs {
		if r.mark {
			binary.Write(w, binary.LittleEndian, uint32(simhMark))
			continue
		}
		n := uint32(len(r.data))
		binary.Write(w, binary.LittleEndian, n)
		w.Write(r.data)
		binary.Write(w, binary.LittleEndian, n)
	}
	binary.Write(w, binary.LittleEndian, uint32(simhEOM))
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
