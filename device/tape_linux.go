// +build linux

package device

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	mtiocTop = 0x40086d01
	mtiocGet = 0x80306d02
)

type mtop struct {
	op    int16
	pad   int16
	count int32
}

// mtget mirrors the kernel structure on 64 bit platforms.
type mtget struct {
	typ    int64
	resid  int64
	dsreg  int64
	gstat  int64
	erreg  int64
	fileno int32
	blkno  int32
}

// TapeBackend drives a tape through the Linux st driver.
type TapeBackend struct {
	Path string
	f    *os.File
}

var _ tapeDrive = &TapeBackend{}

// NewTapeBackend returns a backend for the tape device at path.
func NewTapeBackend(path string) *TapeBackend {
	return &TapeBackend{Path: path}
}

func (t *TapeBackend) sealed() {}

// Open opens the drive without blocking, so an empty drive does not hang
// the caller, then switches the descriptor back to blocking I/O.
func (t *TapeBackend) Open(name string, mode OpenMode) error {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
	flags := os.O_RDWR
	if mode == ModeReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(t.Path, flags|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(int(f.Fd()), false); err != nil {
		f.Close()
		return err
	}
	t.f = f
	return nil
}

func (t *TapeBackend) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}

func (t *TapeBackend) Read(p []byte) (int, error) {
	if t.f == nil {
		return 0, unix.EBADF
	}
	return unix.Read(int(t.f.Fd()), p)
}

func (t *TapeBackend) Write(p []byte) (int, error) {
	if t.f == nil {
		return 0, unix.EBADF
	}
	return unix.Write(int(t.f.Fd()), p)
}

// Op issues an MTIOCTOP request.
func (t *TapeBackend) Op(op Op, count int32) error {
	if t.f == nil {
		return unix.EBADF
	}
	arg := mtop{op: int16(op), count: count}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), mtiocTop, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return errno
	}
	return nil
}

// Position asks the driver for the current file and block number.
func (t *TapeBackend) Position() (int32, int32, error) {
	if t.f == nil {
		return 0, 0, unix.EBADF
	}
	var st mtget
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), mtiocGet, uintptr(unsafe.Pointer(&st)))
	if errno != 0 {
		return 0, 0, errno
	}
	return st.fileno, st.blkno, nil
}
