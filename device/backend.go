package device

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// OpenMode says how a volume is opened.
type OpenMode int

const (
	ModeReadOnly OpenMode = iota + 1
	ModeReadWrite
	ModeCreateReadWrite
)

func (m OpenMode) String() string {
	switch m {
	case ModeReadOnly:
		return "read only"
	case ModeReadWrite:
		return "read write"
	case ModeCreateReadWrite:
		return "create read write"
	}
	return "unknown mode"
}

func (m OpenMode) flags() int {
	switch m {
	case ModeReadOnly:
		return os.O_RDONLY
	case ModeCreateReadWrite:
		return os.O_RDWR | os.O_CREATE
	}
	return os.O_RDWR
}

// Op is a magnetic tape operation. The values are those of the Linux st
// driver.
type Op int16

const (
	OpFSF     Op = 1
	OpBSF     Op = 2
	OpFSR     Op = 3
	OpBSR     Op = 4
	OpWEOF    Op = 5
	OpRewind  Op = 6
	OpOffline Op = 7
	OpEOM     Op = 12
	OpSeek    Op = 22
	OpLock    Op = 28
	OpUnlock  Op = 29
	OpLoad    Op = 30
)

// A Backend moves bytes to and from the medium. The set of backends is
// closed: files, Linux tape drives and virtual tapes. Device code switches on
// the two refinements below.
type Backend interface {
	// Open opens the named volume. Tape backends ignore the name.
	Open(name string, mode OpenMode) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)

	sealed()
}

// tapeDrive is a backend with tape semantics: filemarks, and spacing by
// files and records.
type tapeDrive interface {
	Backend
	Op(op Op, count int32) error
	Position() (file, block int32, err error)
}

// fileStore is a backend where each volume is a random access file.
type fileStore interface {
	Backend
	Seek(offset int64, whence int) (int64, error)
	Truncate() error
}

// FileBackend keeps each volume as a file in a directory.
type FileBackend struct {
	Dir string
	f   *os.File
}

var _ fileStore = &FileBackend{}

// NewFileBackend returns a backend for volumes in dir.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{Dir: dir}
}

func (fb *FileBackend) sealed() {}

// Open opens the volume file. An empty name is not allowed.
func (fb *FileBackend) Open(name string, mode OpenMode) error {
	if name == "" {
		return ErrNoVolumeName
	}
	if fb.f != nil {
		fb.f.Close()
		fb.f = nil
	}
	f, err := os.OpenFile(filepath.Join(fb.Dir, filepath.Base(name)), mode.flags(), 0640)
	if err != nil {
		return err
	}
	fb.f = f
	return nil
}

func (fb *FileBackend) Close() error {
	if fb.f == nil {
		return nil
	}
	err := fb.f.Close()
	fb.f = nil
	return err
}

func (fb *FileBackend) Read(p []byte) (int, error) {
	if fb.f == nil {
		return 0, syscall.EBADF
	}
	n, err := fb.f.Read(p)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (fb *FileBackend) Write(p []byte) (int, error) {
	if fb.f == nil {
		return 0, syscall.EBADF
	}
	return fb.f.Write(p)
}

func (fb *FileBackend) Seek(offset int64, whence int) (int64, error) {
	if fb.f == nil {
		return 0, syscall.EBADF
	}
	return fb.f.Seek(offset, whence)
}

// Truncate empties the open volume file.
func (fb *FileBackend) Truncate() error {
	if fb.f == nil {
		return syscall.EBADF
	}
	if err := fb.f.Truncate(0); err != nil {
		return err
	}
	_, err := fb.f.Seek(0, io.SeekStart)
	return err
}
