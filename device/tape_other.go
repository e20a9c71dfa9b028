// +build !linux

package device

// TapeBackend is only available on Linux.
type TapeBackend struct {
	Path string
}

var _ tapeDrive = &TapeBackend{}

// NewTapeBackend returns a backend which fails every operation.
func NewTapeBackend(path string) *TapeBackend {
	return &TapeBackend{Path: path}
}

func (t *TapeBackend) sealed() {}

func (t *TapeBackend) Open(name string, mode OpenMode) error { return ErrNotSupported }
func (t *TapeBackend) Close() error                          { return nil }
func (t *TapeBackend) Read(p []byte) (int, error)            { return 0, ErrNotSupported }
func (t *TapeBackend) Write(p []byte) (int, error)           { return 0, ErrNotSupported }
func (t *TapeBackend) Op(op Op, count int32) error           { return ErrNotSupported }
func (t *TapeBackend) Position() (int32, int32, error)       { return 0, 0, ErrNotSupported }
