package label

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"
)

// maxNameLen bounds every string field of a label, terminator included.
const maxNameLen = 128

// ErrTruncated means a label record ended before all of its fields were read.
var ErrTruncated = errors.New("label record is truncated")

// encoder appends big-endian fields. Strings are written with a trailing NUL.
type encoder struct {
	bytes.Buffer
}

func (e *encoder) uint32(v uint32) {
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], v)
	e.Write(p[:])
}

func (e *encoder) uint64(v uint64) {
	var p [8]byte
	binary.BigEndian.PutUint64(p[:], v)
	e.Write(p[:])
}

func (e *encoder) float64(v float64) {
	e.uint64(math.Float64bits(v))
}

// btime is a count of microseconds since the Unix epoch.
func (e *encoder) btime(t time.Time) {
	if t.IsZero() {
		e.uint64(0)
		return
	}
	e.uint64(uint64(t.UnixNano() / 1000))
}

func (e *encoder) string(s string) {
	if len(s) >= maxNameLen {
		s = s[:maxNameLen-1]
	}
	e.WriteString(s)
	e.WriteByte(0)
}

// decoder reads fields back. The first error sticks and every later read
// returns a zero value, so callers check err once at the end.
type decoder struct {
	p   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.p) < n {
		d.err = ErrTruncated
		return nil
	}
	v := d.p[:n]
	d.p = d.p[n:]
	return v
}

func (d *decoder) uint32() uint32 {
	p := d.take(4)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint32(p)
}

func (d *decoder) uint64() uint64 {
	p := d.take(8)
	if p == nil {
		return 0
	}
	return binary.BigEndian.Uint64(p)
}

func (d *decoder) float64() float64 {
	return math.Float64frombits(d.uint64())
}

func (d *decoder) btime() time.Time {
	v := int64(d.uint64())
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v/1e6, (v%1e6)*1000).UTC()
}

func (d *decoder) string() string {
	if d.err != nil {
		return ""
	}
	i := bytes.IndexByte(d.p, 0)
	if i < 0 {
		d.err = ErrTruncated
		return ""
	}
	if i >= maxNameLen {
		d.err = errors.Wrapf(ErrTruncated, "string field of %d bytes", i)
		return ""
	}
	s := string(d.p[:i])
	d.p = d.p[i+1:]
	return s
}

// julianEpoch is the Julian day number of 1970-01-01.
const julianEpoch = 2440588

// fromJulian converts the legacy day number and day fraction pair.
func fromJulian(day, fraction float64) time.Time {
	if day == 0 {
		return time.Time{}
	}
	secs := (day - julianEpoch + fraction) * 86400
	return time.Unix(int64(secs), 0).UTC()
}
