package util

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"hash"
	"io"
)

// A HashWriter wraps an io.Writer and computes the MD5 and SHA256 of
// everything written through it. The tape test program runs the data it
// writes to a volume and the data it reads back through one each and
// compares them.
type HashWriter struct {
	io.Writer
	md5    hash.Hash
	sha256 hash.Hash
	n      int64
}

// NewHashWriter returns a HashWriter wrapping w. A nil w only computes the
// checksums.
func NewHashWriter(w io.Writer) *HashWriter {
	hw := &HashWriter{
		md5:    md5.New(),
		sha256: sha256.New(),
	}
	if w == nil {
		hw.Writer = io.MultiWriter(hw.md5, hw.sha256)
	} else {
		hw.Writer = io.MultiWriter(w, hw.md5, hw.sha256)
	}
	return hw
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.Writer.Write(p)
	hw.n += int64(n)
	return n, err
}

// Len returns the number of bytes written.
func (hw *HashWriter) Len() int64 {
	return hw.n
}

// MD5 returns the MD5 of what has been written so far.
func (hw *HashWriter) MD5() []byte {
	return hw.md5.Sum(nil)
}

// SHA256 returns the SHA256 of what has been written so far.
func (hw *HashWriter) SHA256() []byte {
	return hw.sha256.Sum(nil)
}

// Same returns true when both writers have seen identical data.
func (hw *HashWriter) Same(other *HashWriter) bool {
	return hw.n == other.n &&
		bytes.Equal(hw.MD5(), other.MD5()) &&
		bytes.Equal(hw.SHA256(), other.SHA256())
}
