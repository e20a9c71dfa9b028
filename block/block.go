// Package block implements the on-media container format used by the storage
// daemon. Data records are packed into fixed capacity blocks. Every block
// starts with a header carrying a CRC32 checksum, the block length, a block
// number and a four byte format identifier. Records that do not fit the
// space left in a block are split, and the pieces after the first carry a
// negated stream number.
//
// Everything here is pure data transformation. Devices read and write whole
// blocks through this package, but no I/O happens in it.
package block

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// Version identifies the block header layout.
type Version int

const (
	// V1 blocks have no session information in the block header. Each
	// record header carries its own session id and time.
	V1 Version = 1
	// V2 blocks carry the session id and time in the block header, and
	// record headers omit them.
	V2 Version = 2
)

const (
	// HeaderV1Len is the size of a version 1 block header.
	HeaderV1Len = 16
	// HeaderV2Len is the size of a version 2 block header.
	HeaderV2Len = 24
	// RecordHeaderV1Len is the size of a version 1 record header.
	RecordHeaderV1Len = 20
	// RecordHeaderV2Len is the size of a version 2 record header.
	RecordHeaderV2Len = 12

	// MaxBlockLen is the sanity ceiling for a block length read from media.
	MaxBlockLen = 500001
	// TapeSectorSize is the smallest physical block on tape.
	TapeSectorSize = 512
	// DefaultSize is the default block capacity.
	DefaultSize = TapeSectorSize * 126

	checksumLen = 4
	idLen       = 4
)

const (
	idV1 = "BB01"
	idV2 = "BB02"
)

var (
	// ErrBadID means the block header did not carry a known format
	// identifier.
	ErrBadID = errors.New("volume data error: bad block id")

	// ErrChecksum means the stored checksum did not match the contents.
	ErrChecksum = errors.New("volume data error: block checksum mismatch")

	// ErrInsaneLength means the header claims a block longer than MaxBlockLen.
	ErrInsaneLength = errors.New("volume data error: block length is insane")

	// ErrShortBlock means fewer bytes were read than the header promised.
	ErrShortBlock = errors.New("volume data error: short block")
)

// A Block is one buffer written or read by a single device I/O.
//
// Writers always produce V2 blocks. Readers accept both versions.
type Block struct {
	Buf []byte // capacity is len(Buf)

	// used counts the bytes filled in Buf, header included. On read it is
	// the number of bytes not yet consumed by record reading.
	used int
	pos  int

	BlockLen    uint32 // length from the header on read, padded length on write
	ReadLen     uint32 // bytes returned by the last device read
	BlockNumber uint32
	Checksum    uint32
	Version     Version

	VolSessionID   uint32
	VolSessionTime uint32

	// FirstIndex and LastIndex are the lowest and highest positive file
	// indexes of records that start in this block.
	FirstIndex int32
	LastIndex  int32

	// ReadErrors counts data errors seen by this block buffer. Only the
	// first one is reported in detail.
	ReadErrors int

	// Read is set once the block holds data read from a device.
	Read bool
}

// New returns an empty block with the given capacity. A size of 0 selects
// DefaultSize.
func New(size int) *Block {
	if size <= 0 {
		size = DefaultSize
	}
	b := &Block{Buf: make([]byte, size)}
	b.Empty()
	return b
}

// Empty resets the block for writing.
func (b *Block) Empty() {
	b.used = HeaderV2Len
	b.pos = HeaderV2Len
	b.FirstIndex = 0
	b.LastIndex = 0
	b.Version = V2
	b.Read = false
	b.BlockLen = 0
	b.ReadLen = 0
}

// Resize replaces the buffer with one of the given size and empties the
// block.
func (b *Block) Resize(size int) {
	b.Buf = make([]byte, size)
	b.Empty()
}

// IsEmpty returns true when no record bytes have been placed in the block.
func (b *Block) IsEmpty() bool {
	return b.used <= HeaderV2Len
}

// Len returns the number of bytes used by the block being written, header
// included.
func (b *Block) Len() int {
	return b.used
}

// Avail returns how many bytes may still be written into the block.
func (b *Block) Avail() int {
	return len(b.Buf) - b.used
}

// Remaining returns how many bytes of a block being read have not yet been
// consumed by record reading.
func (b *Block) Remaining() int {
	return b.used
}

// Discard marks the rest of a block being read as consumed.
func (b *Block) Discard() {
	b.used = 0
}

// PaddedLen returns the number of bytes to write for this block. Devices
// that need fixed or minimum blocking pass their sizes, everything else
// writes exactly Len bytes.
func (b *Block) PaddedLen(tape bool, minSize, maxSize int) int {
	wlen := b.used
	if !tape {
		return wlen
	}
	if minSize == maxSize && maxSize != 0 {
		// fixed block size
		wlen = maxSize
	} else {
		if wlen < minSize {
			wlen = minSize
		}
		if rem := wlen % TapeSectorSize; rem != 0 {
			wlen += TapeSectorSize - rem
		}
	}
	if wlen > len(b.Buf) {
		wlen = len(b.Buf)
	}
	return wlen
}

// SerializeHeader writes a V2 header for a block of wlen bytes, zero filling
// any padding, and computes the checksum. The checksum covers bytes 4 up to
// wlen.
func (b *Block) SerializeHeader(wlen int) {
	for i := b.used; i < wlen; i++ {
		b.Buf[i] = 0
	}
	b.BlockLen = uint32(wlen)
	binary.BigEndian.PutUint32(b.Buf[4:], b.BlockLen)
	binary.BigEndian.PutUint32(b.Buf[8:], b.BlockNumber)
	copy(b.Buf[12:16], idV2)
	binary.BigEndian.PutUint32(b.Buf[16:], b.VolSessionID)
	binary.BigEndian.PutUint32(b.Buf[20:], b.VolSessionTime)
	b.Checksum = crc32.ChecksumIEEE(b.Buf[checksumLen:wlen])
	binary.BigEndian.PutUint32(b.Buf[0:], b.Checksum)
	b.Version = V2
}

// Bytes returns the first n bytes of the buffer, used after SerializeHeader.
func (b *Block) Bytes(n int) []byte {
	return b.Buf[:n]
}

// UnserializeHeader decodes the header of a block just read into Buf. The
// number of bytes actually read must be in ReadLen. With forge set a
// checksum mismatch is counted but does not fail. The returned error is one
// of the package sentinels wrapped with position details.
func (b *Block) UnserializeHeader(forge bool) error {
	buf := b.Buf
	b.Checksum = binary.BigEndian.Uint32(buf[0:])
	blockLen := binary.BigEndian.Uint32(buf[4:])
	number := binary.BigEndian.Uint32(buf[8:])
	id := string(buf[12:16])

	var hlen int
	switch id {
	case idV1:
		hlen = HeaderV1Len
		b.Version = V1
	case idV2:
		hlen = HeaderV2Len
		b.Version = V2
		b.VolSessionID = binary.BigEndian.Uint32(buf[16:])
		b.VolSessionTime = binary.BigEndian.Uint32(buf[20:])
	default:
		b.ReadErrors++
		return errors.Wrapf(ErrBadID, "wanted %q got %q", idV2, id)
	}

	if blockLen > MaxBlockLen {
		b.ReadErrors++
		return errors.Wrapf(ErrInsaneLength, "length %d", blockLen)
	}

	end := blockLen
	if end > b.ReadLen {
		end = b.ReadLen
	}
	if int(end) < hlen {
		b.ReadErrors++
		return errors.Wrapf(ErrShortBlock, "block length %d", blockLen)
	}
	b.BlockLen = blockLen
	b.BlockNumber = number
	b.pos = hlen
	b.used = int(end) - hlen
	b.FirstIndex = 0
	b.LastIndex = 0

	if blockLen <= b.ReadLen {
		sum := crc32.ChecksumIEEE(buf[checksumLen:blockLen])
		if sum != b.Checksum {
			b.ReadErrors++
			if !forge {
				return errors.Wrapf(ErrChecksum,
					"block=%d len=%d calc=%x blk=%x", number, blockLen, sum, b.Checksum)
			}
		}
	}
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("block %d v%d len=%d used=%d", b.BlockNumber, b.Version, b.BlockLen, b.used)
}
