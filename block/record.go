package block

import (
	"encoding/binary"
	"fmt"
)

// Reserved file index values. A record with a negative file index is a
// label, never user data.
const (
	PreLabel       int32 = -1
	VolLabel       int32 = -2
	EndOfMedium    int32 = -3
	StartOfSession int32 = -4
	EndOfSession   int32 = -5
)

// LabelName returns a printable name for a reserved file index.
func LabelName(fi int32) string {
	switch fi {
	case PreLabel:
		return "PRE_LABEL"
	case VolLabel:
		return "VOL_LABEL"
	case EndOfMedium:
		return "EOM_LABEL"
	case StartOfSession:
		return "SOS_LABEL"
	case EndOfSession:
		return "EOS_LABEL"
	}
	return fmt.Sprintf("FI=%d", fi)
}

// ReadFlags describe what happened during the last call to ReadRecord.
type ReadFlags uint

const (
	// NoHeader means there was not enough room left in the block for a
	// record header.
	NoHeader ReadFlags = 1 << iota
	// PartialRecord means the record continues in the next block.
	PartialRecord
	// BlockEmpty means the block has been consumed.
	BlockEmpty
	// SessionMismatch means the record belongs to another session than
	// the partial record being accumulated.
	SessionMismatch
	// Continuation means the header just read had a negative stream.
	Continuation
)

func (f ReadFlags) String() string {
	var s string
	names := []string{"NoHeader", "PartialRecord", "BlockEmpty", "SessionMismatch", "Continuation"}
	for i, n := range names {
		if f&(1<<uint(i)) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	return s
}

type writeState int

const (
	stNone writeState = iota
	stHeader
	stContHeader
	stData
)

// A Record is one unit of application data.
//
// For writing, set the session, FileIndex, Stream and Data fields and call
// WriteRecord until it returns true. For reading, reuse one Record across
// calls to ReadRecord; Data accumulates the pieces of a split record.
type Record struct {
	VolSessionID   uint32
	VolSessionTime uint32
	FileIndex      int32
	Stream         int32
	Data           []byte

	// Remainder is the number of bytes of Data not yet written. Before the
	// header of a fresh record is placed it holds len(Data) plus the header
	// length. On read it is non-zero while a split record is incomplete.
	Remainder uint32

	// Flags are set by ReadRecord.
	Flags ReadFlags

	// File and Block give the device position of the block in which
	// the record was read. Set by the caller.
	File  uint32
	Block uint32

	wstate writeState
}

// Reset clears the record for reuse.
func (r *Record) Reset() {
	r.Data = r.Data[:0]
	r.Remainder = 0
	r.Flags = 0
	r.wstate = stNone
}

// IsLabel returns true when the record is a structural label.
func (r *Record) IsLabel() bool {
	return r.FileIndex < 0
}

func (r *Record) String() string {
	return fmt.Sprintf("%s sess=%d/%d stream=%d len=%d",
		LabelName(r.FileIndex), r.VolSessionID, r.VolSessionTime, r.Stream, len(r.Data))
}

// WriteRecord places as much of r into b as fits. It returns true once the
// whole record is in blocks. When it returns false the caller must write
// out b, empty it and call WriteRecord again with the same record.
// A record header is never split between blocks.
func WriteRecord(b *Block, r *Record) bool {
	for {
		switch r.wstate {
		case stNone:
			r.Remainder = uint32(len(r.Data)) + RecordHeaderV2Len
			r.wstate = stHeader
		case stHeader:
			if !writeHeader(b, r, r.Stream) {
				return false
			}
			if b.Avail() == 0 && r.Remainder > 0 {
				r.wstate = stContHeader
				return false
			}
			r.wstate = stData
		case stContHeader:
			if !writeHeader(b, r, -r.Stream) {
				// an empty block must hold a header
				return false
			}
			if b.Avail() == 0 && r.Remainder > 0 {
				return false
			}
			r.wstate = stData
		case stData:
			if !writeData(b, r) {
				r.wstate = stContHeader
				return false
			}
			r.Remainder = 0
			r.wstate = stNone
			return true
		}
	}
}

// writeHeader serializes a V2 record header. A fresh record (Remainder
// greater than its length) gets its own stream and full length. A
// continuation gets the negated stream and the remaining length.
func writeHeader(b *Block, r *Record, stream int32) bool {
	if b.Avail() < RecordHeaderV2Len {
		if r.wstate == stHeader {
			r.Remainder = uint32(len(r.Data)) + RecordHeaderV2Len
		}
		return false
	}
	b.VolSessionID = r.VolSessionID
	b.VolSessionTime = r.VolSessionTime
	p := b.Buf[b.used:]
	binary.BigEndian.PutUint32(p[0:], uint32(r.FileIndex))
	dataLen := uint32(len(r.Data))
	if r.Remainder > dataLen {
		binary.BigEndian.PutUint32(p[4:], uint32(r.Stream))
		binary.BigEndian.PutUint32(p[8:], dataLen)
		r.Remainder = dataLen
	} else {
		if stream > 0 {
			stream = -stream
		}
		binary.BigEndian.PutUint32(p[4:], uint32(stream))
		binary.BigEndian.PutUint32(p[8:], r.Remainder)
	}
	b.used += RecordHeaderV2Len
	if r.FileIndex > 0 {
		if b.FirstIndex == 0 {
			b.FirstIndex = r.FileIndex
		}
		b.LastIndex = r.FileIndex
	}
	return true
}

// writeData copies the unwritten tail of r.Data into b. It returns false
// if only part of it fit.
func writeData(b *Block, r *Record) bool {
	start := uint32(len(r.Data)) - r.Remainder
	n := copy(b.Buf[b.used:], r.Data[start:])
	b.used += n
	r.Remainder -= uint32(n)
	return r.Remainder == 0
}

// NextSession returns the session of the next record header in a block
// being read. ok is false when no complete header is left.
func NextSession(b *Block) (sessID, sessTime uint32, ok bool) {
	if b.Version == V1 {
		if b.used < RecordHeaderV1Len {
			return 0, 0, false
		}
		p := b.Buf[b.pos:]
		return binary.BigEndian.Uint32(p[0:]), binary.BigEndian.Uint32(p[4:]), true
	}
	if b.used < RecordHeaderV2Len {
		return 0, 0, false
	}
	return b.VolSessionID, b.VolSessionTime, true
}

// ReadRecord extracts the next record fragment from a block being read. It
// returns false when the block has no complete header left or when the
// header belongs to a different session than the partial record in r; the
// Flags say which. It returns true when a header and the payload present in
// this block were consumed. If the record continues in the next block the
// PartialRecord flag is set and the caller must read the next block and
// call again.
func ReadRecord(b *Block, r *Record) bool {
	r.Flags = 0
	hlen := RecordHeaderV2Len
	if b.Version == V1 {
		hlen = RecordHeaderV1Len
	}
	if b.used < hlen {
		r.Flags |= NoHeader | BlockEmpty
		b.used = 0
		return false
	}

	p := b.Buf[b.pos:]
	var sessID, sessTime uint32
	if b.Version == V1 {
		sessID = binary.BigEndian.Uint32(p[0:])
		sessTime = binary.BigEndian.Uint32(p[4:])
		p = p[8:]
	} else {
		sessID = b.VolSessionID
		sessTime = b.VolSessionTime
	}
	fileIndex := int32(binary.BigEndian.Uint32(p[0:]))
	stream := int32(binary.BigEndian.Uint32(p[4:]))
	dataBytes := binary.BigEndian.Uint32(p[8:])

	// If we are accumulating a split record, a header from another
	// session is not ours. Leave it in the block for another reader.
	if r.Remainder != 0 && (r.VolSessionID != sessID || r.VolSessionTime != sessTime) {
		r.Flags |= SessionMismatch
		return false
	}

	if stream < 0 && r.Remainder != 0 && r.Stream != -stream {
		r.Flags |= SessionMismatch
		return false
	}

	b.pos += hlen
	b.used -= hlen

	if stream < 0 {
		r.Flags |= Continuation
		if r.Remainder == 0 {
			// nothing was accumulated, return the piece as-is
			r.Data = r.Data[:0]
		}
		r.Stream = -stream
	} else {
		r.Stream = stream
		r.Data = r.Data[:0]
	}
	r.VolSessionID = sessID
	r.VolSessionTime = sessTime
	r.FileIndex = fileIndex
	if fileIndex > 0 {
		if b.FirstIndex == 0 {
			b.FirstIndex = fileIndex
		}
		b.LastIndex = fileIndex
	}

	if dataBytes >= MaxBlockLen {
		r.Flags |= NoHeader | BlockEmpty
		b.used = 0
		r.Remainder = 0
		return false
	}

	// transfer what is present in this block
	n := dataBytes
	if n > uint32(b.used) {
		n = uint32(b.used)
	}
	r.Data = append(r.Data, b.Buf[b.pos:b.pos+int(n)]...)
	b.pos += int(n)
	b.used -= int(n)
	if n < dataBytes {
		r.Remainder = dataBytes - n
		r.Flags |= PartialRecord | BlockEmpty
		return true
	}
	r.Remainder = 0
	return true
}
