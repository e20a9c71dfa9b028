package label

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/charmap"
)

// Kind selects which labels are written in front of the native label.
type Kind int

const (
	Native Kind = iota
	ANSI
	IBM
)

// ParseKind maps a configuration value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "native", "bacula":
		return Native, nil
	case "ansi":
		return ANSI, nil
	case "ibm":
		return IBM, nil
	}
	return Native, fmt.Errorf("unknown label type %q", s)
}

func (k Kind) String() string {
	switch k {
	case ANSI:
		return "ansi"
	case IBM:
		return "ibm"
	}
	return "native"
}

// Section is the kind of header group written.
type Section int

const (
	SectionHDR Section = iota
	SectionEOF
	SectionEOV
)

var sectionNames = [...]string{"HDR", "EOF", "EOV"}

const (
	// ANSIRecordLen is the size of every interchange label record.
	ANSIRecordLen = 80
	// ANSINameLen is the longest volume name an interchange label holds.
	ANSINameLen = 6

	ansiFileID   = "BACULA.DATA"
	ansiSoftware = " 000000Bacula              "
	maxANSIRecs  = 6
)

var (
	// ErrNoANSILabel means the first record was not a VOL1 label.
	ErrNoANSILabel = errors.New("no VOL1 label")

	// ErrANSILabel means the header group was malformed.
	ErrANSILabel = errors.New("bad ANSI/IBM label")

	// ErrANSIName means the VOL1 label names another volume, or the file
	// was not written by us.
	ErrANSIName = errors.New("ANSI/IBM volume name mismatch")
)

func blankRecord() []byte {
	return bytes.Repeat([]byte{' '}, ANSIRecordLen)
}

func padName(volume string) (string, error) {
	if len(volume) > ANSINameLen {
		return "", errors.Errorf("ANSI volume label name %q longer than %d chars", volume, ANSINameLen)
	}
	return volume + strings.Repeat(" ", ANSINameLen-len(volume)), nil
}

// ansiDate formats t as " YYDDD".
func ansiDate(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf(" %05d", 1000*(t.Year()-2000)+t.YearDay()-1)[:6]
}

// VOL1 returns the volume label record.
func VOL1(kind Kind, volume string) ([]byte, error) {
	name, err := padName(volume)
	if err != nil {
		return nil, err
	}
	p := blankRecord()
	copy(p, "VOL1")
	copy(p[4:], name)
	if kind == IBM {
		toEBCDIC(p)
	} else {
		p[79] = '3'
	}
	return p, nil
}

// Headers returns the two header records of a section. They are followed
// on media by a filemark.
func Headers(kind Kind, sec Section, volume string, now time.Time) (hdr1, hdr2 []byte, err error) {
	name, err := padName(volume)
	if err != nil {
		return nil, nil, err
	}
	hdr1 = blankRecord()
	copy(hdr1, sectionNames[sec])
	hdr1[3] = '1'
	copy(hdr1[4:], ansiFileID)
	copy(hdr1[21:], name)
	copy(hdr1[27:], "00010001000100")
	copy(hdr1[41:], ansiDate(now))
	copy(hdr1[47:], ansiDate(now.Add(-24*time.Hour)))
	copy(hdr1[53:], ansiSoftware)

	hdr2 = blankRecord()
	copy(hdr2, sectionNames[sec])
	copy(hdr2[3:], "2D3200032000")
	if kind == IBM {
		hdr2[4] = 'V'
		toEBCDIC(hdr1)
		toEBCDIC(hdr2)
	}
	return hdr1, hdr2, nil
}

// SameName compares a volume name against the blank padded name field of
// a VOL1 record.
func SameName(volume string, field []byte) bool {
	if len(field) > ANSINameLen {
		field = field[:ANSINameLen]
	}
	return strings.TrimRight(string(field), " ") == volume
}

// ReadANSI reads the interchange labels at the start of a tape through read,
// which returns one device record per call and 0 at a filemark. want is the
// expected volume name, empty or "*" accepts anything. It returns the kind of
// labels found and the volume name from VOL1.
func ReadANSI(read func(p []byte) (int, error), want string) (Kind, string, error) {
	kind := Native
	var name string
	buf := make([]byte, ANSIRecordLen)
	atEOF := false
	for i := 0; i < maxANSIRecs; i++ {
		n, err := read(buf)
		if err != nil {
			return kind, name, errors.Wrap(err, "read error in ANSI label")
		}
		if n == 0 {
			if atEOF {
				return kind, name, errors.Wrap(ErrANSILabel, "end of tape while reading ANSI label")
			}
			atEOF = true
		} else {
			atEOF = false
		}
		p := buf[:n]
		switch i {
		case 0:
			if n != ANSIRecordLen {
				return kind, name, ErrNoANSILabel
			}
			if bytes.HasPrefix(p, []byte("VOL1")) {
				kind = ANSI
			} else {
				fromEBCDIC(p)
				if !bytes.HasPrefix(p, []byte("VOL1")) {
					return Native, name, ErrNoANSILabel
				}
				kind = IBM
			}
			name = strings.TrimRight(string(p[4:4+ANSINameLen]), " ")
			if want != "" && want != "*" && !SameName(want, p[4:]) {
				return kind, name, errors.Wrapf(ErrANSIName, "wanted %q got %q", want, name)
			}
		case 1:
			if kind == IBM {
				fromEBCDIC(p)
			}
			if n != ANSIRecordLen || !bytes.HasPrefix(p, []byte("HDR1")) {
				return kind, name, errors.Wrap(ErrANSILabel, "no HDR1 label")
			}
			if !bytes.HasPrefix(p[4:], []byte(ansiFileID)) {
				return kind, name, errors.Wrapf(ErrANSIName, "volume %q does not belong to us", name)
			}
		case 2:
			if kind == IBM {
				fromEBCDIC(p)
			}
			if n != ANSIRecordLen || !bytes.HasPrefix(p, []byte("HDR2")) {
				return kind, name, errors.Wrap(ErrANSILabel, "no HDR2 label")
			}
		default:
			if n == 0 {
				return kind, name, nil
			}
			if kind == IBM {
				fromEBCDIC(p)
			}
			if n != ANSIRecordLen || !bytes.HasPrefix(p, []byte("HDR")) {
				return kind, name, errors.Wrap(ErrANSILabel, "unknown or bad label record")
			}
		}
	}
	return kind, name, errors.Wrap(ErrANSILabel, "too many records")
}

// IsANSIRecord reports whether p is an interchange label record, in ASCII
// or EBCDIC: exactly ANSIRecordLen bytes starting with VOL1, HDR, EOF or EOV.
func IsANSIRecord(p []byte) bool {
	if len(p) != ANSIRecordLen {
		return false
	}
	if ansiPrefix(p) {
		return true
	}
	q := append([]byte(nil), p[:4]...)
	fromEBCDIC(q)
	return ansiPrefix(q)
}

func ansiPrefix(p []byte) bool {
	if bytes.HasPrefix(p, []byte("VOL1")) {
		return true
	}
	for _, s := range sectionNames {
		if bytes.HasPrefix(p, []byte(s)) {
			return true
		}
	}
	return false
}

func toEBCDIC(p []byte) {
	for i, c := range p {
		if b, ok := charmap.CodePage037.EncodeRune(rune(c)); ok {
			p[i] = b
		}
	}
}

func fromEBCDIC(p []byte) {
	for i, c := range p {
		r := charmap.CodePage037.DecodeByte(c)
		if r < 0x80 {
			p[i] = byte(r)
		} else {
			p[i] = '?'
		}
	}
}
