package note

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/forest6511/foilnotes/pkg/crypto"
)

// Binary format (version 1):
//
//	"FN" | version(1) | color(3, big-endian) | created(12) | modified(12) |
//	idLen(uvarint) id | titleLen(uvarint) title | bodyLen(uvarint) body
//
// A timestamp is int64 unix seconds followed by uint32 nanoseconds, both
// big-endian, so every time.Time survives the round trip in UTC.
const (
	// FormatVersion is the current note encoding version.
	FormatVersion = 1

	// MaxFieldLength bounds any single string field (16 MiB).
	MaxFieldLength = 16 << 20

	timeLength        = 8 + 4
	fixedHeaderLength = 2 + 1 + 3 + 2*timeLength
)

var magic = [2]byte{'F', 'N'}

// Encode serializes a note. The output is deterministic: equal notes encode
// to equal bytes. The Encrypted flag is not part of the encoding.
func Encode(n *Note) ([]byte, error) {
	if n == nil {
		return nil, ErrInvalidNote
	}
	if n.Color > MaxColor {
		return nil, fmt.Errorf("%w: color out of range", ErrInvalidNote)
	}
	for name, s := range map[string]string{"id": n.ID, "title": n.Title, "body": n.Body} {
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidNote, name)
		}
		if len(s) > MaxFieldLength {
			return nil, fmt.Errorf("%w: %s too long", ErrInvalidNote, name)
		}
	}

	for name, t := range map[string]time.Time{"created": n.CreatedAt, "modified": n.ModifiedAt} {
		if !time.Unix(t.Unix(), int64(t.Nanosecond())).Equal(t) {
			return nil, fmt.Errorf("%w: %s time out of range", ErrInvalidNote, name)
		}
	}

	buf := make([]byte, 0, fixedHeaderLength+3*binary.MaxVarintLen64+len(n.ID)+len(n.Title)+len(n.Body))
	buf = append(buf, magic[0], magic[1], FormatVersion)
	buf = append(buf, byte(n.Color>>16), byte(n.Color>>8), byte(n.Color))
	buf = appendTime(buf, n.CreatedAt)
	buf = appendTime(buf, n.ModifiedAt)
	for _, s := range []string{n.ID, n.Title, n.Body} {
		buf = binary.AppendUvarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	return buf, nil
}

// Decode parses bytes produced by Encode. Truncated input, a bad magic, an
// unknown version, oversize lengths and invalid UTF-8 all return an error
// wrapping crypto.ErrMalformedPayload.
func Decode(b []byte) (*Note, error) {
	if len(b) < fixedHeaderLength {
		return nil, malformed("truncated header")
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return nil, malformed("bad magic")
	}
	if b[2] != FormatVersion {
		return nil, malformed(fmt.Sprintf("unsupported version %d", b[2]))
	}

	created, ok := readTime(b[6:])
	if !ok {
		return nil, malformed("bad created time")
	}
	modified, ok := readTime(b[6+timeLength:])
	if !ok {
		return nil, malformed("bad modified time")
	}
	n := &Note{
		Color:      Color(b[3])<<16 | Color(b[4])<<8 | Color(b[5]),
		CreatedAt:  created,
		ModifiedAt: modified,
	}

	rest := b[fixedHeaderLength:]
	fields := []*string{&n.ID, &n.Title, &n.Body}
	for _, field := range fields {
		length, read := binary.Uvarint(rest)
		if read <= 0 {
			return nil, malformed("bad length prefix")
		}
		rest = rest[read:]
		if length > MaxFieldLength || length > uint64(len(rest)) {
			return nil, malformed("length exceeds input")
		}
		s := rest[:length]
		if !utf8.Valid(s) {
			return nil, malformed("invalid UTF-8")
		}
		*field = string(s)
		rest = rest[length:]
	}
	if len(rest) != 0 {
		return nil, malformed("trailing bytes")
	}
	return n, nil
}

func malformed(reason string) error {
	return fmt.Errorf("note: %s: %w", reason, crypto.ErrMalformedPayload)
}

func appendTime(buf []byte, t time.Time) []byte {
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.Unix()))
	return binary.BigEndian.AppendUint32(buf, uint32(t.Nanosecond()))
}

// readTime decodes a timestamp written by appendTime. Nanoseconds of a
// second or more are not canonical and rejected.
func readTime(b []byte) (time.Time, bool) {
	sec := int64(binary.BigEndian.Uint64(b[:8]))
	nsec := binary.BigEndian.Uint32(b[8:timeLength])
	if nsec >= uint32(time.Second) {
		return time.Time{}, false
	}
	return time.Unix(sec, int64(nsec)).UTC(), true
}
