package note

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mr-tron/base58"
)

// ShareTextPrefix marks the text form of a share payload.
const ShareTextPrefix = "fn1"

// MaxShareLength bounds a share payload. QR codes top out well below this.
const MaxShareLength = 64 << 10

// EncodeShare builds the plaintext payload handed to QR/NFC transports:
// the color as "#rrggbb", a NUL byte, then the UTF-8 body. Encrypted notes
// must be decrypted before sharing.
func EncodeShare(n *Note) ([]byte, error) {
	if n == nil || n.Encrypted {
		return nil, fmt.Errorf("%w: only plaintext notes can be shared", ErrInvalidNote)
	}
	if !utf8.ValidString(n.Body) {
		return nil, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidNote)
	}
	out := make([]byte, 0, 8+len(n.Body))
	out = append(out, n.Color.String()...)
	out = append(out, 0)
	out = append(out, n.Body...)
	if len(out) > MaxShareLength {
		return nil, fmt.Errorf("%w: note too large to share", ErrInvalidNote)
	}
	return out, nil
}

// DecodeShare parses a share payload into a new plaintext note. ID and
// timestamps are left for the receiver to assign.
func DecodeShare(b []byte) (*Note, error) {
	if len(b) > MaxShareLength {
		return nil, malformed("share payload too large")
	}
	head, body, ok := bytes.Cut(b, []byte{0})
	if !ok {
		return nil, malformed("missing separator")
	}
	color, err := ParseColor(string(head))
	if err != nil || len(head) != 7 {
		return nil, malformed("bad color")
	}
	if !utf8.Valid(body) {
		return nil, malformed("invalid UTF-8")
	}
	return &Note{Color: color, Body: string(body)}, nil
}

// ShareText renders a share payload as copyable text.
func ShareText(payload []byte) string {
	return ShareTextPrefix + base58.Encode(payload)
}

// ParseShareText reverses ShareText. The result still needs DecodeShare.
func ParseShareText(s string) ([]byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), ShareTextPrefix)
	if !ok {
		return nil, malformed("missing share prefix")
	}
	b, err := base58.Decode(rest)
	if err != nil || len(b) == 0 {
		return nil, malformed("bad share encoding")
	}
	return b, nil
}
