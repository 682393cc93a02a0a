// Package note defines the note model and its deterministic binary encoding.
//
// Encoded notes are what pkg/notevault seals; they never touch disk in the
// clear while a note is marked encrypted.
package note

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Color is a 24-bit RGB note color.
type Color uint32

// Default colors used by the CLI when none is given.
const (
	DefaultColor Color = 0xFFF59D
	MaxColor     Color = 0xFFFFFF
)

// ErrInvalidColor indicates a color string is not of the form #rrggbb.
var ErrInvalidColor = errors.New("note: invalid color")

// ErrInvalidNote indicates a note cannot be encoded.
var ErrInvalidNote = errors.New("note: invalid note")

// Note is a single note. When Encrypted is true the persisted form is an
// opaque payload and Title/Body are only populated after decryption.
type Note struct {
	ID         string
	Title      string
	Body       string
	Color      Color
	CreatedAt  time.Time
	ModifiedAt time.Time
	Encrypted  bool
}

// String renders the color as #rrggbb.
func (c Color) String() string {
	return fmt.Sprintf("#%06x", uint32(c)&uint32(MaxColor))
}

// ParseColor parses "#rrggbb" or "rrggbb".
func ParseColor(s string) (Color, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) != 6 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidColor, s)
	}
	return Color(v), nil
}

// Touch sets ModifiedAt to now.
func (n *Note) Touch(now time.Time) {
	n.ModifiedAt = now.UTC()
}

// Preview returns the first line of the body, truncated to limit runes.
func (n *Note) Preview(limit int) string {
	line, _, _ := strings.Cut(n.Body, "\n")
	runes := []rune(line)
	if len(runes) <= limit {
		return line
	}
	return string(runes[:limit]) + "…"
}

// Matches reports whether query occurs in the title or body, ignoring case.
// An empty query matches every note.
func (n *Note) Matches(query string) bool {
	if query == "" {
		return true
	}
	fold := cases.Fold()
	q := fold.String(query)
	return strings.Contains(fold.String(n.Title), q) || strings.Contains(fold.String(n.Body), q)
}
