// Package logging builds the slog loggers used by foilnotes. Every handler
// is wrapped so attributes that could carry passwords, key material or note
// identifiers never reach the output in the clear.
package logging

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	bootNonce         = rand.Text()
	sensitiveKeyParts = []string{"password", "passphrase", "secret", "token"}
	// fingerprintKeys are logged as a per-process fingerprint so lines about
	// the same note correlate without exposing its id.
	fingerprintKeys = map[string]struct{}{
		"note_id": {},
		"id":      {},
	}
)

// New returns a logger writing to w in format ("text" or "json") at level
// ("debug", "info", "warn" or "error").
func New(w io.Writer, format, level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "", FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", format)
	}
	return slog.New(WrapHandler(h)), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel parses a level name. The empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging: unknown level %q", s)
	}
	return lvl, nil
}

// SanitizingHandler redacts sensitive attributes before delegating.
type SanitizingHandler struct {
	next slog.Handler
}

// WrapHandler wraps next in a SanitizingHandler.
func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return &SanitizingHandler{next: h.next.WithAttrs(out)}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr redacts or fingerprints a single attribute, descending into
// groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.TrimSpace(attr.Key))
	switch {
	case isSensitiveKey(key):
		return slog.String(attr.Key, redactedValue)
	case isFingerprintKey(key):
		return slog.String(attr.Key+"_fp", Fingerprint(attr.Value.Resolve().String()))
	case attr.Value.Kind() == slog.KindGroup:
		group := attr.Value.Group()
		out := make([]any, 0, len(group))
		for _, a := range group {
			out = append(out, SanitizeAttr(a))
		}
		return slog.Group(attr.Key, out...)
	}
	return attr
}

// Fingerprint returns a short per-process digest of value.
func Fingerprint(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// isSensitiveKey matches password-like keys and key material ("key",
// "raw_key", "wrap_key") but not descriptive keys such as key_size_bits.
func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return key == "key" || strings.HasSuffix(key, "_key")
}

func isFingerprintKey(key string) bool {
	_, ok := fingerprintKeys[key]
	return ok
}
