// Package store persists key records and note blobs.
//
// The store never interprets blobs: plaintext notes are stored in their
// note.Encode form and encrypted notes as opaque payloads.
package store

import (
	"context"
	"errors"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/keystore"
)

// File and directory modes for everything the store creates.
const (
	FileMode = 0600
	DirMode  = 0700
)

// MinDiskSpaceBytes is the free space required before a write (10 MB).
const MinDiskSpaceBytes = 10 * 1024 * 1024

// Errors
var (
	ErrNotFound         = errors.New("store: note not found")
	ErrInvalidID        = errors.New("store: invalid note id")
	ErrInsufficientDisk = fsutil.ErrInsufficient
)

// NoteStore reads and writes note blobs keyed by id.
type NoteStore interface {
	// LoadNote returns ErrNotFound for unknown ids.
	LoadNote(ctx context.Context, id string) (blob []byte, encrypted bool, err error)
	SaveNote(ctx context.Context, id string, blob []byte, encrypted bool) error
	DeleteNote(ctx context.Context, id string) error
	// ListNoteIDs returns ids with the given encrypted flag, in display order.
	ListNoteIDs(ctx context.Context, encrypted bool) ([]string, error)
	SaveOrder(ctx context.Context, ids []string) error
	LoadOrder(ctx context.Context) ([]string, error)
}

// Store is a complete persistence backend.
type Store interface {
	keystore.RecordStore
	NoteStore
	Close() error
}

// IntegrityChecker is implemented by stores that can check their own
// on-disk consistency.
type IntegrityChecker interface {
	IntegrityCheck(ctx context.Context) error
}

func validateID(id string) error {
	if id == "" || len(id) > 256 {
		return ErrInvalidID
	}
	return nil
}

// orderIDs sorts ids by their position in order; ids missing from order
// keep their relative input order after the ordered ones.
func orderIDs(ids, order []string) []string {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		if _, seen := pos[id]; !seen {
			pos[id] = i
		}
	}

	out := make([]string, 0, len(ids))
	var rest []string
	placed := make([]string, len(order))
	for _, id := range ids {
		if p, ok := pos[id]; ok {
			placed[p] = id
		} else {
			rest = append(rest, id)
		}
	}
	for _, id := range placed {
		if id != "" {
			out = append(out, id)
		}
	}
	return append(out, rest...)
}
