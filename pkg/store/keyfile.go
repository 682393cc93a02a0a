package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/keystore"
)

// KeyFileName is the default name of a standalone key record file.
const KeyFileName = "foilnotes.key"

const maxKeyFileSize = 2 << 20

// KeyFile is a keystore.RecordStore backed by a single file. Sibling
// applications sharing one key point at the same file.
type KeyFile struct {
	Path string
}

// LoadKeyRecord implements keystore.RecordStore. The file must be a
// regular file owned by the current user with no group or other access.
func (k KeyFile) LoadKeyRecord(context.Context) (*keystore.KeyRecord, error) {
	f, err := fsutil.OpenPrivate(k.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, keystore.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to open key file: %w", err)
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, maxKeyFileSize))
	if err != nil {
		return nil, fmt.Errorf("store: failed to read key file: %w", err)
	}
	return keystore.UnmarshalRecord(b)
}

// SaveKeyRecord implements keystore.RecordStore. The file is replaced
// atomically so a crash never leaves a half-written record.
func (k KeyFile) SaveKeyRecord(_ context.Context, rec *keystore.KeyRecord) error {
	b, err := keystore.MarshalRecord(rec)
	if err != nil {
		return err
	}

	dir := filepath.Dir(k.Path)
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("store: failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".foilnotes-key-*")
	if err != nil {
		return fmt.Errorf("store: failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("store: failed to set key file permissions: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("store: failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("store: failed to sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: failed to close key file: %w", err)
	}
	if err := os.Rename(tmpPath, k.Path); err != nil {
		return fmt.Errorf("store: failed to replace key file: %w", err)
	}
	return nil
}

// WithRecords overrides the key record location of a Store.
func WithRecords(s Store, records keystore.RecordStore) Store {
	return &splitStore{Store: s, records: records}
}

type splitStore struct {
	Store
	records keystore.RecordStore
}

func (s *splitStore) LoadKeyRecord(ctx context.Context) (*keystore.KeyRecord, error) {
	return s.records.LoadKeyRecord(ctx)
}

func (s *splitStore) SaveKeyRecord(ctx context.Context, rec *keystore.KeyRecord) error {
	return s.records.SaveKeyRecord(ctx, rec)
}

func (s *splitStore) IntegrityCheck(ctx context.Context) error {
	if c, ok := s.Store.(IntegrityChecker); ok {
		return c.IntegrityCheck(ctx)
	}
	return nil
}
