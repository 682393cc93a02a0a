package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), DBFileName))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory":  NewMemory(),
		"sqlite":  db,
		"keyfile": WithRecords(NewMemory(), KeyFile{Path: filepath.Join(t.TempDir(), KeyFileName)}),
	}
}

func testRecord() *keystore.KeyRecord {
	return &keystore.KeyRecord{
		Version:     keystore.RecordVersion,
		KeySizeBits: 256,
		CreatedAt:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Salt:        bytes.Repeat([]byte{1}, crypto.SaltLength),
		KDF:         crypto.DefaultKDFParams(),
		WrapNonce:   bytes.Repeat([]byte{2}, crypto.GCMNonceLength),
		WrappedKey:  bytes.Repeat([]byte{3}, 48),
	}
}

func TestKeyRecord(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.LoadKeyRecord(ctx); !errors.Is(err, keystore.ErrNoRecord) {
				t.Fatalf("LoadKeyRecord() on empty store error = %v, want %v", err, keystore.ErrNoRecord)
			}

			rec := testRecord()
			if err := s.SaveKeyRecord(ctx, rec); err != nil {
				t.Fatalf("SaveKeyRecord() error = %v", err)
			}
			got, err := s.LoadKeyRecord(ctx)
			if err != nil {
				t.Fatalf("LoadKeyRecord() error = %v", err)
			}
			if !bytes.Equal(got.WrappedKey, rec.WrappedKey) || got.KeySizeBits != rec.KeySizeBits {
				t.Errorf("LoadKeyRecord() = %+v, want %+v", got, rec)
			}

			// Saving again replaces the record.
			rec.KeySizeBits = 128
			if err := s.SaveKeyRecord(ctx, rec); err != nil {
				t.Fatalf("SaveKeyRecord() error = %v", err)
			}
			got, _ = s.LoadKeyRecord(ctx)
			if got.KeySizeBits != 128 {
				t.Errorf("KeySizeBits = %d, want 128", got.KeySizeBits)
			}
		})
	}
}

func TestNotes(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := s.LoadNote(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("LoadNote(missing) error = %v, want %v", err, ErrNotFound)
			}
			if err := s.SaveNote(ctx, "", []byte("x"), false); !errors.Is(err, ErrInvalidID) {
				t.Errorf("SaveNote(empty id) error = %v, want %v", err, ErrInvalidID)
			}

			for _, n := range []struct {
				id        string
				encrypted bool
			}{{"a", false}, {"b", true}, {"c", false}, {"d", true}} {
				if err := s.SaveNote(ctx, n.id, []byte("blob-"+n.id), n.encrypted); err != nil {
					t.Fatalf("SaveNote(%s) error = %v", n.id, err)
				}
			}

			blob, encrypted, err := s.LoadNote(ctx, "b")
			if err != nil {
				t.Fatalf("LoadNote() error = %v", err)
			}
			if string(blob) != "blob-b" || !encrypted {
				t.Errorf("LoadNote(b) = %q, %v", blob, encrypted)
			}

			plain, _ := s.ListNoteIDs(ctx, false)
			enc, _ := s.ListNoteIDs(ctx, true)
			if !slices.Equal(plain, []string{"a", "c"}) || !slices.Equal(enc, []string{"b", "d"}) {
				t.Errorf("ListNoteIDs() = %v / %v", plain, enc)
			}

			// Flipping the flag moves the note between lists.
			if err := s.SaveNote(ctx, "a", []byte("sealed"), true); err != nil {
				t.Fatalf("SaveNote() error = %v", err)
			}
			enc, _ = s.ListNoteIDs(ctx, true)
			if !slices.Equal(enc, []string{"a", "b", "d"}) {
				t.Errorf("ListNoteIDs(true) = %v, want [a b d]", enc)
			}

			if err := s.DeleteNote(ctx, "c"); err != nil {
				t.Fatalf("DeleteNote() error = %v", err)
			}
			if err := s.DeleteNote(ctx, "c"); !errors.Is(err, ErrNotFound) {
				t.Errorf("DeleteNote(again) error = %v, want %v", err, ErrNotFound)
			}
		})
	}
}

func TestOrder(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c", "d"} {
				if err := s.SaveNote(ctx, id, []byte(id), false); err != nil {
					t.Fatalf("SaveNote() error = %v", err)
				}
			}
			if err := s.SaveOrder(ctx, []string{"c", "gone", "a"}); err != nil {
				t.Fatalf("SaveOrder() error = %v", err)
			}

			order, err := s.LoadOrder(ctx)
			if err != nil {
				t.Fatalf("LoadOrder() error = %v", err)
			}
			if !slices.Equal(order, []string{"c", "gone", "a"}) {
				t.Errorf("LoadOrder() = %v", order)
			}

			ids, err := s.ListNoteIDs(ctx, false)
			if err != nil {
				t.Fatalf("ListNoteIDs() error = %v", err)
			}
			if want := []string{"c", "a", "b", "d"}; !slices.Equal(ids, want) {
				t.Errorf("ListNoteIDs() = %v, want %v", ids, want)
			}
		})
	}
}

func TestSQLitePersistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", DBFileName)

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := s.SaveKeyRecord(ctx, testRecord()); err != nil {
		t.Fatalf("SaveKeyRecord() error = %v", err)
	}
	if err := s.SaveNote(ctx, "n1", []byte("payload"), true); err != nil {
		t.Fatalf("SaveNote() error = %v", err)
	}
	if err := s.IntegrityCheck(ctx); err != nil {
		t.Errorf("IntegrityCheck() error = %v", err)
	}
	s.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm&0077 != 0 {
		t.Errorf("database permissions = %04o, want owner-only", perm)
	}

	// Reopening must not re-run migrations destructively.
	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite(reopen) error = %v", err)
	}
	defer s.Close()
	if _, err := s.LoadKeyRecord(ctx); err != nil {
		t.Errorf("LoadKeyRecord() after reopen error = %v", err)
	}
	blob, encrypted, err := s.LoadNote(ctx, "n1")
	if err != nil || string(blob) != "payload" || !encrypted {
		t.Errorf("LoadNote() after reopen = %q, %v, %v", blob, encrypted, err)
	}
	version, err := s.schemaVersion(ctx)
	if err != nil || version != CurrentSchemaVersion {
		t.Errorf("schemaVersion() = %d, %v, want %d", version, err, CurrentSchemaVersion)
	}
}

func TestKeyFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), KeyFileName)
	if err := os.WriteFile(path, []byte("not a key record"), FileMode); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := (KeyFile{Path: path}).LoadKeyRecord(context.Background()); !errors.Is(err, keystore.ErrMalformedRecord) {
		t.Errorf("LoadKeyRecord() error = %v, want %v", err, keystore.ErrMalformedRecord)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", KeyFileName)
	if err := (KeyFile{Path: path}).SaveKeyRecord(context.Background(), testRecord()); err != nil {
		t.Fatalf("SaveKeyRecord() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Errorf("key file permissions = %04o, want %04o", perm, FileMode)
	}
}

func TestKeyFileInsecure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not enforced on Windows")
	}
	path := filepath.Join(t.TempDir(), KeyFileName)
	k := KeyFile{Path: path}
	if err := k.SaveKeyRecord(context.Background(), testRecord()); err != nil {
		t.Fatalf("SaveKeyRecord() error = %v", err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}
	if _, err := k.LoadKeyRecord(context.Background()); !errors.Is(err, fsutil.ErrInsecure) {
		t.Errorf("LoadKeyRecord() error = %v, want %v", err, fsutil.ErrInsecure)
	}
}

type corruptStore struct {
	*Memory
}

func (corruptStore) IntegrityCheck(context.Context) error {
	return errors.New("store: database is corrupted")
}

func TestWithRecordsIntegrityCheck(t *testing.T) {
	ctx := context.Background()
	keys := KeyFile{Path: filepath.Join(t.TempDir(), KeyFileName)}

	s, ok := WithRecords(corruptStore{NewMemory()}, keys).(IntegrityChecker)
	if !ok {
		t.Fatal("WithRecords() result should implement IntegrityChecker")
	}
	if err := s.IntegrityCheck(ctx); err == nil {
		t.Error("IntegrityCheck() should report the wrapped store's error")
	}

	plain := WithRecords(NewMemory(), keys).(IntegrityChecker)
	if err := plain.IntegrityCheck(ctx); err != nil {
		t.Errorf("IntegrityCheck() without a checker error = %v", err)
	}
}
