package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/keystore"

	_ "modernc.org/sqlite"
)

// Schema version constants
const (
	// SchemaVersion1 has key_records and notes
	SchemaVersion1 = 1
	// SchemaVersion2 adds note_order
	SchemaVersion2 = 2
	// CurrentSchemaVersion is the current schema version
	CurrentSchemaVersion = SchemaVersion2
)

// DBFileName is the default database file name inside the data directory.
const DBFileName = "notes.db"

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// its schema. The file is created with FileMode.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), DirMode); err != nil {
		return nil, fmt.Errorf("store: failed to create directory: %w", err)
	}
	// Create the file up front so it never exists with a wider mode.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, fmt.Errorf("store: failed to create database: %w", err)
	}
	_ = f.Close()

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// migrate creates or upgrades the schema to CurrentSchemaVersion.
func (s *SQLite) migrate(ctx context.Context) error {
	version, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	if version < SchemaVersion1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("store: migration to v1 failed: %w", err)
		}
	}
	if version < SchemaVersion2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("store: migration to v2 failed: %w", err)
		}
	}
	return nil
}

// schemaVersion returns 0 for a fresh database.
func (s *SQLite) schemaVersion(ctx context.Context) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			migrated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return 0, fmt.Errorf("store: failed to create schema_version table: %w", err)
	}

	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: failed to get schema version: %w", err)
	}
	return int(version.Int64), nil
}

func (s *SQLite) migrateToV1(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// key_records holds the single serialized key record
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS key_records (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				record BLOB NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)
		`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS notes (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT UNIQUE NOT NULL,
				encrypted INTEGER NOT NULL,
				blob BLOB NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)
		`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", SchemaVersion1)
		return err
	})
}

func (s *SQLite) migrateToV2(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS note_order (
				position INTEGER PRIMARY KEY,
				id TEXT NOT NULL
			)
		`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO schema_version (version) VALUES (?)", SchemaVersion2)
		return err
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadKeyRecord implements keystore.RecordStore.
func (s *SQLite) LoadKeyRecord(ctx context.Context) (*keystore.KeyRecord, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM key_records WHERE id = 1").Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, keystore.ErrNoRecord
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load key record: %w", err)
	}
	return keystore.UnmarshalRecord(b)
}

// SaveKeyRecord implements keystore.RecordStore.
func (s *SQLite) SaveKeyRecord(ctx context.Context, rec *keystore.KeyRecord) error {
	b, err := keystore.MarshalRecord(rec)
	if err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(len(b)); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO key_records (id, record, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = CURRENT_TIMESTAMP
	`, b)
	if err != nil {
		return fmt.Errorf("store: failed to save key record: %w", err)
	}
	return nil
}

// LoadNote implements NoteStore.
func (s *SQLite) LoadNote(ctx context.Context, id string) ([]byte, bool, error) {
	var (
		blob      []byte
		encrypted bool
	)
	err := s.db.QueryRowContext(ctx, "SELECT blob, encrypted FROM notes WHERE id = ?", id).Scan(&blob, &encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: failed to load note: %w", err)
	}
	return blob, encrypted, nil
}

// SaveNote implements NoteStore. Existing notes keep their position.
func (s *SQLite) SaveNote(ctx context.Context, id string, blob []byte, encrypted bool) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := s.checkDiskSpaceForWrite(len(blob)); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, encrypted, blob, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			encrypted = excluded.encrypted,
			blob = excluded.blob,
			updated_at = CURRENT_TIMESTAMP
	`, id, encrypted, blob)
	if err != nil {
		return fmt.Errorf("store: failed to save note: %w", err)
	}
	return nil
}

// DeleteNote implements NoteStore.
func (s *SQLite) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM notes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: failed to delete note: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: failed to delete note: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListNoteIDs implements NoteStore.
func (s *SQLite) ListNoteIDs(ctx context.Context, encrypted bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM notes WHERE encrypted = ? ORDER BY seq", encrypted)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list notes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan note id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: failed to list notes: %w", err)
	}

	order, err := s.LoadOrder(ctx)
	if err != nil {
		return nil, err
	}
	return orderIDs(ids, order), nil
}

// SaveOrder implements NoteStore.
func (s *SQLite) SaveOrder(ctx context.Context, ids []string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM note_order"); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO note_order (position, id) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, id := range ids {
			if _, err := stmt.ExecContext(ctx, i, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: failed to save order: %w", err)
	}
	return nil
}

// LoadOrder implements NoteStore.
func (s *SQLite) LoadOrder(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM note_order ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("store: failed to load order: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: failed to scan order: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IntegrityCheck runs PRAGMA integrity_check.
func (s *SQLite) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: database is corrupted: %s", result)
	}
	return nil
}

// checkDiskSpaceForWrite refuses writes that would leave less than
// MinDiskSpaceBytes free. Failure to read disk stats does not block.
func (s *SQLite) checkDiskSpaceForWrite(size int) error {
	return fsutil.RequireSpace(filepath.Dir(s.path), uint64(MinDiskSpaceBytes+size))
}
