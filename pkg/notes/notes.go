// Package notes is the application service behind the CLI and the MCP
// server. It ties the store, the key store, the lock controller, the note
// vault and the audit log together so each surface only deals in note IDs
// and passwords.
package notes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/forest6511/foilnotes/internal/config"
	"github.com/forest6511/foilnotes/internal/metrics"
	"github.com/forest6511/foilnotes/pkg/audit"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/lock"
	"github.com/forest6511/foilnotes/pkg/note"
	"github.com/forest6511/foilnotes/pkg/notevault"
	"github.com/forest6511/foilnotes/pkg/store"
)

// AuditDirName is the audit log directory inside the data directory.
const AuditDirName = "audit"

// Errors
var (
	ErrNotInitialized     = errors.New("notes: not initialized, run 'foilnotes init' first")
	ErrAlreadyInitialized = errors.New("notes: already initialized")
	ErrAlreadyEncrypted   = errors.New("notes: note is already encrypted")
	ErrNotEncrypted       = errors.New("notes: note is not encrypted")
	ErrNoteEncrypted      = errors.New("notes: decrypt the note first")
)

// Options configure a Service.
type Options struct {
	Config *config.Config
	Store  store.Store
	// AuditDir is the audit log root. Empty disables auditing.
	AuditDir string
	// Source tags audit events (audit.SourceCLI or audit.SourceMCP).
	Source  string
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Service implements the note operations.
type Service struct {
	store  store.Store
	keys   *keystore.KeyStore
	lock   *lock.Controller
	vault  *notevault.Vault
	audit  *audit.Logger
	logger *slog.Logger
	cfg    *config.Config
	now    func() time.Time
}

// New wires a Service over opts.Store.
func New(opts Options) *Service {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Observers stay untyped nil when metrics are off.
	var (
		kdfObs   keystore.Observer
		lockObs  lock.Observer
		vaultObs notevault.Observer
		auditor  lock.Auditor
	)
	if opts.Metrics != nil {
		kdfObs, lockObs, vaultObs = opts.Metrics, opts.Metrics, opts.Metrics
	}

	s := &Service{
		store:  opts.Store,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
	if opts.AuditDir != "" {
		s.audit = audit.NewLogger(opts.AuditDir, opts.Source, logger.With("component", "audit"))
		auditor = s.audit
	}

	s.keys = keystore.New(cfg.KeyStoreOptions(logger.With("component", "keystore"), kdfObs))
	s.lock = lock.New(s.keys, opts.Store, cfg.LockOptions(logger.With("component", "lock"), lockObs, auditor))
	s.vault = notevault.New(cfg.VaultOptions(logger.With("component", "vault"), vaultObs))
	return s
}

// Open opens the SQLite store in dir and returns a Service over it. When
// cfg.Keys.File is set the key record lives in that shared file instead.
func Open(ctx context.Context, dir string, cfg *config.Config, source string, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := os.MkdirAll(dir, store.DirMode); err != nil {
		return nil, fmt.Errorf("notes: failed to create data directory: %w", err)
	}
	db, err := store.OpenSQLite(ctx, filepath.Join(dir, store.DBFileName))
	if err != nil {
		return nil, err
	}

	var st store.Store = db
	if cfg.Keys.File != "" {
		st = store.WithRecords(db, store.KeyFile{Path: cfg.Keys.File})
	}
	auditDir := ""
	if !cfg.Audit.Disabled {
		auditDir = filepath.Join(dir, AuditDirName)
	}
	return New(Options{
		Config:   cfg,
		Store:    st,
		AuditDir: auditDir,
		Source:   source,
		Logger:   logger,
		Metrics:  m,
	}), nil
}

// Close locks and closes the store.
func (s *Service) Close() error {
	s.lock.Close()
	return s.store.Close()
}

// Controller exposes the lock controller for state queries and events.
func (s *Service) Controller() *lock.Controller {
	return s.lock
}

// Audit returns the audit logger, or nil when auditing is disabled.
func (s *Service) Audit() *audit.Logger {
	return s.audit
}

// Config returns the effective configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Initialized reports whether a key record exists.
func (s *Service) Initialized(ctx context.Context) (bool, error) {
	_, err := s.store.LoadKeyRecord(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, keystore.ErrNoRecord):
		return false, nil
	default:
		return false, err
	}
}

// Init generates the note key of keySizeBits under password, persists the
// record and leaves the service unlocked.
func (s *Service) Init(ctx context.Context, keySizeBits int, password []byte) error {
	ok, err := s.Initialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}

	// 1. Generate and wrap a new random key
	rec, err := s.keys.GenerateKey(ctx, keySizeBits, password)
	if err != nil {
		return err
	}

	// 2. Persist the wrapped record
	if err := s.store.SaveKeyRecord(ctx, rec); err != nil {
		return err
	}

	// 3. Unlock so the caller can start working
	if err := s.lock.SubmitPassword(ctx, password); err != nil {
		return err
	}
	s.record(audit.OpKeyGenerate, "", nil, map[string]any{"key_size_bits": keySizeBits})
	return nil
}

// Unlock submits password to the lock controller.
func (s *Service) Unlock(ctx context.Context, password []byte) error {
	err := s.lock.SubmitPassword(ctx, password)
	if errors.Is(err, keystore.ErrNoRecord) {
		return ErrNotInitialized
	}
	return err
}

// Lock discards the key.
func (s *Service) Lock() {
	s.lock.Lock()
}

// Touch reports user activity so the idle timer starts over.
func (s *Service) Touch() {
	s.lock.Touch()
}

// CheckIntegrity checks the backing database when it supports it.
func (s *Service) CheckIntegrity(ctx context.Context) error {
	if c, ok := s.store.(store.IntegrityChecker); ok {
		return c.IntegrityCheck(ctx)
	}
	return nil
}

// State returns the lock state.
func (s *Service) State() lock.State {
	return s.lock.State()
}

// ChangePassword re-wraps the key under newPassword.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword []byte) error {
	return s.lock.ChangePassword(ctx, oldPassword, newPassword)
}

// RotateKey replaces the key. Encrypted notes become unreadable.
func (s *Service) RotateKey(ctx context.Context, keySizeBits int, password []byte, confirm lock.Confirmation) error {
	return s.lock.RotateKey(ctx, keySizeBits, password, confirm)
}

// Add stores a new plaintext note.
func (s *Service) Add(ctx context.Context, title, body string, color note.Color) (*note.Note, error) {
	now := s.now().UTC()
	n := &note.Note{
		ID:         uuid.NewString(),
		Title:      title,
		Body:       body,
		Color:      color,
		CreatedAt:  now,
		ModifiedAt: now,
	}
	if err := s.savePlain(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Get returns a note. Encrypted notes are decrypted in memory only and
// come back with Encrypted set; that needs the service to be unlocked.
func (s *Service) Get(ctx context.Context, id string) (*note.Note, error) {
	blob, encrypted, err := s.store.LoadNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if !encrypted {
		return note.Decode(blob)
	}

	key, err := s.keys.CurrentKey()
	if err != nil {
		return nil, err
	}
	defer key.Release()
	s.lock.Touch()

	n, err := s.vault.DecryptNote(&notevault.EncryptedNote{ID: id, Payload: blob, Encrypted: true}, key)
	s.record(audit.OpNoteDecrypt, id, err, map[string]any{"persist": false})
	if err != nil {
		return nil, err
	}
	n.Encrypted = true
	return n, nil
}

// Listing is the content of the store as seen while locked.
type Listing struct {
	// Notes are the plaintext notes in display order.
	Notes []*note.Note
	// Encrypted are the IDs of encrypted notes in display order.
	Encrypted []string
}

// List returns every note. Plaintext notes are decoded; encrypted notes are
// listed by ID only.
func (s *Service) List(ctx context.Context) (*Listing, error) {
	plain, err := s.store.ListNoteIDs(ctx, false)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.store.ListNoteIDs(ctx, true)
	if err != nil {
		return nil, err
	}

	out := &Listing{Encrypted: encrypted}
	for _, id := range plain {
		blob, _, err := s.store.LoadNote(ctx, id)
		if err != nil {
			return nil, err
		}
		n, err := note.Decode(blob)
		if err != nil {
			s.logger.Warn("skipping unreadable note", "note_id", id, "error", err)
			continue
		}
		out.Notes = append(out.Notes, n)
	}
	return out, nil
}

// Search lists the plaintext notes whose title or body contains query,
// ignoring case. Encrypted notes cannot be matched while locked and are left
// out of the result.
func (s *Service) Search(ctx context.Context, query string) (*Listing, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := &Listing{}
	for _, n := range all.Notes {
		if n.Matches(query) {
			out.Notes = append(out.Notes, n)
		}
	}
	return out, nil
}

// Delete removes a note.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteNote(ctx, id); err != nil {
		return err
	}
	if s.State() == lock.Unlocked {
		s.record(audit.OpNoteDelete, id, nil, nil)
	}
	return nil
}

// Reorder sets the display order.
func (s *Service) Reorder(ctx context.Context, ids []string) error {
	return s.store.SaveOrder(ctx, ids)
}

// Share returns the transport payload of a plaintext note.
func (s *Service) Share(ctx context.Context, id string) ([]byte, error) {
	blob, encrypted, err := s.store.LoadNote(ctx, id)
	if err != nil {
		return nil, err
	}
	if encrypted {
		return nil, ErrNoteEncrypted
	}
	n, err := note.Decode(blob)
	if err != nil {
		return nil, err
	}
	return note.EncodeShare(n)
}

// Receive stores a shared payload as a new plaintext note.
func (s *Service) Receive(ctx context.Context, payload []byte, title string) (*note.Note, error) {
	shared, err := note.DecodeShare(payload)
	if err != nil {
		return nil, err
	}
	return s.Add(ctx, title, shared.Body, shared.Color)
}

// IDs returns the IDs of all notes with the given encrypted flag.
func (s *Service) IDs(ctx context.Context, encrypted bool) ([]string, error) {
	return s.store.ListNoteIDs(ctx, encrypted)
}

// Encrypt encrypts and persists the given plaintext notes. Results are in
// input order; each note fails on its own. The whole call fails with
// keystore.ErrLocked when locked.
func (s *Service) Encrypt(ctx context.Context, ids []string) ([]notevault.Result[*notevault.EncryptedNote], error) {
	results := make([]notevault.Result[*notevault.EncryptedNote], len(ids))
	var (
		batch []*note.Note
		index []int
	)
	for i, id := range ids {
		results[i].ID = id
		blob, encrypted, err := s.store.LoadNote(ctx, id)
		if err == nil && encrypted {
			err = ErrAlreadyEncrypted
		}
		var n *note.Note
		if err == nil {
			n, err = note.Decode(blob)
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		batch = append(batch, n)
		index = append(index, i)
	}

	sealed, err := s.vault.EncryptSelection(ctx, batch, s.keys)
	if err != nil {
		return nil, err
	}
	s.lock.Touch()

	// Work finished before a cancellation is kept.
	saveCtx := context.WithoutCancel(ctx)
	for j, r := range sealed {
		i := index[j]
		results[i] = r
		if r.Err == nil {
			results[i].Err = s.store.SaveNote(saveCtx, r.ID, r.Value.Payload, true)
		}
		s.record(audit.OpNoteEncrypt, r.ID, results[i].Err, nil)
	}
	return results, nil
}

// Decrypt decrypts the given notes and stores them as plaintext again.
func (s *Service) Decrypt(ctx context.Context, ids []string) ([]notevault.Result[*note.Note], error) {
	results := make([]notevault.Result[*note.Note], len(ids))
	var (
		batch []*notevault.EncryptedNote
		index []int
	)
	for i, id := range ids {
		results[i].ID = id
		blob, encrypted, err := s.store.LoadNote(ctx, id)
		if err == nil && !encrypted {
			err = ErrNotEncrypted
		}
		if err != nil {
			results[i].Err = err
			continue
		}
		batch = append(batch, &notevault.EncryptedNote{ID: id, Payload: blob, Encrypted: true})
		index = append(index, i)
	}

	opened, err := s.vault.DecryptSelection(ctx, batch, s.keys)
	if err != nil {
		return nil, err
	}
	s.lock.Touch()

	// Work finished before a cancellation is kept.
	saveCtx := context.WithoutCancel(ctx)
	for j, r := range opened {
		i := index[j]
		results[i] = r
		if r.Err == nil {
			results[i].Err = s.savePlain(saveCtx, r.Value)
		}
		s.record(audit.OpNoteDecrypt, r.ID, results[i].Err, nil)
	}
	return results, nil
}

func (s *Service) savePlain(ctx context.Context, n *note.Note) error {
	blob, err := note.Encode(n)
	if err != nil {
		return err
	}
	return s.store.SaveNote(ctx, n.ID, blob, false)
}

// record writes an audit event if auditing is enabled. Audit failures are
// logged, never returned.
func (s *Service) record(op, noteID string, opErr error, fields map[string]any) {
	if s.audit == nil {
		return
	}
	var err error
	if opErr != nil {
		err = s.audit.Log(op, audit.ResultError, noteID, &audit.ErrorInfo{Code: errorCode(opErr)}, fields)
	} else {
		err = s.audit.Log(op, audit.ResultSuccess, noteID, nil, fields)
	}
	if err != nil {
		s.logger.Warn("audit write failed", "op", op, "error", err)
	}
}

// errorCode maps an error to a stable audit code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, crypto.ErrAuthentication):
		return "authentication"
	case errors.Is(err, crypto.ErrMalformedPayload):
		return "malformed"
	case errors.Is(err, keystore.ErrLocked):
		return "locked"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
