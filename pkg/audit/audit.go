// Package audit provides audit logging with an HMAC chain for tamper detection.
//
// The HMAC key is derived from the unlocked note key, so the log can only be
// written and verified while unlocked. Each note key gets its own chain in a
// subdirectory named after a key fingerprint; rotating the key starts a new
// chain and leaves the old one readable but no longer verifiable.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/forest6511/foilnotes/internal/fsutil"
	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
)

// MinAuditDiskSpace is the free space required before a write (1 MB).
const MinAuditDiskSpace = 1024 * 1024

// EventVersion is the schema version of Event.
const EventVersion = 1

// HKDF info strings
const (
	hmacInfo = "foilnotes-audit-v1"
	idInfo   = "foilnotes-audit-id-v1"
)

const (
	genesis  = "genesis"
	metaFile = "audit.meta"
)

// Operation types for audit logging
const (
	// Key operations
	OpKeyGenerate       = "key.generate"
	OpKeyUnlock         = "key.unlock"
	OpKeyUnlockFailed   = "key.unlock_failed"
	OpKeyLock           = "key.lock"
	OpKeyRotate         = "key.rotate"
	OpKeyPasswordChange = "key.password_change"

	// Note operations
	OpNoteEncrypt = "note.encrypt"
	OpNoteDecrypt = "note.decrypt"
	OpNoteDelete  = "note.delete"
	OpNoteRead    = "note.read"
)

// Source identifies where the operation originated
const (
	SourceCLI = "cli"
	SourceMCP = "mcp"
)

// Result indicates the outcome of an operation
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ErrKeyNotSet is returned while no key has been set.
var ErrKeyNotSet = errors.New("audit: HMAC key not set")

// Event is a single audit log record.
type Event struct {
	Version   int    `json:"v"`
	ID        string `json:"id"`
	Timestamp string `json:"ts"` // RFC 3339 nanosecond precision

	Operation string `json:"op"`
	// Note is the HMAC of the note ID, never the ID itself.
	Note string `json:"note,omitempty"`

	Source    string `json:"source"`
	SessionID string `json:"session_id"`

	Result string     `json:"result"`
	Error  *ErrorInfo `json:"error,omitempty"`

	Context map[string]any `json:"ctx,omitempty"`

	Chain Chain `json:"chain"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Chain links a record to its predecessor.
type Chain struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
	HMAC     string `json:"hmac"`
}

// chainState is persisted in audit.meta next to the log files.
type chainState struct {
	Sequence int64  `json:"seq"`
	PrevHash string `json:"prev"`
}

// Logger writes HMAC-chained JSONL audit files.
type Logger struct {
	root      string
	source    string
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	hmacKey  []byte
	keyID    string
	sequence int64
	prevHash string
	// failed counts unlock failures seen while no key was available.
	failed int
}

// NewLogger creates a logger rooted at dir. Events are tagged with source.
func NewLogger(dir, source string, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Logger{
		root:      dir,
		source:    source,
		sessionID: uuid.NewString(),
		logger:    logger,
		prevHash:  genesis,
	}
}

// SetKey derives the HMAC key and chain fingerprint from h using HKDF and
// loads the chain state for that key.
func (l *Logger) SetKey(h *keystore.KeyHandle) error {
	var mac, id []byte
	err := h.Use(func(key []byte) error {
		var err error
		if mac, err = deriveKey(key, hmacInfo, 32); err != nil {
			return err
		}
		id, err = deriveKey(key, idInfo, 8)
		return err
	})
	if err != nil {
		return fmt.Errorf("audit: failed to derive HMAC key: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearLocked()
	l.hmacKey = mac
	l.keyID = hex.EncodeToString(id)

	if err := l.loadChainState(); err != nil {
		// First run for this key
		l.sequence = 0
		l.prevHash = genesis
	}
	return nil
}

// ClearKey wipes the HMAC key. Logging fails with ErrKeyNotSet until the
// next SetKey.
func (l *Logger) ClearKey() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearLocked()
}

func (l *Logger) clearLocked() {
	crypto.SecureWipe(l.hmacKey)
	l.hmacKey = nil
	l.keyID = ""
}

// KeyID returns the fingerprint of the current key, or "" if none is set.
func (l *Logger) KeyID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.keyID
}

// Dir returns the chain directory of the current key.
func (l *Logger) Dir() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirLocked()
}

func (l *Logger) dirLocked() string {
	return filepath.Join(l.root, l.keyID)
}

// Log records an audit event. noteID is HMAC'd before it is written.
func (l *Logger) Log(op, result, noteID string, errInfo *ErrorInfo, ctx map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logLocked(op, result, noteID, errInfo, ctx)
}

// LogSuccess is a convenience method for successful operations
func (l *Logger) LogSuccess(op, noteID string) error {
	return l.Log(op, ResultSuccess, noteID, nil, nil)
}

// LogError is a convenience method for failed operations
func (l *Logger) LogError(op, noteID, errCode, errMsg string) error {
	return l.Log(op, ResultError, noteID, &ErrorInfo{Code: errCode, Message: errMsg}, nil)
}

func (l *Logger) logLocked(op, result, noteID string, errInfo *ErrorInfo, ctx map[string]any) error {
	if l.hmacKey == nil {
		return ErrKeyNotSet
	}

	dir := l.dirLocked()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("audit: failed to create directory: %w", err)
	}
	if err := fsutil.RequireSpace(dir, MinAuditDiskSpace); err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	event := Event{
		Version:   EventVersion,
		ID:        newEventID(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Operation: op,
		Source:    l.source,
		SessionID: l.sessionID,
		Result:    result,
		Error:     errInfo,
		Context:   ctx,
	}
	if noteID != "" {
		event.Note = l.sign([]byte(noteID))
	}

	event.Chain.Sequence = l.sequence + 1
	event.Chain.PrevHash = l.prevHash
	event.Chain.HMAC = l.sign(recordData(&event))

	if err := writeEvent(dir, &event); err != nil {
		return err
	}
	l.sequence = event.Chain.Sequence
	l.prevHash = event.Chain.HMAC
	return l.saveChainState()
}

func (l *Logger) sign(data []byte) string {
	mac := hmac.New(sha256.New, l.hmacKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// recordData builds the bytes covered by a record's HMAC: every field
// except the HMAC itself, with context keys in sorted order.
func recordData(event *Event) []byte {
	errorData := ""
	if event.Error != nil {
		errorData = event.Error.Code + "|" + event.Error.Message
	}

	var contextData strings.Builder
	for _, k := range slices.Sorted(maps.Keys(event.Context)) {
		fmt.Fprintf(&contextData, "%s=%v|", k, event.Context[k])
	}

	return fmt.Appendf(nil, "%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%d|%s",
		event.Version,
		event.ID,
		event.Timestamp,
		event.Operation,
		event.Note,
		event.Source,
		event.SessionID,
		event.Result,
		errorData,
		contextData.String(),
		event.Chain.Sequence,
		event.Chain.PrevHash,
	)
}

// writeEvent appends an event to the current month's log file.
func writeEvent(dir string, event *Event) error {
	name := filepath.Join(dir, time.Now().UTC().Format("2006-01")+".jsonl")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: failed to open log file: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: failed to marshal event: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: failed to write event: %w", err)
	}
	return nil
}

func (l *Logger) loadChainState() error {
	data, err := os.ReadFile(filepath.Join(l.dirLocked(), metaFile))
	if err != nil {
		return err
	}
	var state chainState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	l.sequence = state.Sequence
	l.prevHash = state.PrevHash
	return nil
}

func (l *Logger) saveChainState() error {
	data, err := json.Marshal(chainState{Sequence: l.sequence, PrevHash: l.prevHash})
	if err != nil {
		return fmt.Errorf("audit: failed to marshal chain state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(l.dirLocked(), metaFile), data, 0600); err != nil {
		return fmt.Errorf("audit: failed to save chain state: %w", err)
	}
	return nil
}

func deriveKey(secret []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

// newEventID returns a time-ordered identifier.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// VerifyResult contains the results of chain verification
type VerifyResult struct {
	Valid           bool     `json:"valid"`
	RecordsTotal    int      `json:"records_total"`
	RecordsVerified int      `json:"records_verified"`
	Errors          []string `json:"errors,omitempty"`
}

// Verify checks the chain of the current key.
func (l *Logger) Verify() (*VerifyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}
	events, err := readEvents(l.dirLocked())
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{Valid: true}
	expectedPrev := genesis
	var expectedSeq int64 = 1

	for _, event := range events {
		result.RecordsTotal++
		ok := true

		if event.Chain.Sequence != expectedSeq {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"sequence gap at record %s: expected %d, got %d",
				event.ID, expectedSeq, event.Chain.Sequence))
		}
		if event.Chain.PrevHash != expectedPrev {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"chain broken at record %s", event.ID))
		}
		if !hmac.Equal([]byte(event.Chain.HMAC), []byte(l.sign(recordData(&event)))) {
			ok = false
			result.Errors = append(result.Errors, fmt.Sprintf(
				"HMAC mismatch at record %s: possible tampering", event.ID))
		}

		if ok {
			result.RecordsVerified++
		} else {
			result.Valid = false
		}
		expectedPrev = event.Chain.HMAC
		expectedSeq = event.Chain.Sequence + 1
	}

	// A truncated tail leaves the persisted state ahead of the files.
	if l.sequence != expectedSeq-1 {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(
			"log ends at record %d, chain state expects %d", expectedSeq-1, l.sequence))
	}
	return result, nil
}

// ListEvents returns events of the current key's chain newer than since
// (zero means all), keeping at most the last limit (0 means all).
func (l *Logger) ListEvents(limit int, since time.Time) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.hmacKey == nil {
		return nil, ErrKeyNotSet
	}
	events, err := readEvents(l.dirLocked())
	if err != nil {
		return nil, err
	}

	if !since.IsZero() {
		events = slices.DeleteFunc(events, func(e Event) bool {
			ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
			return err != nil || !ts.After(since)
		})
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// readEvents reads every log file in dir in chronological order.
func readEvents(dir string) ([]Event, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("audit: failed to list log files: %w", err)
	}
	// YYYY-MM.jsonl sorts chronologically
	slices.Sort(files)

	var events []Event
	for _, file := range files {
		fileEvents, err := readLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("audit: failed to read %s: %w", file, err)
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("failed to parse line: %w", err)
		}
		events = append(events, event)
	}
	return events, sc.Err()
}
