package notevault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/note"
)

var fastKDF = crypto.KDFParams{Algorithm: crypto.KDFArgon2id, Iterations: 1, MemoryKiB: 64, Threads: 1}

// unlockedStore returns a key store holding a freshly generated key.
func unlockedStore(t *testing.T, password string) (*keystore.KeyStore, *keystore.KeyRecord) {
	t.Helper()
	opts := keystore.DefaultOptions()
	opts.KDF = fastKDF
	ks := keystore.New(opts)
	ctx := context.Background()

	rec, err := ks.GenerateKey(ctx, 256, []byte(password))
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	h, err := ks.Unlock(ctx, []byte(password), rec)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	ks.Open(h)
	return ks, rec
}

func currentKey(t *testing.T, ks *keystore.KeyStore) *keystore.KeyHandle {
	t.Helper()
	h, err := ks.CurrentKey()
	if err != nil {
		t.Fatalf("CurrentKey() error = %v", err)
	}
	t.Cleanup(h.Release)
	return h
}

func makeNotes(n int) []*note.Note {
	notes := make([]*note.Note, n)
	for i := range notes {
		notes[i] = &note.Note{
			ID:        fmt.Sprintf("note-%d", i),
			Title:     fmt.Sprintf("Title %d", i),
			Body:      fmt.Sprintf("Body %d", i),
			Color:     note.DefaultColor,
			CreatedAt: time.Unix(1700000000+int64(i), 0).UTC(),
		}
	}
	return notes
}

// TestCorrectHorse walks the generate, encrypt, lock, unlock, decrypt scenario.
func TestCorrectHorse(t *testing.T) {
	ctx := context.Background()
	ks, rec := unlockedStore(t, "correct-horse")
	v := New(Options{})

	en, err := v.EncryptNote(&note.Note{ID: "n1", Title: "A", Body: "B"}, currentKey(t, ks))
	if err != nil {
		t.Fatalf("EncryptNote() error = %v", err)
	}
	if !en.Encrypted {
		t.Error("EncryptNote() result should be marked encrypted")
	}

	ks.Lock()
	if _, err := ks.CurrentKey(); !errors.Is(err, ErrLocked) {
		t.Fatalf("CurrentKey() after Lock error = %v, want %v", err, ErrLocked)
	}

	if _, err := ks.Unlock(ctx, []byte("wrong"), rec); !errors.Is(err, keystore.ErrInvalidPassword) {
		t.Errorf("Unlock(wrong) error = %v, want %v", err, keystore.ErrInvalidPassword)
	}
	if ks.Unlocked() {
		t.Error("store should remain locked after a wrong password")
	}

	h, err := ks.Unlock(ctx, []byte("correct-horse"), rec)
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	ks.Open(h)

	got, err := v.DecryptNote(en, currentKey(t, ks))
	if err != nil {
		t.Fatalf("DecryptNote() error = %v", err)
	}
	if got.Title != "A" || got.Body != "B" || got.Encrypted {
		t.Errorf("DecryptNote() = %+v, want title A body B plaintext", got)
	}
}

func TestEncryptIgnoresInputFlag(t *testing.T) {
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{})
	key := currentKey(t, ks)

	n := &note.Note{ID: "x", Body: "already flagged", Encrypted: true}
	en, err := v.EncryptNote(n, key)
	if err != nil {
		t.Fatalf("EncryptNote() error = %v", err)
	}
	got, err := v.DecryptNote(en, key)
	if err != nil {
		t.Fatalf("DecryptNote() error = %v", err)
	}
	if got.Body != n.Body {
		t.Errorf("DecryptNote() body = %q, want %q", got.Body, n.Body)
	}
}

func TestDecryptErrorsPassThrough(t *testing.T) {
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{CipherVersion: crypto.VersionXChaCha20})
	key := currentKey(t, ks)

	en, err := v.EncryptNote(&note.Note{ID: "a", Body: "secret"}, key)
	if err != nil {
		t.Fatalf("EncryptNote() error = %v", err)
	}

	tampered := &EncryptedNote{ID: en.ID, Payload: append([]byte(nil), en.Payload...), Encrypted: true}
	tampered.Payload[len(tampered.Payload)-1] ^= 0x80
	if _, err := v.DecryptNote(tampered, key); !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("DecryptNote(tampered) error = %v, want %v", err, crypto.ErrAuthentication)
	}

	truncated := &EncryptedNote{ID: en.ID, Payload: en.Payload[:5], Encrypted: true}
	if _, err := v.DecryptNote(truncated, key); !errors.Is(err, crypto.ErrMalformedPayload) {
		t.Errorf("DecryptNote(truncated) error = %v, want %v", err, crypto.ErrMalformedPayload)
	}

	swapped := &EncryptedNote{ID: "b", Payload: en.Payload, Encrypted: true}
	if _, err := v.DecryptNote(swapped, key); !errors.Is(err, crypto.ErrAuthentication) {
		t.Errorf("DecryptNote(swapped id) error = %v, want %v", err, crypto.ErrAuthentication)
	}

	if _, err := v.DecryptNote(en, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("DecryptNote(nil key) error = %v, want %v", err, ErrLocked)
	}
}

// TestDecryptSelectionPartialFailure corrupts one of five payloads.
func TestDecryptSelectionPartialFailure(t *testing.T) {
	ctx := context.Background()
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{Workers: 3})

	encrypted, err := v.EncryptSelection(ctx, makeNotes(5), ks)
	if err != nil {
		t.Fatalf("EncryptSelection() error = %v", err)
	}
	batch := make([]*EncryptedNote, len(encrypted))
	for i, r := range encrypted {
		if r.Err != nil {
			t.Fatalf("EncryptSelection()[%d] error = %v", i, r.Err)
		}
		batch[i] = r.Value
	}
	batch[2].Payload[len(batch[2].Payload)-3] ^= 0xff

	results, err := v.DecryptSelection(ctx, batch, ks)
	if err != nil {
		t.Fatalf("DecryptSelection() error = %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("DecryptSelection() returned %d results, want 5", len(results))
	}
	for i, r := range results {
		wantID := fmt.Sprintf("note-%d", i)
		if r.ID != wantID {
			t.Errorf("results[%d].ID = %q, want %q", i, r.ID, wantID)
		}
		if i == 2 {
			if !errors.Is(r.Err, crypto.ErrAuthentication) {
				t.Errorf("results[2].Err = %v, want %v", r.Err, crypto.ErrAuthentication)
			}
			continue
		}
		if r.Err != nil {
			t.Errorf("results[%d].Err = %v", i, r.Err)
			continue
		}
		if r.Value.Title != fmt.Sprintf("Title %d", i) {
			t.Errorf("results[%d].Title = %q", i, r.Value.Title)
		}
	}

	s := Summarize(results)
	if s.Succeeded != 4 || s.Failed != 1 {
		t.Errorf("Summarize() = %+v, want 4 succeeded 1 failed", s)
	}
	if s.String() != "4 notes done, 1 failed" {
		t.Errorf("Summary.String() = %q", s.String())
	}
}

func TestSelectionLocked(t *testing.T) {
	ctx := context.Background()
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{})
	ks.Lock()

	if _, err := v.EncryptSelection(ctx, makeNotes(2), ks); !errors.Is(err, ErrLocked) {
		t.Errorf("EncryptSelection() error = %v, want %v", err, ErrLocked)
	}
	if _, err := v.DecryptSelection(ctx, nil, ks); !errors.Is(err, ErrLocked) {
		t.Errorf("DecryptSelection() error = %v, want %v", err, ErrLocked)
	}
}

// lockingSource locks the store right after handing out the snapshot.
type lockingSource struct {
	ks *keystore.KeyStore
}

func (s lockingSource) CurrentKey() (*keystore.KeyHandle, error) {
	h, err := s.ks.CurrentKey()
	s.ks.Lock()
	return h, err
}

func TestSelectionKeySnapshot(t *testing.T) {
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{Workers: 2})

	results, err := v.EncryptSelection(context.Background(), makeNotes(8), lockingSource{ks})
	if err != nil {
		t.Fatalf("EncryptSelection() error = %v", err)
	}
	if s := Summarize(results); s.Failed != 0 {
		t.Errorf("Summarize() = %+v, want no failures after mid-batch lock", s)
	}
	if ks.Unlocked() {
		t.Error("store should be locked")
	}
}

func TestSelectionCanceled(t *testing.T) {
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{Workers: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := v.EncryptSelection(ctx, makeNotes(3), ks)
	if err != nil {
		t.Fatalf("EncryptSelection() error = %v", err)
	}
	for i, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("results[%d].Err = %v, want %v", i, r.Err, context.Canceled)
		}
		if r.Value != nil {
			t.Errorf("results[%d].Value should be nil", i)
		}
	}
}

func TestSelectionCanceledMidBatch(t *testing.T) {
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{Workers: 1})
	notes := makeNotes(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel while the second note is being sealed.
	seal := func(n *note.Note, key *keystore.KeyHandle) (*EncryptedNote, error) {
		if n.ID == notes[1].ID {
			cancel()
		}
		return v.EncryptNote(n, key)
	}
	idOf := func(n *note.Note) string { return n.ID }

	results, err := runBatch(ctx, v, notes, ks, idOf, seal)
	if err != nil {
		t.Fatalf("runBatch() error = %v", err)
	}
	if results[0].Err != nil || results[0].Value == nil {
		t.Errorf("results[0] = %+v, want completed before cancellation", results[0])
	}
	for i, r := range results[1:] {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("results[%d].Err = %v, want %v", i+1, r.Err, context.Canceled)
		}
		if r.Value != nil {
			t.Errorf("results[%d].Value should be discarded", i+1)
		}
	}
}

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) ObserveNoteCrypto(op string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.counts[op+"/"+result]++
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{counts: map[string]int{}}
	ks, _ := unlockedStore(t, "correct-horse")
	v := New(Options{Observer: obs})

	results, err := v.EncryptSelection(context.Background(), makeNotes(3), ks)
	if err != nil {
		t.Fatalf("EncryptSelection() error = %v", err)
	}
	_, _ = v.DecryptNote(&EncryptedNote{ID: "bad"}, currentKey(t, ks))

	if obs.counts["encrypt/ok"] != len(results) {
		t.Errorf("encrypt/ok = %d, want %d", obs.counts["encrypt/ok"], len(results))
	}
	if obs.counts["decrypt/error"] != 1 {
		t.Errorf("decrypt/error = %d, want 1", obs.counts["decrypt/error"])
	}
}
