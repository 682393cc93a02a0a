// Package notevault encrypts and decrypts notes under the unlocked key.
//
// The vault does no I/O. Single-note calls take an explicit KeyHandle;
// batch calls take a KeySource, capture one handle at the start and use it
// for every item, so a lock that happens mid-batch does not change the key
// in flight.
package notevault

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/forest6511/foilnotes/pkg/crypto"
	"github.com/forest6511/foilnotes/pkg/keystore"
	"github.com/forest6511/foilnotes/pkg/note"
)

// DefaultWorkers is the default batch parallelism.
const DefaultWorkers = 4

// Operation names reported to the Observer.
const (
	OpEncrypt = "encrypt"
	OpDecrypt = "decrypt"
)

// ErrLocked is returned when no key is available.
var ErrLocked = keystore.ErrLocked

// EncryptedNote is the persisted form of an encrypted note.
type EncryptedNote struct {
	ID        string
	Payload   []byte
	Encrypted bool
}

// KeySource hands out key snapshots. *keystore.KeyStore implements it.
type KeySource interface {
	CurrentKey() (*keystore.KeyHandle, error)
}

// Observer is notified of every per-note outcome.
type Observer interface {
	ObserveNoteCrypto(op string, err error)
}

// Result is the outcome for one item of a batch.
type Result[T any] struct {
	ID    string
	Value T
	Err   error
}

// Options configure a Vault.
type Options struct {
	Workers       int
	CipherVersion crypto.Version
	Observer      Observer
	Logger        *slog.Logger
}

// Vault performs note encryption. It is stateless apart from its options
// and safe for concurrent use.
type Vault struct {
	workers  int
	version  crypto.Version
	observer Observer
	logger   *slog.Logger
}

// New creates a Vault.
func New(opts Options) *Vault {
	v := &Vault{
		workers:  opts.Workers,
		version:  opts.CipherVersion,
		observer: opts.Observer,
		logger:   opts.Logger,
	}
	if v.workers <= 0 {
		v.workers = DefaultWorkers
	}
	if v.version == 0 {
		v.version = crypto.VersionAESGCM
	}
	if v.logger == nil {
		v.logger = slog.New(slog.DiscardHandler)
	}
	return v
}

// EncryptNote encodes and seals n. The input's Encrypted flag is ignored;
// the result is always marked encrypted. The note ID is bound to the
// payload as associated data.
func (v *Vault) EncryptNote(n *note.Note, key *keystore.KeyHandle) (*EncryptedNote, error) {
	en, err := v.encrypt(n, key)
	v.observe(OpEncrypt, err)
	return en, err
}

// DecryptNote opens en and decodes the note. crypto.ErrAuthentication and
// crypto.ErrMalformedPayload are returned unwrapped in the chain.
func (v *Vault) DecryptNote(en *EncryptedNote, key *keystore.KeyHandle) (*note.Note, error) {
	n, err := v.decrypt(en, key)
	v.observe(OpDecrypt, err)
	return n, err
}

func (v *Vault) encrypt(n *note.Note, key *keystore.KeyHandle) (*EncryptedNote, error) {
	if key == nil {
		return nil, ErrLocked
	}
	if n == nil {
		return nil, note.ErrInvalidNote
	}
	plaintext, err := note.Encode(n)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var blob []byte
	err = key.Use(func(k []byte) error {
		p, err := crypto.SealWithAD(k, plaintext, []byte(n.ID), v.version)
		if err != nil {
			return err
		}
		blob, err = p.MarshalBinary()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &EncryptedNote{ID: n.ID, Payload: blob, Encrypted: true}, nil
}

func (v *Vault) decrypt(en *EncryptedNote, key *keystore.KeyHandle) (*note.Note, error) {
	if key == nil {
		return nil, ErrLocked
	}
	if en == nil {
		return nil, crypto.ErrMalformedPayload
	}
	p, err := crypto.ParsePayload(en.Payload)
	if err != nil {
		return nil, err
	}

	var plaintext []byte
	err = key.Use(func(k []byte) error {
		plaintext, err = crypto.OpenWithAD(k, p, []byte(en.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)

	n, err := note.Decode(plaintext)
	if err != nil {
		return nil, err
	}
	if n.ID != en.ID {
		return nil, fmt.Errorf("notevault: payload belongs to note %q: %w", n.ID, crypto.ErrMalformedPayload)
	}
	n.Encrypted = false
	return n, nil
}

// EncryptSelection encrypts notes in parallel. Results are in input order
// and each item fails on its own. If keys is locked the whole batch fails
// with ErrLocked. On cancellation, items not yet finished carry ctx.Err()
// and no value, so callers only ever persist work completed beforehand.
func (v *Vault) EncryptSelection(ctx context.Context, notes []*note.Note, keys KeySource) ([]Result[*EncryptedNote], error) {
	return runBatch(ctx, v, notes, keys,
		func(n *note.Note) string {
			if n == nil {
				return ""
			}
			return n.ID
		},
		v.EncryptNote)
}

// DecryptSelection is EncryptSelection in reverse.
func (v *Vault) DecryptSelection(ctx context.Context, notes []*EncryptedNote, keys KeySource) ([]Result[*note.Note], error) {
	return runBatch(ctx, v, notes, keys,
		func(en *EncryptedNote) string {
			if en == nil {
				return ""
			}
			return en.ID
		},
		v.DecryptNote)
}

func runBatch[In, Out any](
	ctx context.Context,
	v *Vault,
	items []In,
	keys KeySource,
	idOf func(In) string,
	op func(In, *keystore.KeyHandle) (Out, error),
) ([]Result[Out], error) {
	// Snapshot the key once for the whole batch.
	key, err := keys.CurrentKey()
	if err != nil {
		return nil, err
	}
	defer key.Release()

	results := make([]Result[Out], len(items))
	var g errgroup.Group
	g.SetLimit(v.workers)

	for i, item := range items {
		results[i].ID = idOf(item)
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			value, err := op(item, key)
			if cerr := ctx.Err(); cerr != nil {
				// Finished after cancellation: report it as not done.
				results[i].Err = cerr
				return nil
			}
			results[i].Value, results[i].Err = value, err
			if results[i].Err != nil {
				v.logger.Debug("note operation failed", "note_id", results[i].ID, "error", results[i].Err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (v *Vault) observe(op string, err error) {
	if v.observer != nil {
		v.observer.ObserveNoteCrypto(op, err)
	}
}
