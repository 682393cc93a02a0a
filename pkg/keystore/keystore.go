// Package keystore derives, wraps and unwraps the note encryption key.
//
// The raw key is random; what the user's password protects is a wrapping
// key derived with Argon2id or PBKDF2. Only the wrapped form (KeyRecord) is
// ever persisted. Unlocking yields a KeyHandle that keeps the raw bytes in a
// memguard enclave until released.
package keystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/forest6511/foilnotes/pkg/crypto"
)

// Errors
var (
	ErrWeakPassword       = errors.New("keystore: password too short")
	ErrInvalidPassword    = errors.New("keystore: invalid password")
	ErrSamePassword       = errors.New("keystore: new password must differ from the current one")
	ErrLocked             = errors.New("keystore: key is locked")
	ErrUnsupportedKeySize = errors.New("keystore: unsupported key size")
	ErrNoRecord           = errors.New("keystore: no key record")
	ErrMalformedRecord    = errors.New("keystore: malformed key record")
)

// DefaultKeySizes are the key sizes offered when none are configured.
var DefaultKeySizes = []int{128, 256}

// Observer receives KDF timings. internal/metrics implements it.
type Observer interface {
	ObserveKDF(algorithm string, d time.Duration)
}

// Options are the named, overridable constants of the key store.
type Options struct {
	MinPasswordLength int
	KeySizeOptions    []int
	KDF               crypto.KDFParams
	Logger            *slog.Logger
	Observer          Observer
}

// DefaultOptions returns min length 8, sizes {128, 256} and Argon2id defaults.
func DefaultOptions() Options {
	return Options{
		MinPasswordLength: DefaultMinPasswordLength,
		KeySizeOptions:    slices.Clone(DefaultKeySizes),
		KDF:               crypto.DefaultKDFParams(),
	}
}

// KeyStore performs key record operations and holds the current unlocked
// handle. It is safe for concurrent use.
type KeyStore struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *KeyHandle
}

// New creates a KeyStore. Zero-valued options fall back to defaults.
func New(opts Options) *KeyStore {
	def := DefaultOptions()
	if opts.MinPasswordLength <= 0 {
		opts.MinPasswordLength = def.MinPasswordLength
	}
	if len(opts.KeySizeOptions) == 0 {
		opts.KeySizeOptions = def.KeySizeOptions
	}
	if opts.KDF.Algorithm == "" {
		opts.KDF = def.KDF
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KeyStore{opts: opts, logger: logger}
}

// Options returns the effective options.
func (s *KeyStore) Options() Options {
	return s.opts
}

// GenerateKey creates a new random key of keySizeBits and wraps it under
// password. The returned record is ready to persist.
func (s *KeyStore) GenerateKey(ctx context.Context, keySizeBits int, password []byte) (*KeyRecord, error) {
	if !slices.Contains(s.opts.KeySizeOptions, keySizeBits) || keySizeBits%8 != 0 {
		return nil, fmt.Errorf("%w: %d bits (supported: %v)", ErrUnsupportedKeySize, keySizeBits, s.opts.KeySizeOptions)
	}
	if keySizeBits != 128 && keySizeBits != 256 {
		return nil, fmt.Errorf("%w: %d bits", ErrUnsupportedKeySize, keySizeBits)
	}
	pw := normalizePassword(password)
	defer crypto.SecureWipe(pw)
	if err := checkLength(pw, s.opts.MinPasswordLength); err != nil {
		return nil, err
	}

	// 1. Generate the raw key
	key := make([]byte, keySizeBits/8)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keystore: failed to generate key: %w", err)
	}
	defer crypto.SecureWipe(key)

	// 2. Wrap it under a fresh salt
	rec, err := s.wrap(ctx, key, pw)
	if err != nil {
		return nil, err
	}

	s.logger.Info("key generated", "key_size_bits", keySizeBits, "kdf", rec.KDF.Algorithm)
	return rec, nil
}

// RotateKey replaces the key with a new random one. It is GenerateKey
// under another name: every payload sealed under the previous key becomes
// permanently unreadable. Callers must obtain explicit confirmation first.
func (s *KeyStore) RotateKey(ctx context.Context, keySizeBits int, password []byte) (*KeyRecord, error) {
	rec, err := s.GenerateKey(ctx, keySizeBits, password)
	if err != nil {
		return nil, err
	}
	s.logger.Warn("key rotated, previously encrypted notes are unreadable")
	return rec, nil
}

// Unlock re-derives the wrapping key and unwraps the record. Any failure
// after argument checks is reported as ErrInvalidPassword, whether the
// password was wrong or the record is damaged.
func (s *KeyStore) Unlock(ctx context.Context, password []byte, rec *KeyRecord) (*KeyHandle, error) {
	if rec == nil {
		return nil, ErrNoRecord
	}
	pw := normalizePassword(password)
	defer crypto.SecureWipe(pw)

	key, err := s.unwrap(ctx, pw, rec)
	if err != nil {
		return nil, err
	}
	return newKeyHandle(key), nil
}

// CheckPassword verifies password against rec without producing a handle.
func (s *KeyStore) CheckPassword(ctx context.Context, password []byte, rec *KeyRecord) error {
	h, err := s.Unlock(ctx, password, rec)
	if err != nil {
		return err
	}
	h.Release()
	return nil
}

// ChangePassword re-wraps the same key bytes under newPassword with a
// fresh salt. No note needs to be re-encrypted.
func (s *KeyStore) ChangePassword(ctx context.Context, oldPassword, newPassword []byte, rec *KeyRecord) (*KeyRecord, error) {
	if rec == nil {
		return nil, ErrNoRecord
	}
	oldPw := normalizePassword(oldPassword)
	defer crypto.SecureWipe(oldPw)
	newPw := normalizePassword(newPassword)
	defer crypto.SecureWipe(newPw)

	// 1. Unwrap with the old password
	key, err := s.unwrap(ctx, oldPw, rec)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)

	// 2. Validate the new password
	if err := checkLength(newPw, s.opts.MinPasswordLength); err != nil {
		return nil, err
	}
	if bytes.Equal(oldPw, newPw) {
		return nil, ErrSamePassword
	}

	// 3. Re-wrap, keeping the original creation time
	next, err := s.wrap(ctx, key, newPw)
	if err != nil {
		return nil, err
	}
	next.CreatedAt = rec.CreatedAt

	s.logger.Info("key password changed")
	return next, nil
}

// Open installs h as the current key. The store takes over the caller's
// reference; any previous handle is released.
func (s *KeyStore) Open(h *KeyHandle) {
	s.mu.Lock()
	prev := s.current
	s.current = h
	s.mu.Unlock()
	prev.Release()
}

// CurrentKey returns a new reference to the current handle, or ErrLocked.
// The caller must Release it.
func (s *KeyStore) CurrentKey() (*KeyHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.current.retain() {
		return nil, ErrLocked
	}
	return s.current, nil
}

// Unlocked reports whether a key is installed.
func (s *KeyStore) Unlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Lock discards the current key. Handles already obtained through
// CurrentKey stay valid until released.
func (s *KeyStore) Lock() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()
	prev.Release()
}

// wrap seals key under a wrapping key derived from pw with a fresh salt.
func (s *KeyStore) wrap(ctx context.Context, key, pw []byte) (*KeyRecord, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, err
	}
	kek, err := s.derive(ctx, pw, salt, s.opts.KDF)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(kek)

	keySizeBits := len(key) * 8
	sealed, err := crypto.SealWithAD(kek, key, wrapAD(RecordVersion, keySizeBits), crypto.VersionAESGCM)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to wrap key: %w", err)
	}

	return &KeyRecord{
		Version:     RecordVersion,
		KeySizeBits: keySizeBits,
		CreatedAt:   time.Now().UTC(),
		Salt:        salt,
		KDF:         s.opts.KDF,
		WrapNonce:   sealed.Nonce,
		WrappedKey:  sealed.Ciphertext,
	}, nil
}

// unwrap returns the raw key bytes or ErrInvalidPassword. Context errors
// pass through so cancellation is distinguishable.
func (s *KeyStore) unwrap(ctx context.Context, pw []byte, rec *KeyRecord) ([]byte, error) {
	kek, err := s.derive(ctx, pw, rec.Salt, rec.KDF)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Debug("key derivation rejected record parameters", "error", err)
		return nil, ErrInvalidPassword
	}
	defer crypto.SecureWipe(kek)

	key, err := crypto.OpenWithAD(kek, &crypto.Payload{
		Version:    crypto.VersionAESGCM,
		Nonce:      rec.WrapNonce,
		Ciphertext: rec.WrappedKey,
	}, wrapAD(rec.Version, rec.KeySizeBits))
	if err != nil {
		return nil, ErrInvalidPassword
	}
	if len(key)*8 != rec.KeySizeBits || (len(key) != 16 && len(key) != 32) {
		crypto.SecureWipe(key)
		return nil, ErrInvalidPassword
	}
	return key, nil
}

// derive runs the KDF off the calling goroutine so ctx cancellation is
// honoured. A result that arrives after cancellation is wiped.
func (s *KeyStore) derive(ctx context.Context, pw, salt []byte, params crypto.KDFParams) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(salt) != crypto.SaltLength {
		return nil, fmt.Errorf("%w: salt length %d", crypto.ErrInvalidKDFParams, len(salt))
	}

	type result struct {
		key []byte
		err error
	}
	// The KDF goroutine reads its own copy so the caller may wipe pw on return.
	pwCopy := bytes.Clone(pw)
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		defer crypto.SecureWipe(pwCopy)
		key, err := crypto.DeriveKey(pwCopy, salt, params)
		done <- result{key, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && s.opts.Observer != nil {
			s.opts.Observer.ObserveKDF(params.Algorithm, time.Since(start))
		}
		return r.key, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			crypto.SecureWipe(r.key)
		}()
		return nil, ctx.Err()
	}
}
