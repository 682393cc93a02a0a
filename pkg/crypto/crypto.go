// Package crypto provides cryptographic primitives for foilnotes.
//
// This package implements authenticated encryption of note payloads and the
// password-based key derivation used to wrap the note key.
//
// # Security Features
//
//   - AES-GCM (128 or 256-bit keys) and XChaCha20-Poly1305 authenticated encryption
//   - Argon2id key derivation (64MB memory, 3 iterations, 4 threads) or PBKDF2-SHA256
//   - A fresh random nonce for every Seal call
//   - Versioned payload encoding that fails closed on unknown versions
//   - Secure memory wiping for sensitive data
//
// # Example Usage
//
//	// Derive a wrapping key from a password
//	salt, _ := crypto.NewSalt()
//	kek, err := crypto.DeriveKey([]byte("password"), salt, crypto.DefaultKDFParams())
//
//	// Encrypt data
//	payload, err := crypto.Seal(key, plaintext, crypto.VersionAESGCM)
//	blob, err := payload.MarshalBinary()
//
//	// Decrypt data
//	payload, err = crypto.ParsePayload(blob)
//	plaintext, err := crypto.Open(key, payload)
//
//	// Securely wipe sensitive data
//	crypto.SecureWipe(kek)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
)

// Version identifies the AEAD construction a payload was sealed with.
type Version uint8

const (
	// VersionAESGCM is AES-GCM with a 12-byte nonce. Accepts 16 or 32 byte keys.
	VersionAESGCM Version = 1

	// VersionXChaCha20 is XChaCha20-Poly1305 with a 24-byte nonce. Requires a 32 byte key.
	VersionXChaCha20 Version = 2
)

const (
	// GCMNonceLength is the length of GCM nonces in bytes (96 bits).
	GCMNonceLength = 12

	// XChaChaNonceLength is the length of XChaCha20-Poly1305 nonces in bytes (192 bits).
	XChaChaNonceLength = chacha20poly1305.NonceSizeX

	// TagLength is the authentication tag length for both constructions.
	TagLength = 16

	// payloadHeaderLength is version(1) + nonce length(1).
	payloadHeaderLength = 2
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key size does not fit the payload version.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")

	// ErrAuthentication indicates decryption or authentication tag verification failed.
	ErrAuthentication = errors.New("crypto: authentication failed")

	// ErrMalformedPayload indicates a payload blob is truncated, inconsistent or of an unknown version.
	ErrMalformedPayload = errors.New("crypto: malformed payload")

	// ErrUnsupportedVersion indicates the payload version is not understood.
	ErrUnsupportedVersion = errors.New("crypto: unsupported payload version")
)

// Payload is an encrypted byte payload. The authentication tag is appended
// to Ciphertext.
type Payload struct {
	Version    Version
	Nonce      []byte
	Ciphertext []byte
}

// String returns the construction name.
func (v Version) String() string {
	switch v {
	case VersionAESGCM:
		return "aes-gcm"
	case VersionXChaCha20:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// ParseVersion maps a configuration name to a Version.
func ParseVersion(name string) (Version, error) {
	switch name {
	case "", "aes-gcm":
		return VersionAESGCM, nil
	case "xchacha20-poly1305":
		return VersionXChaCha20, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedVersion, name)
	}
}

func (v Version) nonceLength() int {
	if v == VersionXChaCha20 {
		return XChaChaNonceLength
	}
	return GCMNonceLength
}

// newAEAD builds the AEAD for the given version and key.
func newAEAD(key []byte, v Version) (cipher.AEAD, error) {
	switch v {
	case VersionAESGCM:
		if len(key) != 16 && len(key) != 32 {
			return nil, ErrInvalidKeyLength
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
		}
		return gcm, nil
	case VersionXChaCha20:
		if len(key) != chacha20poly1305.KeySize {
			return nil, ErrInvalidKeyLength
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: failed to create XChaCha20-Poly1305: %w", err)
		}
		return aead, nil
	default:
		return nil, ErrUnsupportedVersion
	}
}

// Seal encrypts plaintext under key using the construction selected by v.
//
// A cryptographically secure random nonce is generated for every call, so
// sealing the same plaintext twice never reuses a nonce. The returned payload
// owns all of its slices.
func Seal(key, plaintext []byte, v Version) (*Payload, error) {
	return SealWithAD(key, plaintext, nil, v)
}

// SealWithAD is Seal with additional authenticated data bound to the payload.
func SealWithAD(key, plaintext, ad []byte, v Version) (*Payload, error) {
	aead, err := newAEAD(key, v)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return &Payload{
		Version:    v,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, ad),
	}, nil
}

// Open verifies and decrypts a payload.
//
// The tag is checked before any plaintext is returned. Any mismatch between
// key, nonce, ciphertext or tag yields ErrAuthentication and a nil slice.
func Open(key []byte, p *Payload) ([]byte, error) {
	return OpenWithAD(key, p, nil)
}

// OpenWithAD is Open with additional authenticated data.
func OpenWithAD(key []byte, p *Payload, ad []byte) ([]byte, error) {
	if p == nil {
		return nil, ErrMalformedPayload
	}
	if p.Version != VersionAESGCM && p.Version != VersionXChaCha20 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, ErrUnsupportedVersion)
	}
	if len(p.Nonce) != p.Version.nonceLength() || len(p.Ciphertext) < TagLength {
		return nil, ErrMalformedPayload
	}
	aead, err := newAEAD(key, p.Version)
	if err != nil {
		// A key that cannot open this version is just the wrong key.
		if errors.Is(err, ErrInvalidKeyLength) {
			return nil, ErrAuthentication
		}
		return nil, err
	}

	plaintext, err := aead.Open(nil, p.Nonce, p.Ciphertext, ad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// MarshalBinary encodes the payload as version(1) | nonceLen(1) | nonce | ciphertext.
func (p *Payload) MarshalBinary() ([]byte, error) {
	if p.Version != VersionAESGCM && p.Version != VersionXChaCha20 {
		return nil, ErrUnsupportedVersion
	}
	if len(p.Nonce) != p.Version.nonceLength() {
		return nil, ErrMalformedPayload
	}
	out := make([]byte, 0, payloadHeaderLength+len(p.Nonce)+len(p.Ciphertext))
	out = append(out, byte(p.Version), byte(len(p.Nonce)))
	out = append(out, p.Nonce...)
	out = append(out, p.Ciphertext...)
	return out, nil
}

// ParsePayload decodes a blob produced by MarshalBinary.
//
// Lengths are checked against the version before slicing; unknown versions
// and truncated input return ErrMalformedPayload.
func ParsePayload(blob []byte) (*Payload, error) {
	if len(blob) < payloadHeaderLength {
		return nil, ErrMalformedPayload
	}
	v := Version(blob[0])
	if v != VersionAESGCM && v != VersionXChaCha20 {
		return nil, fmt.Errorf("%w: %w %d", ErrMalformedPayload, ErrUnsupportedVersion, blob[0])
	}
	nonceLen := int(blob[1])
	if nonceLen != v.nonceLength() {
		return nil, ErrMalformedPayload
	}
	rest := blob[payloadHeaderLength:]
	if len(rest) < nonceLen+TagLength {
		return nil, ErrMalformedPayload
	}

	p := &Payload{
		Version:    v,
		Nonce:      make([]byte, nonceLen),
		Ciphertext: make([]byte, len(rest)-nonceLen),
	}
	copy(p.Nonce, rest[:nonceLen])
	copy(p.Ciphertext, rest[nonceLen:])
	return p, nil
}

// SealBlob seals plaintext and returns the marshalled payload.
func SealBlob(key, plaintext []byte, v Version) ([]byte, error) {
	p, err := Seal(key, plaintext, v)
	if err != nil {
		return nil, err
	}
	return p.MarshalBinary()
}

// OpenBlob parses and opens a marshalled payload.
func OpenBlob(key, blob []byte) ([]byte, error) {
	p, err := ParsePayload(blob)
	if err != nil {
		return nil, err
	}
	return Open(key, p)
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the writes are not optimized away
	// since b is still "in use" after the loop.
	runtime.KeepAlive(b)
}
