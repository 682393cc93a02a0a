package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDF algorithm identifiers stored in key records.
const (
	KDFArgon2id     = "argon2id"
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
)

const (
	// Argon2Memory is the memory cost in KiB (64MB)
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations
	Argon2Time = 3

	// Argon2Threads is the parallelism factor
	Argon2Threads = 4

	// PBKDF2Iterations is the default iteration count for PBKDF2-SHA256
	PBKDF2Iterations = 600_000

	// WrapKeyLength is the length of derived wrapping keys in bytes (256 bits)
	WrapKeyLength = 32

	// SaltLength is the length of KDF salts in bytes (128 bits)
	SaltLength = 16
)

// Upper bounds on KDF cost. Parameters come from key records on disk, so an
// edited record must not be able to request unbounded work.
const (
	maxArgon2Memory     = 4 * 1024 * 1024
	maxArgon2Time       = 64
	maxPBKDF2Iterations = 50_000_000
)

// ErrInvalidKDFParams indicates the KDF parameters are unknown or out of range.
var ErrInvalidKDFParams = errors.New("crypto: invalid KDF parameters")

// KDFParams describes how a wrapping key is derived from a password.
type KDFParams struct {
	Algorithm  string `json:"algorithm"`
	Iterations uint32 `json:"iterations"`
	MemoryKiB  uint32 `json:"memory_kib,omitempty"`
	Threads    uint8  `json:"threads,omitempty"`
}

// DefaultKDFParams returns Argon2id with OWASP-recommended parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  KDFArgon2id,
		Iterations: Argon2Time,
		MemoryKiB:  Argon2Memory,
		Threads:    Argon2Threads,
	}
}

// Validate checks that the parameters name a known algorithm with sane cost.
func (p KDFParams) Validate() error {
	switch p.Algorithm {
	case KDFArgon2id:
		if p.Iterations == 0 || p.Iterations > maxArgon2Time {
			return fmt.Errorf("%w: argon2id iterations %d", ErrInvalidKDFParams, p.Iterations)
		}
		if p.MemoryKiB < 8*uint32(max(p.Threads, 1)) || p.MemoryKiB > maxArgon2Memory {
			return fmt.Errorf("%w: argon2id memory %d KiB", ErrInvalidKDFParams, p.MemoryKiB)
		}
		if p.Threads == 0 {
			return fmt.Errorf("%w: argon2id threads must be positive", ErrInvalidKDFParams)
		}
	case KDFPBKDF2SHA256:
		if p.Iterations == 0 || p.Iterations > maxPBKDF2Iterations {
			return fmt.Errorf("%w: pbkdf2 iterations %d", ErrInvalidKDFParams, p.Iterations)
		}
	default:
		return fmt.Errorf("%w: unknown algorithm %q", ErrInvalidKDFParams, p.Algorithm)
	}
	return nil
}

// NewSalt returns SaltLength random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a WrapKeyLength-byte key from password and salt.
//
// The same password, salt and parameters always produce the same key. The
// caller should wipe the returned key with SecureWipe once it is no longer
// needed.
func DeriveKey(password, salt []byte, p KDFParams) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty salt", ErrInvalidKDFParams)
	}

	switch p.Algorithm {
	case KDFPBKDF2SHA256:
		return pbkdf2.Key(password, salt, int(p.Iterations), WrapKeyLength, sha256.New), nil
	default:
		return argon2.IDKey(password, salt, p.Iterations, p.MemoryKiB, p.Threads, WrapKeyLength), nil
	}
}
