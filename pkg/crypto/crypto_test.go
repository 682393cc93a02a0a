package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

// fastKDF keeps Argon2id cheap in tests.
var fastKDF = KDFParams{Algorithm: KDFArgon2id, Iterations: 1, MemoryKiB: 64, Threads: 1}

func randomKey(t testing.TB, n int) []byte {
	t.Helper()
	key := make([]byte, n)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

// TestDeriveKey tests password-based key derivation for both algorithms
func TestDeriveKey(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() error = %v", err)
	}
	password := []byte("test-password-123")

	for _, params := range []KDFParams{
		fastKDF,
		{Algorithm: KDFPBKDF2SHA256, Iterations: 1000},
	} {
		t.Run(params.Algorithm, func(t *testing.T) {
			key, err := DeriveKey(password, salt, params)
			if err != nil {
				t.Fatalf("DeriveKey() error = %v", err)
			}
			if len(key) != WrapKeyLength {
				t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), WrapKeyLength)
			}

			key2, _ := DeriveKey(password, salt, params)
			if !bytes.Equal(key, key2) {
				t.Error("DeriveKey() with same inputs should produce identical keys")
			}

			other, _ := DeriveKey([]byte("different-password"), salt, params)
			if bytes.Equal(key, other) {
				t.Error("DeriveKey() with different password should produce different key")
			}

			otherSalt, _ := NewSalt()
			other, _ = DeriveKey(password, otherSalt, params)
			if bytes.Equal(key, other) {
				t.Error("DeriveKey() with different salt should produce different key")
			}
		})
	}
}

// TestDefaultKDFParams verifies Argon2id parameters match OWASP recommendations
func TestDefaultKDFParams(t *testing.T) {
	p := DefaultKDFParams()
	if p.Algorithm != KDFArgon2id {
		t.Errorf("Algorithm = %q, want %q", p.Algorithm, KDFArgon2id)
	}
	if p.MemoryKiB != 64*1024 {
		t.Errorf("MemoryKiB = %d, want %d (64MB)", p.MemoryKiB, 64*1024)
	}
	if p.Iterations != 3 {
		t.Errorf("Iterations = %d, want 3", p.Iterations)
	}
	if p.Threads != 4 {
		t.Errorf("Threads = %d, want 4", p.Threads)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestKDFParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		params KDFParams
	}{
		{"unknown algorithm", KDFParams{Algorithm: "scrypt", Iterations: 1}},
		{"argon2 zero iterations", KDFParams{Algorithm: KDFArgon2id, MemoryKiB: 64, Threads: 1}},
		{"argon2 zero threads", KDFParams{Algorithm: KDFArgon2id, Iterations: 1, MemoryKiB: 64}},
		{"argon2 huge memory", KDFParams{Algorithm: KDFArgon2id, Iterations: 1, MemoryKiB: 1 << 31, Threads: 1}},
		{"pbkdf2 zero iterations", KDFParams{Algorithm: KDFPBKDF2SHA256}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); !errors.Is(err, ErrInvalidKDFParams) {
				t.Errorf("Validate() error = %v, want %v", err, ErrInvalidKDFParams)
			}
			if _, err := DeriveKey([]byte("pw"), []byte("salt"), tt.params); !errors.Is(err, ErrInvalidKDFParams) {
				t.Errorf("DeriveKey() error = %v, want %v", err, ErrInvalidKDFParams)
			}
		})
	}
}

// TestSealOpen tests round-trips for every supported construction and key size
func TestSealOpen(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		keyLen  int
	}{
		{"aes-gcm 128", VersionAESGCM, 16},
		{"aes-gcm 256", VersionAESGCM, 32},
		{"xchacha20", VersionXChaCha20, 32},
	}

	plaintext := []byte("secret data to encrypt and decrypt")

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := randomKey(t, tt.keyLen)

			p, err := Seal(key, plaintext, tt.version)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if p.Version != tt.version {
				t.Errorf("Seal() version = %v, want %v", p.Version, tt.version)
			}
			if len(p.Nonce) != tt.version.nonceLength() {
				t.Errorf("Seal() nonce length = %d, want %d", len(p.Nonce), tt.version.nonceLength())
			}
			if len(p.Ciphertext) != len(plaintext)+TagLength {
				t.Errorf("Seal() ciphertext length = %d, want %d", len(p.Ciphertext), len(plaintext)+TagLength)
			}

			blob, err := p.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() error = %v", err)
			}
			decrypted, err := OpenBlob(key, blob)
			if err != nil {
				t.Fatalf("OpenBlob() error = %v", err)
			}
			if !bytes.Equal(decrypted, plaintext) {
				t.Errorf("OpenBlob() = %q, want %q", decrypted, plaintext)
			}
		})
	}
}

func TestSealInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		keyLen  int
	}{
		{"aes-gcm 24 bytes", VersionAESGCM, 24},
		{"aes-gcm empty", VersionAESGCM, 0},
		{"xchacha20 16 bytes", VersionXChaCha20, 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Seal(make([]byte, tt.keyLen), []byte("data"), tt.version)
			if !errors.Is(err, ErrInvalidKeyLength) {
				t.Errorf("Seal() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestOpenWrongKey(t *testing.T) {
	key := randomKey(t, 32)
	p, err := Seal(key, []byte("hello"), VersionAESGCM)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	plaintext, err := Open(randomKey(t, 32), p)
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Open() error = %v, want %v", err, ErrAuthentication)
	}
	if plaintext != nil {
		t.Error("Open() should not return plaintext on failure")
	}
}

// TestOpenKeySizeMismatch covers a payload sealed under a key of another
// size, as left behind when a rotation changes the key size.
func TestOpenKeySizeMismatch(t *testing.T) {
	tests := []struct {
		version Version
		sealKey int
		openKey int
	}{
		{VersionXChaCha20, 32, 16},
		{VersionAESGCM, 32, 16},
		{VersionAESGCM, 16, 32},
		{VersionAESGCM, 16, 24},
	}
	for _, tt := range tests {
		p, err := Seal(randomKey(t, tt.sealKey), []byte("hello"), tt.version)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		plaintext, err := Open(randomKey(t, tt.openKey), p)
		if !errors.Is(err, ErrAuthentication) {
			t.Errorf("Open(%v, %d-byte key) error = %v, want %v", tt.version, tt.openKey, err, ErrAuthentication)
		}
		if plaintext != nil {
			t.Error("Open() should not return plaintext on failure")
		}
	}
}

// TestTamperSensitivity flips every bit of the marshalled payload after the
// header and expects authentication to fail each time.
func TestTamperSensitivity(t *testing.T) {
	for _, v := range []Version{VersionAESGCM, VersionXChaCha20} {
		t.Run(v.String(), func(t *testing.T) {
			key := randomKey(t, 32)
			blob, err := SealBlob(key, []byte("tamper me"), v)
			if err != nil {
				t.Fatalf("SealBlob() error = %v", err)
			}

			for i := payloadHeaderLength; i < len(blob); i++ {
				for bit := 0; bit < 8; bit++ {
					tampered := bytes.Clone(blob)
					tampered[i] ^= 1 << bit
					if _, err := OpenBlob(key, tampered); !errors.Is(err, ErrAuthentication) {
						t.Fatalf("OpenBlob() with byte %d bit %d flipped: error = %v, want %v", i, bit, err, ErrAuthentication)
					}
				}
			}
		})
	}
}

func TestNonceUniqueness(t *testing.T) {
	const n = 10000
	key := randomKey(t, 32)
	seen := make(map[string]struct{}, n)

	for i := 0; i < n; i++ {
		p, err := Seal(key, []byte("same plaintext"), VersionAESGCM)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if _, dup := seen[string(p.Nonce)]; dup {
			t.Fatalf("nonce repeated after %d seals", i)
		}
		seen[string(p.Nonce)] = struct{}{}
	}
}

func TestParsePayloadMalformed(t *testing.T) {
	key := randomKey(t, 32)
	valid, err := SealBlob(key, []byte("x"), VersionAESGCM)
	if err != nil {
		t.Fatalf("SealBlob() error = %v", err)
	}

	unknownVersion := bytes.Clone(valid)
	unknownVersion[0] = 9
	wrongNonceLen := bytes.Clone(valid)
	wrongNonceLen[1] = XChaChaNonceLength

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"one byte", []byte{1}},
		{"header only", valid[:payloadHeaderLength]},
		{"missing tag", valid[:payloadHeaderLength+GCMNonceLength+TagLength-1]},
		{"unknown version", unknownVersion},
		{"nonce length mismatch", wrongNonceLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePayload(tt.blob); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("ParsePayload() error = %v, want %v", err, ErrMalformedPayload)
			}
			if _, err := OpenBlob(key, tt.blob); !errors.Is(err, ErrMalformedPayload) {
				t.Errorf("OpenBlob() error = %v, want %v", err, ErrMalformedPayload)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in      string
		want    Version
		wantErr bool
	}{
		{"", VersionAESGCM, false},
		{"aes-gcm", VersionAESGCM, false},
		{"xchacha20-poly1305", VersionXChaCha20, false},
		{"rot13", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseVersion(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseVersion(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseVersion(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSealOpenWithAD(t *testing.T) {
	key := randomKey(t, 32)
	p, err := SealWithAD(key, []byte("body"), []byte("note-1"), VersionAESGCM)
	if err != nil {
		t.Fatalf("SealWithAD() error = %v", err)
	}
	if _, err := OpenWithAD(key, p, []byte("note-2")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("OpenWithAD() with other AD error = %v, want %v", err, ErrAuthentication)
	}
	if _, err := OpenWithAD(key, p, []byte("note-1")); err != nil {
		t.Errorf("OpenWithAD() error = %v", err)
	}
}

func TestSealOpenProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.SampledFrom([]Version{VersionAESGCM, VersionXChaCha20}).Draw(t, "version")
		keyLen := 32
		if v == VersionAESGCM {
			keyLen = rapid.SampledFrom([]int{16, 32}).Draw(t, "keyLen")
		}
		key := rapid.SliceOfN(rapid.Byte(), keyLen, keyLen).Draw(t, "key")
		plaintext := rapid.SliceOf(rapid.Byte()).Draw(t, "plaintext")

		blob, err := SealBlob(key, plaintext, v)
		if err != nil {
			t.Fatalf("SealBlob() error = %v", err)
		}
		got, err := OpenBlob(key, blob)
		if err != nil {
			t.Fatalf("OpenBlob() error = %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("OpenBlob() = %x, want %x", got, plaintext)
		}
	})
}

// TestSecureWipe tests that SecureWipe zeros out memory
func TestSecureWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")
	SecureWipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte %d = %d, want 0", i, b)
		}
	}

	SecureWipe(nil)
	SecureWipe([]byte{})
}
