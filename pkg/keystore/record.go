package keystore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/forest6511/foilnotes/pkg/crypto"
)

// RecordMagic starts every serialized key record: "FOILKEY1".
var RecordMagic = [8]byte{'F', 'O', 'I', 'L', 'K', 'E', 'Y', '1'}

// RecordVersion is the current key record format version.
const RecordVersion = 1

// maxRecordHeader is the sanity cap on the JSON header length (1MB).
const maxRecordHeader = 1024 * 1024

// KeyRecord is the persisted, password-wrapped form of the note key.
// It never contains raw key bytes.
type KeyRecord struct {
	Version     int              `json:"version"`
	KeySizeBits int              `json:"key_size_bits"`
	CreatedAt   time.Time        `json:"created_at"`
	Salt        []byte           `json:"salt"`
	KDF         crypto.KDFParams `json:"kdf"`
	WrapNonce   []byte           `json:"wrap_nonce"`
	WrappedKey  []byte           `json:"wrapped_key"`
}

// RecordStore loads and saves the single key record.
type RecordStore interface {
	// LoadKeyRecord returns ErrNoRecord when no key has been generated yet.
	LoadKeyRecord(ctx context.Context) (*KeyRecord, error)
	SaveKeyRecord(ctx context.Context, rec *KeyRecord) error
}

// WriteRecord writes the magic number, header length and JSON header.
func WriteRecord(w io.Writer, rec *KeyRecord) error {
	if rec == nil {
		return ErrMalformedRecord
	}
	if _, err := w.Write(RecordMagic[:]); err != nil {
		return fmt.Errorf("keystore: failed to write magic number: %w", err)
	}

	headerJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("keystore: failed to marshal record: %w", err)
	}

	// Header length (4 bytes, big-endian)
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerJSON))); err != nil {
		return fmt.Errorf("keystore: failed to write header length: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("keystore: failed to write record: %w", err)
	}
	return nil
}

// ReadRecord reads and validates a record written by WriteRecord.
func ReadRecord(r io.Reader) (*KeyRecord, error) {
	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: failed to read magic number: %v", ErrMalformedRecord, err)
	}
	if magic != RecordMagic {
		return nil, fmt.Errorf("%w: bad magic number", ErrMalformedRecord)
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, fmt.Errorf("%w: failed to read header length: %v", ErrMalformedRecord, err)
	}
	if headerLen > maxRecordHeader {
		return nil, fmt.Errorf("%w: header too large: %d bytes", ErrMalformedRecord, headerLen)
	}

	headerJSON := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerJSON); err != nil {
		return nil, fmt.Errorf("%w: failed to read header: %v", ErrMalformedRecord, err)
	}

	var rec KeyRecord
	if err := json.Unmarshal(headerJSON, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if rec.Version != RecordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, rec.Version)
	}
	return &rec, nil
}

// MarshalRecord serializes rec to bytes.
func MarshalRecord(rec *KeyRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteRecord(&buf, rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalRecord parses bytes produced by MarshalRecord. Trailing bytes are rejected.
func UnmarshalRecord(b []byte) (*KeyRecord, error) {
	r := bytes.NewReader(b)
	rec, err := ReadRecord(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedRecord)
	}
	return rec, nil
}

// wrapAD binds the record version and key size to the wrapped key, so an
// edited key_size_bits fails authentication instead of truncating the key.
func wrapAD(version, keySizeBits int) []byte {
	return fmt.Appendf(nil, "foilnotes/key/v%d/%d", version, keySizeBits)
}
