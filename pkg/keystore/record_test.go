package keystore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
)

func TestRecordRoundTrip(t *testing.T) {
	ks := New(testOptions())
	rec, err := ks.GenerateKey(context.Background(), 256, []byte("correct-horse"))
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	b, err := MarshalRecord(rec)
	if err != nil {
		t.Fatalf("MarshalRecord() error = %v", err)
	}
	if !bytes.HasPrefix(b, RecordMagic[:]) {
		t.Errorf("MarshalRecord() missing magic prefix")
	}

	got, err := UnmarshalRecord(b)
	if err != nil {
		t.Fatalf("UnmarshalRecord() error = %v", err)
	}
	if !bytes.Equal(got.Salt, rec.Salt) || !bytes.Equal(got.WrappedKey, rec.WrappedKey) ||
		!bytes.Equal(got.WrapNonce, rec.WrapNonce) || got.KDF != rec.KDF ||
		got.KeySizeBits != rec.KeySizeBits || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("UnmarshalRecord() = %+v, want %+v", got, rec)
	}

	if err := ks.CheckPassword(context.Background(), []byte("correct-horse"), got); err != nil {
		t.Errorf("CheckPassword() on decoded record error = %v", err)
	}
}

func TestUnmarshalRecordMalformed(t *testing.T) {
	valid, err := MarshalRecord(&KeyRecord{Version: RecordVersion, KeySizeBits: 256})
	if err != nil {
		t.Fatalf("MarshalRecord() error = %v", err)
	}

	badMagic := bytes.Clone(valid)
	badMagic[0] = 'X'

	huge := append(RecordMagic[:], 0, 0, 0, 0)
	binary.BigEndian.PutUint32(huge[8:], 2*maxRecordHeader)

	future, _ := MarshalRecord(&KeyRecord{Version: RecordVersion + 1})

	tests := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"magic only", RecordMagic[:]},
		{"bad magic", badMagic},
		{"header too large", huge},
		{"truncated header", valid[:len(valid)-2]},
		{"trailing bytes", append(bytes.Clone(valid), '!')},
		{"future version", future},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalRecord(tt.in); !errors.Is(err, ErrMalformedRecord) {
				t.Errorf("UnmarshalRecord() error = %v, want %v", err, ErrMalformedRecord)
			}
		})
	}
}
