package keystore

import (
	"sync"

	"github.com/awnumar/memguard"
)

// KeyHandle is an unlocked note key. The raw bytes live in a memguard
// enclave and are only exposed inside Use.
//
// Handles are reference counted. Whoever obtains a handle from Unlock or
// KeyStore.CurrentKey owns one reference and must call Release. The enclave
// is dropped when the last reference goes away, so a batch that captured a
// handle keeps working after the store is locked.
type KeyHandle struct {
	mu       sync.Mutex
	enclave  *memguard.Enclave
	sizeBits int
	refs     int
}

// newKeyHandle moves key into an enclave. key is wiped.
func newKeyHandle(key []byte) *KeyHandle {
	return &KeyHandle{
		sizeBits: len(key) * 8,
		enclave:  memguard.NewEnclave(key),
		refs:     1,
	}
}

// SizeBits returns the key size in bits.
func (h *KeyHandle) SizeBits() int {
	return h.sizeBits
}

// Use calls fn with the raw key bytes. The slice is destroyed when fn
// returns and must not be retained. Returns ErrLocked if the handle has
// been fully released.
func (h *KeyHandle) Use(fn func(key []byte) error) error {
	h.mu.Lock()
	enclave := h.enclave
	h.mu.Unlock()
	if enclave == nil {
		return ErrLocked
	}

	buf, err := enclave.Open()
	if err != nil {
		return ErrLocked
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// retain adds a reference. It reports false if the handle is already dead.
func (h *KeyHandle) retain() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return false
	}
	h.refs++
	return true
}

// Release drops one reference. Safe to call on a nil handle.
func (h *KeyHandle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return
	}
	h.refs--
	if h.refs == 0 {
		h.enclave = nil
	}
}

// Alive reports whether the key is still usable.
func (h *KeyHandle) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enclave != nil
}
