package store

import (
	"bytes"
	"context"
	"slices"
	"sync"

	"github.com/forest6511/foilnotes/pkg/keystore"
)

type memNote struct {
	seq       int
	blob      []byte
	encrypted bool
}

// Memory is an in-process Store for tests and ephemeral sessions.
type Memory struct {
	mu     sync.RWMutex
	record []byte
	notes  map[string]memNote
	order  []string
	seq    int
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{notes: make(map[string]memNote)}
}

// LoadKeyRecord implements keystore.RecordStore.
func (m *Memory) LoadKeyRecord(context.Context) (*keystore.KeyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.record == nil {
		return nil, keystore.ErrNoRecord
	}
	return keystore.UnmarshalRecord(m.record)
}

// SaveKeyRecord implements keystore.RecordStore. The record is stored in
// its serialized form so callers cannot mutate it afterwards.
func (m *Memory) SaveKeyRecord(_ context.Context, rec *keystore.KeyRecord) error {
	b, err := keystore.MarshalRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = b
	return nil
}

// LoadNote implements NoteStore.
func (m *Memory) LoadNote(_ context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notes[id]
	if !ok {
		return nil, false, ErrNotFound
	}
	return bytes.Clone(n.blob), n.encrypted, nil
}

// SaveNote implements NoteStore.
func (m *Memory) SaveNote(_ context.Context, id string, blob []byte, encrypted bool) error {
	if err := validateID(id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		m.seq++
		n.seq = m.seq
	}
	n.blob = bytes.Clone(blob)
	n.encrypted = encrypted
	m.notes[id] = n
	return nil
}

// DeleteNote implements NoteStore.
func (m *Memory) DeleteNote(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notes[id]; !ok {
		return ErrNotFound
	}
	delete(m.notes, id)
	return nil
}

// ListNoteIDs implements NoteStore.
func (m *Memory) ListNoteIDs(_ context.Context, encrypted bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.notes))
	for id, n := range m.notes {
		if n.encrypted == encrypted {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return m.notes[a].seq - m.notes[b].seq
	})
	return orderIDs(ids, m.order), nil
}

// SaveOrder implements NoteStore.
func (m *Memory) SaveOrder(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = slices.Clone(ids)
	return nil
}

// LoadOrder implements NoteStore.
func (m *Memory) LoadOrder(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.order), nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
