package server

import (
	"context"
	"errors"
	"sync"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

var (
	// ErrNotFound is returned by a Store for an unknown identifier.
	ErrNotFound = errors.New("note not found")
	// ErrExists is returned by Create for an identifier already stored.
	ErrExists = errors.New("note already exists")
)

// Store persists the server's notes. Notes are returned in creation order.
type Store interface {
	List(ctx context.Context) ([]*schema.Note, error)
	Get(ctx context.Context, id string) (*schema.Note, error)
	Create(ctx context.Context, note *schema.Note) error
	Update(ctx context.Context, note *schema.Note) error
	Close() error
}

// MemoryStore keeps notes in memory. State is lost on restart.
type MemoryStore struct {
	mu    sync.RWMutex
	order []string
	notes map[string]*schema.Note
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[string]*schema.Note)}
}

// List returns every note, tombstones included.
func (m *MemoryStore) List(ctx context.Context) ([]*schema.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.Note, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.notes[id].Clone())
	}
	return out, nil
}

// Get returns the note with id.
func (m *MemoryStore) Get(ctx context.Context, id string) (*schema.Note, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

// Create stores a new note.
func (m *MemoryStore) Create(ctx context.Context, note *schema.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notes[note.ID]; ok {
		return ErrExists
	}
	m.notes[note.ID] = note.Clone()
	m.order = append(m.order, note.ID)
	return nil
}

// Update replaces an existing note.
func (m *MemoryStore) Update(ctx context.Context, note *schema.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notes[note.ID]; !ok {
		return ErrNotFound
	}
	m.notes[note.ID] = note.Clone()
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
