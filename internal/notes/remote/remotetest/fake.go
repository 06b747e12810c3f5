// Package remotetest provides an in-memory remote.API for tests.
package remotetest

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Fake is an in-memory notes API that behaves like the reference server:
// creates of an existing identifier conflict, deletes are soft and stamp
// updatedAt with the fake clock.
type Fake struct {
	mu      sync.Mutex
	notes   map[string]*schema.Note
	calls   map[string]int
	fail    map[string]error
	offline bool
	clock   time.Time
}

// NewFake creates an empty fake whose clock starts at start.
func NewFake(start time.Time) *Fake {
	return &Fake{
		notes: make(map[string]*schema.Note),
		calls: make(map[string]int),
		fail:  make(map[string]error),
		clock: start.UTC(),
	}
}

// Seed stores notes as if other clients had written them.
func (f *Fake) Seed(notes ...*schema.Note) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range notes {
		f.notes[n.ID] = wire(n)
	}
}

// Note returns the fake's copy of id, or nil.
func (f *Fake) Note(id string) *schema.Note {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.notes[id]; ok {
		return n.Clone()
	}
	return nil
}

// Calls returns how often op ("list", "get", "create", "update", "delete")
// was called, failed calls included.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// FailID makes every call touching id return err. A nil err clears it.
func (f *Fake) FailID(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, id)
		return
	}
	f.fail[id] = err
}

// SetOffline makes every call fail with a transient error.
func (f *Fake) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// Advance moves the fake clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
}

// Transient returns a transient *remote.Error for op.
func Transient(op string) error {
	return &remote.Error{Op: op, StatusCode: http.StatusServiceUnavailable, Kind: remote.ErrTransient}
}

// Rejected returns a validation *remote.Error for op.
func Rejected(op string) error {
	return &remote.Error{Op: op, StatusCode: http.StatusBadRequest, Message: "rejected", Kind: remote.ErrValidation}
}

func (f *Fake) enter(op, id string) error {
	f.calls[op]++
	if f.offline {
		return Transient(op)
	}
	if err, ok := f.fail[id]; ok {
		return err
	}
	return nil
}

// List implements remote.API.
func (f *Fake) List(ctx context.Context) ([]*schema.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("list", ""); err != nil {
		return nil, err
	}

	out := make([]*schema.Note, 0, len(f.notes))
	for _, n := range f.notes {
		out = append(out, n.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get implements remote.API.
func (f *Fake) Get(ctx context.Context, id string) (*schema.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("get", id); err != nil {
		return nil, err
	}
	if n, ok := f.notes[id]; ok {
		return n.Clone(), nil
	}
	return nil, nil
}

// Create implements remote.API.
func (f *Fake) Create(ctx context.Context, note *schema.Note) (*schema.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create", note.ID); err != nil {
		return nil, err
	}
	if _, ok := f.notes[note.ID]; ok {
		return nil, &remote.Error{Op: "POST /notes", StatusCode: http.StatusConflict, Kind: remote.ErrConflict}
	}
	n := wire(note)
	n.IsDeleted = false
	f.notes[n.ID] = n
	return n.Clone(), nil
}

// Update implements remote.API.
func (f *Fake) Update(ctx context.Context, note *schema.Note) (*schema.Note, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("update", note.ID); err != nil {
		return nil, err
	}
	cur, ok := f.notes[note.ID]
	if !ok {
		return nil, &remote.Error{Op: "PUT /notes/" + note.ID, StatusCode: http.StatusNotFound, Kind: remote.ErrNotFound}
	}
	cur.Title = note.Title
	cur.Content = note.Content
	cur.UpdatedAt = note.UpdatedAt.UTC()
	cur.IsDeleted = note.IsDeleted
	return cur.Clone(), nil
}

// Delete implements remote.API.
func (f *Fake) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("delete", id); err != nil {
		return err
	}
	cur, ok := f.notes[id]
	if !ok {
		return &remote.Error{Op: "DELETE /notes/" + id, StatusCode: http.StatusNotFound, Kind: remote.ErrNotFound}
	}
	f.clock = f.clock.Add(time.Millisecond)
	cur.IsDeleted = true
	if f.clock.After(cur.UpdatedAt) {
		cur.UpdatedAt = f.clock
	} else {
		cur.UpdatedAt = cur.UpdatedAt.Add(time.Millisecond)
	}
	return nil
}

// wire strips local metadata, as the HTTP client does.
func wire(n *schema.Note) *schema.Note {
	c := n.Clone()
	c.SyncStatus = schema.StatusNone
	c.SyncAttempts = 0
	c.LastSyncError = ""
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c
}

var _ remote.API = (*Fake)(nil)
