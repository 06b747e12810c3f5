// Package service implements the user-facing note operations on top of the
// replica: list, create, update, delete and a live list subscription.
//
// Mutations try the remote first when online. A transient remote failure, or
// being offline, falls back to the offline path: the note is written with a
// pending status and a deferred run is registered for its flow.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

var (
	// ErrNotFound is returned for an identifier the replica does not hold.
	ErrNotFound = errors.New("note not found")
	// ErrDeleted is returned when editing or deleting a tombstoned note.
	ErrDeleted = errors.New("note is deleted")
)

// Store is the replica store as seen by the service. *db.DB satisfies it.
type Store interface {
	GetContext(ctx context.Context, id string) (*schema.Note, error)
	PutContext(ctx context.Context, note *schema.Note) error
	DeleteContext(ctx context.Context, id string) error
	ListNotesContext(ctx context.Context, filter db.ListFilter) ([]*schema.Note, error)
	RequestDeferredRun(ctx context.Context, tag string) error
	Lock(id string) func()
}

// Notifier asks for a sync flow to run. *daemon.Daemon satisfies it.
type Notifier interface {
	Notify(ctx context.Context, flow notesync.Flow) error
}

// Config configures a Service.
type Config struct {
	// API is the remote. Nil means always offline.
	API remote.API

	// Online reports connectivity. Nil means online whenever API is set.
	Online func() bool

	// Notifier receives flow requests from the offline path. Nil registers a
	// deferred run in the store, to be drained by the daemon.
	Notifier Notifier

	// PollInterval is how often subscriptions re-read the replica to pick up
	// changes made by other processes (default 1s).
	PollInterval time.Duration

	// Now is the clock (default time.Now)
	Now func() time.Time

	// Logger (defaults to stderr with "[notes] " prefix)
	Logger *log.Logger
}

// NoteInput is the user-supplied content of a new note.
type NoteInput struct {
	Title   string
	Content string
}

// Service implements the note operations.
type Service struct {
	store  Store
	config Config

	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

// New creates a Service on store.
func New(store Store, cfg Config) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[notes] ", log.LstdFlags)
	}
	return &Service{
		store:  store,
		config: cfg,
		subs:   make(map[chan struct{}]struct{}),
	}
}

// Online reports whether mutations will try the remote first.
func (s *Service) Online() bool {
	if s.config.API == nil {
		return false
	}
	if s.config.Online == nil {
		return true
	}
	return s.config.Online()
}

// ListNotes returns the live notes, most recently updated first.
func (s *Service) ListNotes(ctx context.Context) ([]*schema.Note, error) {
	notes, err := s.store.ListNotesContext(ctx, db.ListFilter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	return notes, nil
}

// GetNote returns one note, tombstones included.
func (s *Service) GetNote(ctx context.Context, id string) (*schema.Note, error) {
	n, err := s.store.GetContext(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note: %w", err)
	}
	return n, nil
}

// CreateNote creates a note with a fresh identifier.
func (s *Service) CreateNote(ctx context.Context, in NoteInput) (*schema.Note, error) {
	now := s.config.Now().UTC()
	n := &schema.Note{
		ID:         schema.NewID(),
		Title:      strings.TrimSpace(in.Title),
		Content:    in.Content,
		CreatedAt:  now,
		UpdatedAt:  now,
		SyncStatus: schema.StatusNone,
	}
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("invalid note: %w", err)
	}

	unlock := s.store.Lock(n.ID)
	defer unlock()

	if s.Online() {
		_, err := s.config.API.Create(ctx, n)
		switch {
		case err == nil:
			return n, s.save(ctx, n, "", schema.EventCreateSynced)
		case errors.Is(err, remote.ErrValidation):
			return nil, fmt.Errorf("failed to create note: %w", err)
		default:
			s.config.Logger.Printf("Create of %s not confirmed, keeping it for sync: %v", n.ID, err)
		}
	}

	if err := s.save(ctx, n, "", schema.EventCreateOffline); err != nil {
		return nil, err
	}
	s.notify(ctx, notesync.FlowNew)
	return n, nil
}

// UpdateNote replaces the title and content of an existing note with those
// of note and returns the stored result.
func (s *Service) UpdateNote(ctx context.Context, note *schema.Note) (*schema.Note, error) {
	unlock := s.store.Lock(note.ID)
	defer unlock()

	cur, err := s.GetNote(ctx, note.ID)
	if err != nil {
		return nil, err
	}
	if cur.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrDeleted, note.ID)
	}

	n := cur.Clone()
	n.Title = strings.TrimSpace(note.Title)
	n.Content = note.Content
	n.Touch(s.config.Now())
	if err := n.Validate(); err != nil {
		return nil, fmt.Errorf("invalid note: %w", err)
	}

	if s.Online() {
		var err error
		if cur.SyncStatus == schema.StatusNew {
			// The remote has never seen it.
			_, err = s.config.API.Create(ctx, n)
		} else {
			_, err = s.config.API.Update(ctx, n)
		}
		switch {
		case err == nil:
			return n, s.save(ctx, n, cur.SyncStatus, schema.EventEditSynced)
		case errors.Is(err, remote.ErrValidation):
			return nil, fmt.Errorf("failed to update note: %w", err)
		default:
			s.config.Logger.Printf("Update of %s not confirmed, keeping it for sync: %v", n.ID, err)
		}
	}

	if err := s.save(ctx, n, cur.SyncStatus, schema.EventEditOffline); err != nil {
		return nil, err
	}
	flow, _ := notesync.FlowForStatus(n.SyncStatus)
	s.notify(ctx, flow)
	return n, nil
}

// DeleteNote deletes note. A note the remote has never seen is removed at
// once; otherwise the remote delete is attempted, falling back to a
// tombstone that the deleted flow reconciles later.
func (s *Service) DeleteNote(ctx context.Context, note *schema.Note) error {
	unlock := s.store.Lock(note.ID)
	defer unlock()

	cur, err := s.GetNote(ctx, note.ID)
	if err != nil {
		return err
	}
	if cur.IsDeleted {
		return fmt.Errorf("%w: %s", ErrDeleted, note.ID)
	}

	if cur.SyncStatus == schema.StatusNew {
		return s.save(ctx, cur, cur.SyncStatus, schema.EventDeleteOffline)
	}

	if s.Online() {
		err := s.config.API.Delete(ctx, cur.ID)
		switch {
		case err == nil, errors.Is(err, remote.ErrNotFound):
			return s.save(ctx, cur, cur.SyncStatus, schema.EventDeleteSynced)
		case errors.Is(err, remote.ErrValidation):
			return fmt.Errorf("failed to delete note: %w", err)
		default:
			s.config.Logger.Printf("Delete of %s not confirmed, keeping tombstone for sync: %v", cur.ID, err)
		}
	}

	n := cur.Clone()
	n.IsDeleted = true
	n.Touch(s.config.Now())
	if err := s.save(ctx, n, cur.SyncStatus, schema.EventDeleteOffline); err != nil {
		return err
	}
	s.notify(ctx, notesync.FlowDeleted)
	return nil
}

// save applies ev to n and writes or removes it.
func (s *Service) save(ctx context.Context, n *schema.Note, from schema.Status, ev schema.Event) error {
	out, err := schema.Transition(from, ev)
	if err != nil {
		return fmt.Errorf("failed to apply %s to note %s: %w", ev, n.ID, err)
	}

	if out.Remove {
		if err := s.store.DeleteContext(ctx, n.ID); err != nil {
			return fmt.Errorf("failed to remove note: %w", err)
		}
	} else {
		n.SyncStatus = out.Status
		n.SyncAttempts = 0
		n.LastSyncError = ""
		if err := s.store.PutContext(ctx, n); err != nil {
			return fmt.Errorf("failed to save note: %w", err)
		}
	}

	s.Refresh()
	return nil
}

// notify requests flow. Failures are logged: the note is already pending,
// so the periodic sweep picks it up regardless.
func (s *Service) notify(ctx context.Context, flow notesync.Flow) {
	var err error
	if s.config.Notifier != nil {
		err = s.config.Notifier.Notify(ctx, flow)
	} else {
		err = s.store.RequestDeferredRun(ctx, string(flow))
	}
	if err != nil {
		s.config.Logger.Printf("WARNING: failed to request %s: %v", flow, err)
	}
}
