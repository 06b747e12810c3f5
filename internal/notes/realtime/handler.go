// Package realtime applies note-update events pushed by the remote to the
// local replica, and keeps a websocket subscription to receive them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// EventName is the realtime event carrying note changes.
const EventName = "note-update"

// Action is the kind of change an event reports.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionAdd || a == ActionUpdate || a == ActionDelete
}

// Patch is a note as carried by an event. Only fields present in the payload
// are set; absent fields leave the local note untouched.
type Patch struct {
	ID        string     `json:"uid"`
	Title     *string    `json:"title,omitempty"`
	Content   *string    `json:"content,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
	IsDeleted *bool      `json:"isDeleted,omitempty"`
}

// PatchFrom returns a patch carrying every field of n.
func PatchFrom(n *schema.Note) Patch {
	title, content, deleted := n.Title, n.Content, n.IsDeleted
	created, updated := n.CreatedAt.UTC(), n.UpdatedAt.UTC()
	return Patch{
		ID:        n.ID,
		Title:     &title,
		Content:   &content,
		CreatedAt: &created,
		UpdatedAt: &updated,
		IsDeleted: &deleted,
	}
}

// apply copies the carried fields onto n.
func (p Patch) apply(n *schema.Note) {
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.CreatedAt != nil {
		n.CreatedAt = p.CreatedAt.UTC()
	}
	if p.UpdatedAt != nil {
		n.UpdatedAt = p.UpdatedAt.UTC()
	}
	if p.IsDeleted != nil {
		n.IsDeleted = *p.IsDeleted
	}
}

// Event is one note-update notification.
type Event struct {
	Action Action `json:"action"`
	Note   Patch  `json:"note"`
}

// Frame is the wire envelope of an event on the websocket.
type Frame struct {
	Event string `json:"event"`
	Data  Event  `json:"data"`
}

// Policy decides what happens to an event for a note with a local change
// that has not reached the remote yet.
type Policy string

const (
	// PolicyDefer leaves the pending note alone. The push flow reconciles it
	// against the remote with the conflict resolver.
	PolicyDefer Policy = "defer"
	// PolicyOverwrite applies the event regardless, discarding the local change.
	PolicyOverwrite Policy = "overwrite"
)

// ParsePolicy converts a config value to a Policy.
func ParsePolicy(v string) (Policy, error) {
	switch Policy(v) {
	case PolicyDefer, PolicyOverwrite:
		return Policy(v), nil
	case "":
		return PolicyDefer, nil
	}
	return "", fmt.Errorf("unknown pending policy %q (want %q or %q)", v, PolicyDefer, PolicyOverwrite)
}

// Outcome reports what Handle did with an event.
type Outcome int

const (
	// Applied means the replica was changed.
	Applied Outcome = iota
	// Deferred means the note has a pending local change and was left alone.
	Deferred
	// Stale means the event is older than the local note.
	Stale
	// Ignored means there was nothing to do.
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Deferred:
		return "deferred"
	case Stale:
		return "stale"
	case Ignored:
		return "ignored"
	default:
		return "unknown"
	}
}

// ErrInvalidEvent is returned for events that cannot be applied.
var ErrInvalidEvent = errors.New("invalid realtime event")

// Store is the replica store as seen by the handler. *db.DB satisfies it.
type Store interface {
	GetContext(ctx context.Context, id string) (*schema.Note, error)
	PutContext(ctx context.Context, note *schema.Note) error
	Lock(id string) func()
}

// HandlerConfig holds handler configuration.
type HandlerConfig struct {
	// Policy for notes with pending local changes (default PolicyDefer)
	Policy Policy

	// Logger (defaults to stderr with "[realtime] " prefix)
	Logger *log.Logger

	// OnApply is called with the stored note after every applied event.
	OnApply func(*schema.Note)
}

// Handler merges realtime events into the replica.
type Handler struct {
	store   Store
	policy  Policy
	logger  *log.Logger
	onApply func(*schema.Note)
}

// NewHandler creates a handler writing to store.
func NewHandler(store Store, cfg HandlerConfig) *Handler {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDefer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Handler{
		store:   store,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		onApply: cfg.OnApply,
	}
}

// Policy returns the pending-edit policy in effect.
func (h *Handler) Policy() Policy {
	return h.policy
}

// Handle applies one event under the note's lock.
//
// An add or update for an absent note inserts it as synced; a delete for an
// absent note is ignored. For a present note, the carried fields overwrite
// the local ones and the note becomes synced, unless the event is older than
// the local note (stale) or the note has a pending local change and the
// policy is PolicyDefer.
//
// Only replica store failures and malformed events are returned as errors.
func (h *Handler) Handle(ctx context.Context, ev Event) (Outcome, error) {
	if !ev.Action.Valid() {
		return Ignored, fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, ev.Action)
	}
	if ev.Note.ID == "" {
		return Ignored, fmt.Errorf("%w: note without uid", ErrInvalidEvent)
	}

	unlock := h.store.Lock(ev.Note.ID)
	defer unlock()

	local, err := h.store.GetContext(ctx, ev.Note.ID)
	if errors.Is(err, db.ErrNotFound) {
		return h.insert(ctx, ev)
	}
	if err != nil {
		return Ignored, fmt.Errorf("failed to load note %s: %w", ev.Note.ID, err)
	}

	if ev.Note.UpdatedAt != nil && ev.Note.UpdatedAt.Before(local.UpdatedAt) {
		return Stale, nil
	}
	if local.IsPending() && h.policy == PolicyDefer {
		h.logger.Printf("Deferring %s for note %s: local change pending (%s)", ev.Action, local.ID, local.SyncStatus)
		return Deferred, nil
	}

	next := local.Clone()
	ev.Note.apply(next)
	if ev.Action == ActionDelete && ev.Note.IsDeleted == nil {
		next.IsDeleted = true
	}

	if next.SameContent(local) && local.SyncStatus == schema.StatusSynced {
		return Ignored, nil
	}

	out, err := schema.Transition(local.SyncStatus, schema.EventRemoteUpdate)
	if err != nil {
		return Ignored, err
	}
	next.SyncStatus = out.Status
	next.SyncAttempts = 0
	next.LastSyncError = ""

	if err := next.Validate(); err != nil {
		return Ignored, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := h.store.PutContext(ctx, next); err != nil {
		return Ignored, fmt.Errorf("failed to apply %s for note %s: %w", ev.Action, next.ID, err)
	}

	h.logger.Printf("Applied %s for note %s", ev.Action, next.ID)
	h.applied(next)
	return Applied, nil
}

func (h *Handler) insert(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Action == ActionDelete {
		return Ignored, nil
	}

	out, err := schema.Transition("", schema.EventRemoteAdd)
	if err != nil {
		return Ignored, err
	}

	n := &schema.Note{ID: ev.Note.ID}
	ev.Note.apply(n)
	n.SetDefaults()
	n.SyncStatus = out.Status

	if err := n.Validate(); err != nil {
		return Ignored, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := h.store.PutContext(ctx, n); err != nil {
		return Ignored, fmt.Errorf("failed to insert note %s: %w", n.ID, err)
	}

	h.logger.Printf("Inserted note %s from %s event", n.ID, ev.Action)
	h.applied(n)
	return Applied, nil
}

func (h *Handler) applied(n *schema.Note) {
	if h.onApply != nil {
		h.onApply(n.Clone())
	}
}
