// Package schema provides the note record replicated between a local store and the remote API.
package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxTitleLength bounds the title of a note, in characters.
const MaxTitleLength = 500

// Note is the unit of replication.
//
// The JSON field names are the remote API wire names. SyncStatus and the
// attempt bookkeeping are local metadata and are never sent to the remote.
type Note struct {
	// ===== Core Identification =====
	ID string `json:"uid"`

	// ===== Note Content =====
	Title   string `json:"title"`
	Content string `json:"content"`

	// ===== Timestamps (last-write-wins conflict resolution) =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// ===== Tombstone =====
	IsDeleted bool `json:"isDeleted"`

	// ===== Local Sync Metadata =====
	SyncStatus    Status `json:"syncStatus,omitempty"`
	SyncAttempts  int    `json:"-"`
	LastSyncError string `json:"-"`
}

// NewID returns a fresh client-generated note identifier.
func NewID() string {
	return uuid.NewString()
}

// Validate checks if the Note has valid field values.
func (n *Note) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if l := utf8.RuneCountInString(n.Title); l > MaxTitleLength {
		return fmt.Errorf("title must be %d characters or less (got %d)", MaxTitleLength, l)
	}
	if n.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if n.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if n.UpdatedAt.Before(n.CreatedAt) {
		return fmt.Errorf("updatedAt %s is before createdAt %s",
			n.UpdatedAt.Format(time.RFC3339Nano), n.CreatedAt.Format(time.RFC3339Nano))
	}
	if !n.SyncStatus.Valid() {
		return fmt.Errorf("invalid sync status %q", n.SyncStatus)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (n *Note) SetDefaults() {
	now := time.Now().UTC()
	if n.ID == "" {
		n.ID = NewID()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
	if n.SyncStatus == "" {
		n.SyncStatus = StatusNone
	}
}

// Touch advances UpdatedAt to now. UpdatedAt never moves backwards, so a
// clock that lags the last remote write still produces a newer timestamp.
func (n *Note) Touch(now time.Time) {
	now = now.UTC()
	if !now.After(n.UpdatedAt) {
		now = n.UpdatedAt.Add(time.Millisecond)
	}
	n.UpdatedAt = now
}

// Clone returns a copy of the note.
func (n *Note) Clone() *Note {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// SameContent reports whether two notes carry the same replicated content.
// Local sync metadata is ignored.
func (n *Note) SameContent(o *Note) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID &&
		n.Title == o.Title &&
		n.Content == o.Content &&
		n.IsDeleted == o.IsDeleted &&
		n.CreatedAt.Equal(o.CreatedAt) &&
		n.UpdatedAt.Equal(o.UpdatedAt)
}

// IsPending reports whether the note carries a local change the remote has not acknowledged.
func (n *Note) IsPending() bool {
	return n.SyncStatus.Pending()
}

// Filename returns the canonical filename for this note: {id}.json
func (n *Note) Filename() string {
	return fmt.Sprintf("%s.json", n.ID)
}

// ReadNoteFile reads and parses a note JSON file from the given path.
func ReadNoteFile(path string) (*Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read note file %s: %w", path, err)
	}

	var note Note
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, fmt.Errorf("failed to parse note file %s: %w", path, err)
	}
	note.SetDefaults()

	if err := note.Validate(); err != nil {
		return nil, fmt.Errorf("invalid note file %s: %w", path, err)
	}

	return &note, nil
}

// WriteNoteFile writes a Note to dir/{id}.json with pretty-printed formatting.
func WriteNoteFile(dir string, note *Note) error {
	if err := note.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid note: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create notes directory: %w", err)
	}

	data, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal note %s: %w", note.ID, err)
	}

	path := filepath.Join(dir, note.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write note file %s: %w", path, err)
	}

	return nil
}
