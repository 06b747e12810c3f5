// Package remote is the HTTP client for the notes API.
//
// All responses share the envelope {success, message?, data?}. A non-2xx
// status is a failure regardless of the body; a 2xx envelope with
// success=false is a validation failure. Failures are returned as *Error and
// classified with the package error kinds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// API is the remote notes service as seen by the sync engine.
type API interface {
	// List returns every note on the remote, tombstones included.
	List(ctx context.Context) ([]*schema.Note, error)
	// Get returns the note with id, or nil and no error when it does not exist.
	Get(ctx context.Context, id string) (*schema.Note, error)
	// Create stores a new note and returns the remote's copy.
	Create(ctx context.Context, note *schema.Note) (*schema.Note, error)
	// Update replaces title, content, updatedAt and isDeleted of a note.
	Update(ctx context.Context, note *schema.Note) (*schema.Note, error)
	// Delete soft-deletes a note on the remote.
	Delete(ctx context.Context, id string) error
}

// DefaultBaseURL is the API base used when none is configured.
const DefaultBaseURL = "http://localhost:3000/api"

// Client talks to the notes API over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the API rooted at baseURL. A zero timeout
// leaves requests bounded only by their context.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the API base the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope is the response shape shared by every endpoint.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// wireNote is a note as the API sends and receives it. Sync metadata never
// leaves the replica.
type wireNote struct {
	UID       string    `json:"uid"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsDeleted bool      `json:"isDeleted"`
}

// updateBody is the PUT payload.
type updateBody struct {
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	IsDeleted *bool     `json:"isDeleted,omitempty"`
}

func toWire(n *schema.Note) wireNote {
	return wireNote{
		UID:       n.ID,
		Title:     n.Title,
		Content:   n.Content,
		CreatedAt: n.CreatedAt.UTC(),
		UpdatedAt: n.UpdatedAt.UTC(),
		IsDeleted: n.IsDeleted,
	}
}

func (w wireNote) note() *schema.Note {
	return &schema.Note{
		ID:         w.UID,
		Title:      w.Title,
		Content:    w.Content,
		CreatedAt:  w.CreatedAt.UTC(),
		UpdatedAt:  w.UpdatedAt.UTC(),
		IsDeleted:  w.IsDeleted,
		SyncStatus: schema.StatusNone,
	}
}

// List returns every note on the remote.
func (c *Client) List(ctx context.Context) ([]*schema.Note, error) {
	var wire []wireNote
	if err := c.do(ctx, http.MethodGet, "/notes", nil, &wire); err != nil {
		return nil, err
	}

	notes := make([]*schema.Note, 0, len(wire))
	for _, w := range wire {
		notes = append(notes, w.note())
	}
	return notes, nil
}

// Get returns the note with id, or nil when the remote has no such note.
func (c *Client) Get(ctx context.Context, id string) (*schema.Note, error) {
	var wire wireNote
	err := c.do(ctx, http.MethodGet, "/notes/"+url.PathEscape(id), nil, &wire)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return wire.note(), nil
}

// Create posts a full note, minus sync metadata.
func (c *Client) Create(ctx context.Context, note *schema.Note) (*schema.Note, error) {
	var wire wireNote
	if err := c.do(ctx, http.MethodPost, "/notes", toWire(note), &wire); err != nil {
		return nil, err
	}
	return c.orEcho(wire, note), nil
}

// Update puts title, content, updatedAt and the tombstone flag.
func (c *Client) Update(ctx context.Context, note *schema.Note) (*schema.Note, error) {
	deleted := note.IsDeleted
	body := updateBody{
		Title:     note.Title,
		Content:   note.Content,
		UpdatedAt: note.UpdatedAt.UTC(),
		IsDeleted: &deleted,
	}

	var wire wireNote
	if err := c.do(ctx, http.MethodPut, "/notes/"+url.PathEscape(note.ID), body, &wire); err != nil {
		return nil, err
	}
	return c.orEcho(wire, note), nil
}

// Delete soft-deletes the note with id.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notes/"+url.PathEscape(id), nil, nil)
}

// orEcho returns the remote's copy, or the sent note when the response
// carried no data.
func (c *Client) orEcho(wire wireNote, sent *schema.Note) *schema.Note {
	if wire.UID == "" {
		echo := sent.Clone()
		echo.SyncStatus = schema.StatusNone
		return echo
	}
	return wire.note()
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	op := method + " " + path

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Kind: ErrTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: ErrTransient, Err: err}
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: msg, Kind: kindForStatus(resp.StatusCode)}
	}

	if decodeErr != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: ErrTransient,
			Err: fmt.Errorf("failed to decode envelope: %w", decodeErr)}
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request was not successful"
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Message: msg, Kind: ErrValidation}
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{Op: op, StatusCode: resp.StatusCode, Kind: ErrValidation,
			Err: fmt.Errorf("failed to decode data: %w", err)}
	}
	return nil
}
