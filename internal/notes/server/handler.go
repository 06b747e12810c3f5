package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// envelope is the response shape shared by every endpoint.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	s.logger.Printf("Store error during %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "Your request could not be processed. Please try again.")
}

// wire renders a note without replica metadata.
func wire(n *schema.Note) realtime.Patch {
	return realtime.PatchFrom(n)
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// handleList returns every note, tombstones included.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	notes, err := s.store.List(r.Context())
	if err != nil {
		s.storeError(w, "list", err)
		return
	}
	out := make([]realtime.Patch, 0, len(notes))
	for _, n := range notes {
		out = append(out, wire(n))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: out})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "Note id is missing")
		return
	}

	n, err := s.store.Get(r.Context(), uid)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Note is not found")
		return
	}
	if err != nil {
		s.storeError(w, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: wire(n)})
}

// handleCreate adds a note. uid, title, content, createdAt and updatedAt are
// required; a duplicate uid is a conflict.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req realtime.Patch
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if strings.TrimSpace(req.ID) == "" || req.Title == nil || strings.TrimSpace(*req.Title) == "" ||
		req.Content == nil || req.CreatedAt == nil || req.UpdatedAt == nil {
		writeError(w, http.StatusBadRequest, "Title and content are required.")
		return
	}

	n := &schema.Note{
		ID:         req.ID,
		Title:      *req.Title,
		Content:    *req.Content,
		CreatedAt:  req.CreatedAt.UTC(),
		UpdatedAt:  req.UpdatedAt.UTC(),
		SyncStatus: schema.StatusNone,
	}
	if err := n.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Create(r.Context(), n); err != nil {
		if errors.Is(err, ErrExists) {
			writeError(w, http.StatusConflict, "Note already exists.")
			return
		}
		s.storeError(w, "create", err)
		return
	}

	s.Broadcast(realtime.Event{Action: realtime.ActionAdd, Note: wire(n)})
	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: wire(n)})
}

// handleUpdate replaces title, content and updatedAt, and isDeleted when given.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req realtime.Patch
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}
	if req.Title == nil || strings.TrimSpace(*req.Title) == "" || req.Content == nil || req.UpdatedAt == nil {
		writeError(w, http.StatusBadRequest, "Title and content are required.")
		return
	}

	uid := r.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "Note ID is required.")
		return
	}

	cur, err := s.store.Get(r.Context(), uid)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Note not found.")
		return
	}
	if err != nil {
		s.storeError(w, "update", err)
		return
	}

	n := cur.Clone()
	n.SyncStatus = schema.StatusNone
	n.Title = *req.Title
	n.Content = *req.Content
	n.UpdatedAt = req.UpdatedAt.UTC()
	if req.IsDeleted != nil {
		n.IsDeleted = *req.IsDeleted
	}
	if err := n.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.Update(r.Context(), n); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, "Note not found.")
			return
		}
		s.storeError(w, "update", err)
		return
	}

	s.Broadcast(realtime.Event{Action: realtime.ActionUpdate, Note: wire(n)})
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: wire(n)})
}

// handleDelete soft-deletes a note: isDeleted is set and updatedAt moves to now.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	uid := r.PathValue("uid")
	if uid == "" {
		writeError(w, http.StatusBadRequest, "Note ID is required.")
		return
	}

	cur, err := s.store.Get(r.Context(), uid)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "Note not found.")
		return
	}
	if err != nil {
		s.storeError(w, "delete", err)
		return
	}

	n := cur.Clone()
	n.SyncStatus = schema.StatusNone
	n.IsDeleted = true
	n.Touch(s.now())

	if err := s.store.Update(r.Context(), n); err != nil {
		s.storeError(w, "delete", err)
		return
	}

	s.Broadcast(realtime.Event{Action: realtime.ActionDelete, Note: wire(n)})
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Note deleted successfully.", Data: wire(n)})
}
