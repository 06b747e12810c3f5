package server

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

var (
	t1 = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t9 = t1.Add(9 * time.Hour)
)

// newTestServer serves a Server's routes on an httptest server.
func newTestServer(t *testing.T, store Store) (*Server, *httptest.Server) {
	t.Helper()

	s := NewServer(&Config{
		Store:  store,
		Now:    func() time.Time { return t9 },
		Logger: log.New(io.Discard, "", 0),
	})
	s.StartBroadcast()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		ts.Close()
	})
	return s, ts
}

func note(id, title string) *schema.Note {
	return &schema.Note{ID: id, Title: title, Content: "c", CreatedAt: t1, UpdatedAt: t1}
}

func TestServer_CRUDThroughClient(t *testing.T) {
	_, ts := newTestServer(t, NewMemoryStore())
	c := remote.NewClient(ts.URL+"/api", 5*time.Second)
	ctx := context.Background()

	created, err := c.Create(ctx, note("a", "first"))
	require.NoError(t, err)
	assert.Equal(t, "first", created.Title)

	_, err = c.Create(ctx, note("b", "second"))
	require.NoError(t, err)

	_, err = c.Create(ctx, note("a", "again"))
	assert.ErrorIs(t, err, remote.ErrConflict)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.UpdatedAt.Equal(t1))

	missing, err := c.Get(ctx, "zzz")
	require.NoError(t, err)
	assert.Nil(t, missing)

	edit := note("a", "edited")
	edit.UpdatedAt = t2
	updated, err := c.Update(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Title)
	assert.True(t, updated.UpdatedAt.Equal(t2))

	_, err = c.Update(ctx, note("zzz", "x"))
	assert.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, c.Delete(ctx, "b"))
	assert.ErrorIs(t, c.Delete(ctx, "zzz"), remote.ErrNotFound)

	all, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID, "creation order")
	assert.Equal(t, "b", all[1].ID)
	assert.True(t, all[1].IsDeleted, "delete is soft")
	assert.True(t, all[1].UpdatedAt.Equal(t9), "delete stamps updatedAt")
}

func TestServer_UpdateCanRestore(t *testing.T) {
	store := NewMemoryStore()
	dead := note("d", "gone")
	dead.IsDeleted = true
	require.NoError(t, store.Create(context.Background(), dead))

	_, ts := newTestServer(t, store)
	c := remote.NewClient(ts.URL+"/api", 5*time.Second)

	revived := note("d", "back")
	revived.UpdatedAt = t2
	got, err := c.Update(context.Background(), revived)
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)
}

func TestServer_Validation(t *testing.T) {
	_, ts := newTestServer(t, NewMemoryStore())
	c := remote.NewClient(ts.URL+"/api", 5*time.Second)
	_, err := c.Create(context.Background(), note("exists", "x"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad json", http.MethodPost, "/api/notes", `{`, http.StatusBadRequest},
		{"create without uid", http.MethodPost, "/api/notes", `{"title":"t","content":"c","createdAt":"2024-09-01T12:00:00Z","updatedAt":"2024-09-01T12:00:00Z"}`, http.StatusBadRequest},
		{"create without title", http.MethodPost, "/api/notes", `{"uid":"n","content":"c","createdAt":"2024-09-01T12:00:00Z","updatedAt":"2024-09-01T12:00:00Z"}`, http.StatusBadRequest},
		{"create without timestamps", http.MethodPost, "/api/notes", `{"uid":"n","title":"t","content":"c"}`, http.StatusBadRequest},
		{"create updated before created", http.MethodPost, "/api/notes", `{"uid":"n","title":"t","content":"c","createdAt":"2024-09-02T12:00:00Z","updatedAt":"2024-09-01T12:00:00Z"}`, http.StatusBadRequest},
		{"create with empty content", http.MethodPost, "/api/notes", `{"uid":"n","title":"t","content":"","createdAt":"2024-09-01T12:00:00Z","updatedAt":"2024-09-01T12:00:00Z"}`, http.StatusCreated},
		{"update without content", http.MethodPut, "/api/notes/exists", `{"title":"t","updatedAt":"2024-09-01T13:00:00Z"}`, http.StatusBadRequest},
		{"update unknown", http.MethodPut, "/api/notes/nope", `{"title":"t","content":"c","updatedAt":"2024-09-01T13:00:00Z"}`, http.StatusNotFound},
		{"get unknown", http.MethodGet, "/api/notes/nope", ``, http.StatusNotFound},
		{"delete unknown", http.MethodDelete, "/api/notes/nope", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestServer_BroadcastsNoteUpdates(t *testing.T) {
	s, ts := newTestServer(t, NewMemoryStore())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	c := remote.NewClient(ts.URL+"/api", 5*time.Second)
	_, err = c.Create(ctx, note("w", "watched"))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "w"))

	var frame realtime.Frame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, realtime.EventName, frame.Event)
	assert.Equal(t, realtime.ActionAdd, frame.Data.Action)
	assert.Equal(t, "w", frame.Data.Note.ID)

	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, realtime.ActionDelete, frame.Data.Action)
	require.NotNil(t, frame.Data.Note.IsDeleted)
	assert.True(t, *frame.Data.Note.IsDeleted)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(&Config{Addr: "127.0.0.1:0", Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.GetAddr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasSuffix(s.APIURL(), "/api"))

	require.NoError(t, s.Stop())

	_, err = http.Get("http://" + s.GetAddr() + "/health")
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, note("b", "b")))
	require.NoError(t, m.Create(ctx, note("a", "a")))
	assert.ErrorIs(t, m.Create(ctx, note("a", "dup")), ErrExists)
	assert.ErrorIs(t, m.Update(ctx, note("zzz", "z")), ErrNotFound)

	_, err := m.Get(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := m.Get(ctx, "a")
	require.NoError(t, err)
	got.Title = "mutated"
	again, _ := m.Get(ctx, "a")
	assert.Equal(t, "a", again.Title, "Get returns copies")

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID)
}
