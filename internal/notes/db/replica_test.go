package db

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "replica.db")
}

// openTestDB opens a database with the schema applied
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func testNote(id string, status schema.Status, updated time.Time) *schema.Note {
	return &schema.Note{
		ID:         id,
		Title:      "Note " + id,
		Content:    "content of " + id,
		CreatedAt:  updated.Add(-time.Hour),
		UpdatedAt:  updated,
		SyncStatus: status,
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Tables(t *testing.T) {
	db := openTestDB(t)

	for _, table := range []string{"notes", "deferred_runs"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}

	version, err := db.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if version != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", version)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2024, 3, 1, 10, 30, 0, 123456789, time.UTC)

	note := testNote("n-1", schema.StatusUpdated, now)
	note.IsDeleted = false
	note.SyncAttempts = 2
	note.LastSyncError = "remote unavailable"

	if err := db.Put(note); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, err := db.Get("n-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !got.SameContent(note) {
		t.Errorf("Get() = %+v, want %+v", got, note)
	}
	if got.SyncStatus != schema.StatusUpdated {
		t.Errorf("SyncStatus = %q, want %q", got.SyncStatus, schema.StatusUpdated)
	}
	if got.SyncAttempts != 2 || got.LastSyncError != "remote unavailable" {
		t.Errorf("bookkeeping = (%d, %q), want (2, %q)", got.SyncAttempts, got.LastSyncError, "remote unavailable")
	}
}

func TestPut_Replaces(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	note := testNote("n-1", schema.StatusNew, now)
	if err := db.Put(note); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	note.Title = "Renamed"
	note.IsDeleted = true
	note.SyncStatus = schema.StatusDeleted
	if err := db.Put(note); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}

	got, err := db.Get("n-1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Title != "Renamed" || !got.IsDeleted || got.SyncStatus != schema.StatusDeleted {
		t.Errorf("Get() after replace = %+v", got)
	}

	all, err := db.GetAll()
	if err != nil {
		t.Fatalf("GetAll() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("GetAll() returned %d notes, want 1", len(all))
	}
}

func TestPut_RejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	if err := db.Put(&schema.Note{ID: "x"}); err == nil {
		t.Error("Put() = nil error for invalid note")
	}
}

func TestGet_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Get("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestGetByStatus(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	notes := []*schema.Note{
		testNote("b", schema.StatusNew, base.Add(2*time.Minute)),
		testNote("a", schema.StatusNew, base.Add(time.Minute)),
		testNote("c", schema.StatusUpdated, base),
		testNote("d", schema.StatusSynced, base),
	}
	for _, n := range notes {
		if err := db.Put(n); err != nil {
			t.Fatalf("Put(%s) failed: %v", n.ID, err)
		}
	}

	got, err := db.GetByStatus(schema.StatusNew)
	if err != nil {
		t.Fatalf("GetByStatus() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetByStatus(new) returned %d notes, want 2", len(got))
	}
	// Oldest change first.
	if got[0].ID != "a" || got[1].ID != "b" {
		t.Errorf("GetByStatus(new) order = [%s %s], want [a b]", got[0].ID, got[1].ID)
	}

	got, err = db.GetByStatus(schema.StatusDeleted)
	if err != nil {
		t.Fatalf("GetByStatus() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("GetByStatus(deleted) returned %d notes, want 0", len(got))
	}
}

func TestDelete_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.Put(testNote("n-1", schema.StatusSynced, time.Now())); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	if err := db.Delete("n-1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if _, err := db.Get("n-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrNotFound", err)
	}
	if err := db.Delete("n-1"); err != nil {
		t.Errorf("second Delete() failed: %v", err)
	}
}

func TestListNotes_Filter(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	live := testNote("live", schema.StatusSynced, base.Add(time.Hour))
	live.Title = "Shopping list"
	old := testNote("old", schema.StatusSynced, base.Add(-48*time.Hour))
	gone := testNote("gone", schema.StatusDeleted, base.Add(2*time.Hour))
	gone.IsDeleted = true

	for _, n := range []*schema.Note{live, old, gone} {
		if err := db.Put(n); err != nil {
			t.Fatalf("Put(%s) failed: %v", n.ID, err)
		}
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{"default hides tombstones", ListFilter{}, []string{"live", "old"}},
		{"include deleted", ListFilter{IncludeDeleted: true}, []string{"gone", "live", "old"}},
		{"since", ListFilter{UpdatedSince: base}, []string{"live"}},
		{"query", ListFilter{Query: "shopping"}, []string{"live"}},
		{"status", ListFilter{IncludeDeleted: true, Status: schema.StatusDeleted}, []string{"gone"}},
		{"limit", ListFilter{IncludeDeleted: true, Limit: 1}, []string{"gone"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.ListNotes(tt.filter)
			if err != nil {
				t.Fatalf("ListNotes() failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListNotes() returned %d notes, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("ListNotes()[%d] = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestCountByStatus(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	for i, s := range []schema.Status{schema.StatusNew, schema.StatusNew, schema.StatusSynced} {
		if err := db.Put(testNote(string(rune('a'+i)), s, now)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	counts, err := db.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus() failed: %v", err)
	}
	if counts[schema.StatusNew] != 2 || counts[schema.StatusSynced] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestDeferredRuns(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, tag := range []string{"sync-new-notes", "sync-deleted-notes", "sync-new-notes"} {
		if err := db.RequestDeferredRun(ctx, tag); err != nil {
			t.Fatalf("RequestDeferredRun(%s) failed: %v", tag, err)
		}
	}

	tags, err := db.PendingDeferredRuns(ctx)
	if err != nil {
		t.Fatalf("PendingDeferredRuns() failed: %v", err)
	}
	if len(tags) != 2 {
		t.Fatalf("PendingDeferredRuns() = %v, want 2 coalesced tags", tags)
	}

	if err := db.ClearDeferredRun(ctx, "sync-new-notes"); err != nil {
		t.Fatalf("ClearDeferredRun() failed: %v", err)
	}
	tags, err = db.PendingDeferredRuns(ctx)
	if err != nil {
		t.Fatalf("PendingDeferredRuns() failed: %v", err)
	}
	if len(tags) != 1 || tags[0] != "sync-deleted-notes" {
		t.Errorf("PendingDeferredRuns() after clear = %v, want [sync-deleted-notes]", tags)
	}
}

func TestPersistence_AcrossReopen(t *testing.T) {
	path := testDBPath(t)

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	if err := db.Put(testNote("n-1", schema.StatusNew, time.Now())); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.Get("n-1")
	if err != nil {
		t.Fatalf("Get() after reopen failed: %v", err)
	}
	if got.SyncStatus != schema.StatusNew {
		t.Errorf("SyncStatus after reopen = %q, want %q", got.SyncStatus, schema.StatusNew)
	}
}

func TestLocker_SerializesKey(t *testing.T) {
	l := NewLocker()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("same")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if l.Len() != 0 {
		t.Errorf("Len() = %d after all releases, want 0", l.Len())
	}
}
