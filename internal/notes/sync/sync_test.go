package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/remote/remotetest"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

var (
	t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

// setupTestDB creates a temporary replica for testing.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.InitSchema())
	return database
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestSyncer(store Store, api *remotetest.Fake, cfg Config) Syncer {
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	return New(store, api, cfg)
}

func mkNote(id, title string, updated time.Time, status schema.Status) *schema.Note {
	return &schema.Note{
		ID:         id,
		Title:      title,
		Content:    "body of " + title,
		CreatedAt:  t0.Add(-time.Hour),
		UpdatedAt:  updated,
		SyncStatus: status,
	}
}

func put(t *testing.T, store *db.DB, notes ...*schema.Note) {
	t.Helper()
	for _, n := range notes {
		require.NoError(t, store.Put(n))
	}
}

func get(t *testing.T, store *db.DB, id string) *schema.Note {
	t.Helper()
	n, err := store.Get(id)
	require.NoError(t, err)
	return n
}

func TestPushNew_OfflineRoundTrip(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})
	ctx := context.Background()

	put(t, store, mkNote("a", "Offline note", t1, schema.StatusNew))

	res, err := s.PushNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, schema.StatusSynced, get(t, store, "a").SyncStatus)
	require.NotNil(t, api.Note("a"))
	assert.Equal(t, "Offline note", api.Note("a").Title)

	// No duplicate create on a second run.
	res, err = s.PushNew(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, api.Calls("create"))
}

func TestPushNew_ConflictReconciledWithoutSecondCreate(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	// An earlier create reached the remote but the acknowledgement was lost.
	local := mkNote("a", "Lost ack", t1, schema.StatusNew)
	api.Seed(local)
	put(t, store, local)

	res, err := s.PushNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 0, res.Failed)

	assert.Equal(t, 1, api.Calls("create"), "only the rejected create")
	assert.Equal(t, 1, api.Calls("update"), "tie is local-wins, pushed as update")
	assert.Equal(t, schema.StatusSynced, get(t, store, "a").SyncStatus)
}

func TestPushUpdated_RemoteAbsentResendsAsCreate(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	put(t, store, mkNote("a", "X", t1, schema.StatusUpdated))

	res, err := s.PushUpdated(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	require.NotNil(t, api.Note("a"))
	assert.Equal(t, "X", api.Note("a").Title)
	assert.Equal(t, schema.StatusSynced, get(t, store, "a").SyncStatus)
}

func TestPushUpdated_LastWriteWins(t *testing.T) {
	tests := []struct {
		name        string
		localAt     time.Time
		remoteAt    time.Time
		wantTitle   string
		wantUpdates int
	}{
		{"remote newer is adopted", t1, t2, "remote", 0},
		{"local newer is pushed", t2, t1, "local", 1},
		{"tie favors local", t1, t1, "local", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupTestDB(t)
			api := remotetest.NewFake(t0)
			s := newTestSyncer(store, api, Config{})

			api.Seed(mkNote("a", "remote", tt.remoteAt, schema.StatusNone))
			put(t, store, mkNote("a", "local", tt.localAt, schema.StatusUpdated))

			_, err := s.PushUpdated(context.Background())
			require.NoError(t, err)

			got := get(t, store, "a")
			assert.Equal(t, tt.wantTitle, got.Title)
			assert.Equal(t, schema.StatusSynced, got.SyncStatus)
			assert.Equal(t, tt.wantTitle, api.Note("a").Title)
			assert.Equal(t, tt.wantUpdates, api.Calls("update"))
		})
	}
}

func TestPushDeleted_LocalWinsRemovesRecord(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t2)
	s := newTestSyncer(store, api, Config{})

	api.Seed(mkNote("a", "X", t0, schema.StatusNone))
	tomb := mkNote("a", "X", t1, schema.StatusDeleted)
	tomb.IsDeleted = true
	put(t, store, tomb)

	res, err := s.PushDeleted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Removed)

	_, err = store.Get("a")
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.True(t, api.Note("a").IsDeleted)
}

func TestPushDeleted_Recovery(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	api.Seed(mkNote("a", "edited elsewhere", t2, schema.StatusNone))
	tomb := mkNote("a", "X", t1, schema.StatusDeleted)
	tomb.IsDeleted = true
	put(t, store, tomb)

	_, err := s.PushDeleted(context.Background())
	require.NoError(t, err)

	got := get(t, store, "a")
	assert.False(t, got.IsDeleted, "note reappears")
	assert.Equal(t, "edited elsewhere", got.Title)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.Equal(t, 0, api.Calls("delete"))
}

func TestPushDeleted_RemoteAbsentKeepsTombstone(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	tomb := mkNote("a", "X", t1, schema.StatusDeleted)
	tomb.IsDeleted = true
	put(t, store, tomb)

	_, err := s.PushDeleted(context.Background())
	require.NoError(t, err)

	got := get(t, store, "a")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.Equal(t, 0, api.Calls("delete"))
}

func TestPushDeleted_RemoteAbsentMarksTombstone(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	// Deleted status without the tombstone flag set.
	put(t, store, mkNote("a", "X", t1, schema.StatusDeleted))

	_, err := s.PushDeleted(context.Background())
	require.NoError(t, err)

	got := get(t, store, "a")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
}

func TestPushDeleted_BothDeletedConverges(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	remoteTomb := mkNote("a", "X", t2, schema.StatusNone)
	remoteTomb.IsDeleted = true
	api.Seed(remoteTomb)
	tomb := mkNote("a", "X", t1, schema.StatusDeleted)
	tomb.IsDeleted = true
	put(t, store, tomb)

	_, err := s.PushDeleted(context.Background())
	require.NoError(t, err)

	got := get(t, store, "a")
	assert.True(t, got.IsDeleted)
	assert.Equal(t, schema.StatusSynced, got.SyncStatus)
	assert.True(t, got.UpdatedAt.Equal(t2))
}

func TestFlow_FailureIsolation(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	put(t, store,
		mkNote("ok", "fine", t1, schema.StatusNew),
		mkNote("bad", "flaky", t1, schema.StatusNew),
	)
	api.FailID("bad", remotetest.Transient("POST /notes"))

	res, err := s.PushNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Failed)

	bad := get(t, store, "bad")
	assert.Equal(t, schema.StatusNew, bad.SyncStatus)
	assert.Equal(t, 0, bad.SyncAttempts, "transient failures do not count")
	assert.NotEmpty(t, bad.LastSyncError)

	// Connectivity comes back: the next run picks it up.
	api.FailID("bad", nil)
	res, err = s.PushNew(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Empty(t, get(t, store, "bad").LastSyncError)
}

func TestMaxAttempts_StopsRetrying(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{MaxAttempts: 2})
	ctx := context.Background()

	put(t, store, mkNote("a", "rejected", t1, schema.StatusNew))
	api.FailID("a", remotetest.Rejected("POST /notes"))

	for i := 0; i < 4; i++ {
		_, err := s.PushNew(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, 2, api.Calls("create"))
	got := get(t, store, "a")
	assert.Equal(t, 2, got.SyncAttempts)
	assert.Equal(t, schema.StatusNew, got.SyncStatus)
}

// snapshot returns every note keyed by id, for state comparisons.
func snapshot(t *testing.T, store *db.DB) map[string]schema.Note {
	t.Helper()
	all, err := store.GetAll()
	require.NoError(t, err)
	out := make(map[string]schema.Note, len(all))
	for _, n := range all {
		out[n.ID] = *n
	}
	return out
}

func TestFlows_Idempotent(t *testing.T) {
	for _, flow := range []Flow{FlowNew, FlowUpdated, FlowDeleted, FlowPull} {
		t.Run(string(flow), func(t *testing.T) {
			store := setupTestDB(t)
			api := remotetest.NewFake(t2)
			s := newTestSyncer(store, api, Config{})
			ctx := context.Background()

			api.Seed(
				mkNote("u", "remote u", t0, schema.StatusNone),
				mkNote("d", "remote d", t0, schema.StatusNone),
				mkNote("r", "remote only", t1, schema.StatusNone),
			)
			tomb := mkNote("d", "local d", t1, schema.StatusDeleted)
			tomb.IsDeleted = true
			put(t, store,
				mkNote("n", "new", t1, schema.StatusNew),
				mkNote("u", "local u", t1, schema.StatusUpdated),
				tomb,
			)

			_, err := s.RunFlow(ctx, flow)
			require.NoError(t, err)
			once := snapshot(t, store)

			_, err = s.RunFlow(ctx, flow)
			require.NoError(t, err)
			assert.Equal(t, once, snapshot(t, store))
		})
	}
}

func TestSyncAll_Converges(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})
	ctx := context.Background()

	api.Seed(
		mkNote("shared", "remote newer", t2, schema.StatusNone),
		mkNote("stale", "remote older", t0, schema.StatusNone),
		mkNote("theirs", "from another client", t1, schema.StatusNone),
	)
	put(t, store,
		mkNote("mine", "created offline", t1, schema.StatusNew),
		mkNote("shared", "local older", t1, schema.StatusUpdated),
		mkNote("stale", "local newer", t1, schema.StatusUpdated),
	)

	for pass := 0; pass < 3; pass++ {
		_, err := s.SyncAll(ctx)
		require.NoError(t, err)
	}

	local := snapshot(t, store)
	remoteNotes, err := api.List(ctx)
	require.NoError(t, err)

	for _, r := range remoteNotes {
		if r.IsDeleted {
			continue
		}
		l, ok := local[r.ID]
		require.True(t, ok, "note %s missing locally", r.ID)
		assert.Equal(t, schema.StatusSynced, l.SyncStatus, "note %s", r.ID)
		assert.True(t, r.SameContent(&l), "note %s: local %+v remote %+v", r.ID, l, r)
	}
	assert.Len(t, local, len(remoteNotes))
	assert.Equal(t, "remote newer", local["shared"].Title)
	assert.Equal(t, "local newer", local["stale"].Title)
}

func TestPull(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(store, api, Config{})

	gone := mkNote("gone", "deleted remotely", t1, schema.StatusNone)
	gone.IsDeleted = true
	api.Seed(
		mkNote("fresh", "only on remote", t1, schema.StatusNone),
		mkNote("older", "remote newer", t2, schema.StatusNone),
		mkNote("pending", "remote newer", t2, schema.StatusNone),
		gone,
	)
	put(t, store,
		mkNote("older", "local older", t1, schema.StatusSynced),
		mkNote("pending", "local edit", t1, schema.StatusUpdated),
	)

	res, err := s.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)
	assert.Equal(t, 1, res.Skipped)

	assert.Equal(t, schema.StatusSynced, get(t, store, "fresh").SyncStatus)
	assert.Equal(t, "remote newer", get(t, store, "older").Title)
	assert.Equal(t, "local edit", get(t, store, "pending").Title, "pending notes belong to the push flows")

	_, err = store.Get("gone")
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestPull_RemoteUnavailable(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	api.SetOffline(true)
	s := newTestSyncer(store, api, Config{})

	res, err := s.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
}

func TestOnChange(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)

	var got []Result
	s := newTestSyncer(store, api, Config{OnChange: func(r Result) { got = append(got, r) }})
	put(t, store, mkNote("a", "A", t1, schema.StatusNew))

	_, err := s.SyncAll(context.Background())
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, FlowNew, got[0].Flow)
}

// failingStore fails every status query.
type failingStore struct {
	*db.DB
}

func (f failingStore) GetByStatusContext(ctx context.Context, status schema.Status) ([]*schema.Note, error) {
	return nil, errors.New("disk on fire")
}

func TestSyncAll_StoreFailureAborts(t *testing.T) {
	store := setupTestDB(t)
	api := remotetest.NewFake(t0)
	s := newTestSyncer(failingStore{store}, api, Config{})

	results, err := s.SyncAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
	assert.Len(t, results, 1)
}

func TestParseFlow(t *testing.T) {
	for _, f := range AllFlows {
		got, err := ParseFlow(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
	_, err := ParseFlow("sync-everything")
	assert.Error(t, err)
}
