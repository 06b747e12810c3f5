package resolve

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

var (
	t1 = time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

func note(id, title string, updated time.Time, status schema.Status) *schema.Note {
	return &schema.Note{
		ID:         id,
		Title:      title,
		CreatedAt:  t1.Add(-time.Hour),
		UpdatedAt:  updated,
		SyncStatus: status,
	}
}

func tombstone(n *schema.Note) *schema.Note {
	n.IsDeleted = true
	return n
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		local      *schema.Note
		remote     *schema.Note
		wantAction Action
		wantTitle  string
	}{
		{
			name:       "remote absent, updated is resent as create",
			local:      note("a", "X", t1, schema.StatusUpdated),
			wantAction: PushCreate,
			wantTitle:  "X",
		},
		{
			name:       "remote absent, new is created",
			local:      note("a", "X", t1, schema.StatusNew),
			wantAction: PushCreate,
			wantTitle:  "X",
		},
		{
			name:       "remote absent, delete was never transmitted",
			local:      tombstone(note("a", "X", t1, schema.StatusDeleted)),
			wantAction: KeepLocalTombstone,
			wantTitle:  "X",
		},
		{
			name:       "remote newer wins",
			local:      note("a", "local", t1, schema.StatusUpdated),
			remote:     note("a", "remote", t2, schema.StatusNone),
			wantAction: AdoptRemote,
			wantTitle:  "remote",
		},
		{
			name:       "local newer wins",
			local:      note("a", "local", t2, schema.StatusUpdated),
			remote:     note("a", "remote", t1, schema.StatusNone),
			wantAction: PushUpdate,
			wantTitle:  "local",
		},
		{
			name:       "tie favors local",
			local:      note("a", "local", t1, schema.StatusUpdated),
			remote:     note("a", "remote", t1, schema.StatusNone),
			wantAction: PushUpdate,
			wantTitle:  "local",
		},
		{
			name:       "new already on remote is pushed as update",
			local:      note("a", "local", t1, schema.StatusNew),
			remote:     note("a", "local", t1, schema.StatusNone),
			wantAction: PushUpdate,
			wantTitle:  "local",
		},
		{
			name:       "local delete newer is pushed",
			local:      tombstone(note("a", "X", t2, schema.StatusDeleted)),
			remote:     note("a", "X", t1, schema.StatusNone),
			wantAction: PushDelete,
			wantTitle:  "X",
		},
		{
			name:       "delete recovery",
			local:      tombstone(note("a", "X", t1, schema.StatusDeleted)),
			remote:     note("a", "edited elsewhere", t2, schema.StatusNone),
			wantAction: RecoverRemote,
			wantTitle:  "edited elsewhere",
		},
		{
			name:       "both deleted converges on remote",
			local:      tombstone(note("a", "X", t1, schema.StatusDeleted)),
			remote:     tombstone(note("a", "X", t2, schema.StatusNone)),
			wantAction: AdoptRemote,
			wantTitle:  "X",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.local, tt.remote)
			require.NotNil(t, got.Note)
			assert.Equal(t, tt.wantAction, got.Action, "action %s", got.Action)
			assert.Equal(t, tt.wantTitle, got.Note.Title)
		})
	}
}

func TestResolve_LastWriteWinsDeterminism(t *testing.T) {
	offsets := []time.Duration{-time.Hour, -time.Nanosecond, 0, time.Nanosecond, time.Hour}
	for _, off := range offsets {
		local := note("a", "local", t1, schema.StatusUpdated)
		remote := note("a", "remote", t1.Add(off), schema.StatusNone)

		got := Resolve(local, remote)
		if off > 0 {
			assert.False(t, got.LocalWins(), "offset %v: remote is newer", off)
			assert.Equal(t, remote.UpdatedAt, got.Note.UpdatedAt)
		} else {
			assert.True(t, got.LocalWins(), "offset %v: local is same age or newer", off)
			assert.Equal(t, local.UpdatedAt, got.Note.UpdatedAt)
		}
	}
}

func TestResolve_RecoverClearsDeleteIntent(t *testing.T) {
	local := tombstone(note("a", "X", t1, schema.StatusDeleted))
	local.SyncAttempts = 3
	remote := note("a", "Y", t2, schema.StatusNone)

	got := Resolve(local, remote)

	require.Equal(t, RecoverRemote, got.Action)
	assert.False(t, got.Note.IsDeleted)
	assert.Equal(t, "Y", got.Note.Title)
	assert.Equal(t, t2, got.Note.UpdatedAt)
	// Local bookkeeping is carried so the caller can reset it explicitly.
	assert.Equal(t, 3, got.Note.SyncAttempts)
}

func TestResolve_DoesNotMutateInputs(t *testing.T) {
	local := note("a", "local", t1, schema.StatusUpdated)
	remote := note("a", "remote", t2, schema.StatusNone)

	got := Resolve(local, remote)
	got.Note.Title = "changed"

	assert.Equal(t, "remote", remote.Title)
	assert.Equal(t, schema.StatusNone, remote.SyncStatus)
	assert.Equal(t, "local", local.Title)
}

func TestAction_Pushes(t *testing.T) {
	assert.True(t, PushCreate.Pushes())
	assert.True(t, PushUpdate.Pushes())
	assert.True(t, PushDelete.Pushes())
	assert.False(t, AdoptRemote.Pushes())
	assert.False(t, RecoverRemote.Pushes())
	assert.False(t, KeepLocalTombstone.Pushes())
}
