// Package sync reconciles the local note replica with the remote notes API.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Flow names one synchronization flow. The names double as deferred-run tags.
type Flow string

const (
	// FlowNew pushes notes created locally.
	FlowNew Flow = "sync-new-notes"
	// FlowUpdated reconciles notes edited locally.
	FlowUpdated Flow = "sync-updated-notes"
	// FlowDeleted reconciles notes deleted locally.
	FlowDeleted Flow = "sync-deleted-notes"
	// FlowPull copies remote changes into non-pending local notes.
	FlowPull Flow = "sync-pull-notes"
)

// AllFlows lists the flows in the order SyncAll runs them.
var AllFlows = []Flow{FlowNew, FlowUpdated, FlowDeleted, FlowPull}

// ParseFlow converts a tag to a Flow.
func ParseFlow(tag string) (Flow, error) {
	for _, f := range AllFlows {
		if string(f) == tag {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown sync flow %q", tag)
}

// FlowForStatus returns the push flow responsible for notes in status s.
func FlowForStatus(s schema.Status) (Flow, bool) {
	switch s {
	case schema.StatusNew:
		return FlowNew, true
	case schema.StatusUpdated:
		return FlowUpdated, true
	case schema.StatusDeleted:
		return FlowDeleted, true
	}
	return "", false
}

// Syncer drives the synchronization flows.
//
// Every flow is idempotent and re-runnable: running it twice with no
// intervening change leaves the replica as running it once. A failure on one
// note is logged and counted and the flow moves on; only a replica store
// failure aborts a flow.
type Syncer interface {
	// PushNew creates every locally new note on the remote.
	//
	// On success the remote's copy is adopted and the note becomes synced.
	// A create rejected because the identifier already exists (an earlier
	// attempt reached the remote) is reconciled like an updated note, so the
	// create is never issued twice.
	PushNew(ctx context.Context) (Result, error)

	// PushUpdated reconciles every locally updated note.
	//
	// The remote version is fetched and the conflict resolver decides:
	// push local content, adopt the remote, or resend as a create when the
	// remote has no such note.
	PushUpdated(ctx context.Context) (Result, error)

	// PushDeleted reconciles every locally deleted note.
	//
	// A delete that wins is sent to the remote and the note is physically
	// removed. A note the remote never had keeps its tombstone as synced. A
	// newer live remote version recovers the note.
	PushDeleted(ctx context.Context) (Result, error)

	// Pull copies remote notes into the replica.
	//
	// Notes missing locally are inserted as synced; synced notes are replaced
	// when the remote copy is newer. Pending notes are left to the push flows.
	Pull(ctx context.Context) (Result, error)

	// RunFlow runs the named flow.
	RunFlow(ctx context.Context, flow Flow) (Result, error)

	// SyncAll runs every flow in AllFlows order and returns one result per
	// flow that ran. It stops at the first replica store failure.
	SyncAll(ctx context.Context) ([]Result, error)
}

// Store is the replica store as seen by the syncer. *db.DB satisfies it.
type Store interface {
	GetContext(ctx context.Context, id string) (*schema.Note, error)
	GetByStatusContext(ctx context.Context, status schema.Status) ([]*schema.Note, error)
	PutContext(ctx context.Context, note *schema.Note) error
	DeleteContext(ctx context.Context, id string) error
	// Lock acquires the per-note lock and returns its release function.
	Lock(id string) func()
}

// Result summarizes one flow run.
type Result struct {
	Flow Flow
	// Processed counts the notes the flow looked at.
	Processed int
	// Synced counts notes that ended the run synced.
	Synced int
	// Removed counts notes physically removed from the replica.
	Removed int
	// Failed counts notes left pending because of a remote failure.
	Failed int
	// Skipped counts notes left alone: past the attempt cap, or changed
	// concurrently while the flow was talking to the remote.
	Skipped int
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Changed reports whether the run modified the replica.
func (r Result) Changed() bool {
	return r.Synced > 0 || r.Removed > 0
}

func (r Result) String() string {
	return fmt.Sprintf("%s: processed=%d synced=%d removed=%d failed=%d skipped=%d (%s)",
		r.Flow, r.Processed, r.Synced, r.Removed, r.Failed, r.Skipped, r.Duration.Round(time.Millisecond))
}
