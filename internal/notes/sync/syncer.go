package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/resolve"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Config holds syncer configuration.
type Config struct {
	// Logger for sync operations (defaults to stderr with "[sync] " prefix)
	Logger *log.Logger

	// MaxAttempts caps how often a note rejected by the remote is retried.
	// Past the cap the flows skip the note until it changes locally.
	// Transient failures never count. 0 means unbounded.
	MaxAttempts int

	// OnChange is called after a flow that modified the replica.
	OnChange func(Result)
}

// syncer implements the Syncer interface.
type syncer struct {
	store       Store
	api         remote.API
	logger      *log.Logger
	maxAttempts int
	onChange    func(Result)
}

// New creates a new Syncer.
//
// The store must have its schema initialized. If cfg.Logger is nil, a
// default logger writing to stderr is used.
//
// Example:
//
//	replica, err := db.Open(".notes/replica.db")
//	if err != nil {
//	    return err
//	}
//	if err := replica.InitSchema(); err != nil {
//	    return err
//	}
//	api := remote.NewClient("http://localhost:3000/api", 10*time.Second)
//	syncer := sync.New(replica, api, sync.Config{})
func New(store Store, api remote.API, cfg Config) Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &syncer{
		store:       store,
		api:         api,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
		onChange:    cfg.OnChange,
	}
}

// outcome is what happened to one note during a flow.
type outcome int

const (
	outNone outcome = iota
	outSynced
	outRemoved
	outFailed
	outSkipped
)

// PushNew implements Syncer.PushNew.
func (s *syncer) PushNew(ctx context.Context) (Result, error) {
	return s.run(ctx, FlowNew, schema.StatusNew, s.pushNew)
}

// PushUpdated implements Syncer.PushUpdated.
func (s *syncer) PushUpdated(ctx context.Context) (Result, error) {
	return s.run(ctx, FlowUpdated, schema.StatusUpdated, s.reconcile)
}

// PushDeleted implements Syncer.PushDeleted.
func (s *syncer) PushDeleted(ctx context.Context) (Result, error) {
	return s.run(ctx, FlowDeleted, schema.StatusDeleted, s.reconcile)
}

// RunFlow implements Syncer.RunFlow.
func (s *syncer) RunFlow(ctx context.Context, flow Flow) (Result, error) {
	switch flow {
	case FlowNew:
		return s.PushNew(ctx)
	case FlowUpdated:
		return s.PushUpdated(ctx)
	case FlowDeleted:
		return s.PushDeleted(ctx)
	case FlowPull:
		return s.Pull(ctx)
	default:
		return Result{Flow: flow}, fmt.Errorf("unknown sync flow %q", flow)
	}
}

// SyncAll implements Syncer.SyncAll.
func (s *syncer) SyncAll(ctx context.Context) ([]Result, error) {
	results := make([]Result, 0, len(AllFlows))
	for _, flow := range AllFlows {
		res, err := s.RunFlow(ctx, flow)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("failed to run %s: %w", flow, err)
		}
	}
	return results, nil
}

// run applies fn to every note currently in status, one note at a time,
// each under its per-note lock.
func (s *syncer) run(ctx context.Context, flow Flow, status schema.Status,
	fn func(context.Context, *schema.Note) (outcome, error)) (Result, error) {

	start := time.Now()
	res := Result{Flow: flow}

	notes, err := s.store.GetByStatusContext(ctx, status)
	if err != nil {
		return res, fmt.Errorf("failed to list %s notes: %w", status, err)
	}
	if len(notes) == 0 {
		res.Duration = time.Since(start)
		return res, nil
	}

	s.logger.Printf("Starting %s: %d note(s)", flow, len(notes))

	for _, n := range notes {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.Processed++

		out, err := s.one(ctx, n.ID, status, fn)
		if err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.count(out)
	}

	res.Duration = time.Since(start)
	s.logger.Printf("Finished %s", res)
	s.changed(res)
	return res, nil
}

// one re-reads the note under its lock and hands it to fn if it is still in
// the status the flow selected.
func (s *syncer) one(ctx context.Context, id string, status schema.Status,
	fn func(context.Context, *schema.Note) (outcome, error)) (outcome, error) {

	unlock := s.store.Lock(id)
	defer unlock()

	cur, err := s.store.GetContext(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return outSkipped, nil
	}
	if err != nil {
		return outNone, fmt.Errorf("failed to load note %s: %w", id, err)
	}
	if cur.SyncStatus != status {
		return outSkipped, nil
	}
	if s.maxAttempts > 0 && cur.SyncAttempts >= s.maxAttempts {
		return outSkipped, nil
	}

	return fn(ctx, cur)
}

// pushNew sends a create for a locally new note.
func (s *syncer) pushNew(ctx context.Context, n *schema.Note) (outcome, error) {
	created, err := s.api.Create(ctx, n)
	if errors.Is(err, remote.ErrConflict) {
		s.logger.Printf("Note %s already exists on remote, reconciling", n.ID)
		return s.reconcile(ctx, n)
	}
	if err != nil {
		return s.fail(ctx, n, "create", err)
	}

	s.logger.Printf("Created note on remote: %s (%s)", n.ID, n.Title)
	return s.markSynced(ctx, n, created)
}

// reconcile fetches the remote copy, asks the resolver, and applies its decision.
func (s *syncer) reconcile(ctx context.Context, n *schema.Note) (outcome, error) {
	remoteNote, err := s.api.Get(ctx, n.ID)
	if err != nil {
		return s.fail(ctx, n, "fetch", err)
	}

	d := resolve.Resolve(n, remoteNote)

	switch d.Action {
	case resolve.KeepLocalTombstone:
		s.logger.Printf("Note %s never reached remote, keeping local tombstone", n.ID)
		tomb := n.Clone()
		tomb.IsDeleted = true
		return s.markSynced(ctx, n, tomb)

	case resolve.PushCreate:
		created, err := s.api.Create(ctx, n)
		if err != nil {
			return s.fail(ctx, n, "create", err)
		}
		s.logger.Printf("Recreated note on remote: %s (%s)", n.ID, n.Title)
		return s.markSynced(ctx, n, created)

	case resolve.PushUpdate:
		updated, err := s.api.Update(ctx, n)
		if err != nil {
			return s.fail(ctx, n, "update", err)
		}
		s.logger.Printf("Updated note on remote: %s (%s)", n.ID, n.Title)
		return s.markSynced(ctx, n, updated)

	case resolve.PushDelete:
		if err := s.api.Delete(ctx, n.ID); err != nil {
			if remote.IsNotFound(err) {
				// Gone between fetch and delete; nothing left to send.
				return s.markSynced(ctx, n, n)
			}
			return s.fail(ctx, n, "delete", err)
		}
		s.logger.Printf("Deleted note on remote: %s", n.ID)
		return s.remove(ctx, n)

	case resolve.AdoptRemote:
		s.logger.Printf("Remote is newer for note %s, adopting", n.ID)
		return s.markSynced(ctx, n, d.Note)

	case resolve.RecoverRemote:
		s.logger.Printf("Remote edit supersedes local delete of note %s, recovering", n.ID)
		return s.markSynced(ctx, n, d.Note)
	}

	return outNone, fmt.Errorf("unhandled resolver action %s", d.Action)
}

// Pull implements Syncer.Pull.
func (s *syncer) Pull(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Flow: FlowPull}

	remoteNotes, err := s.api.List(ctx)
	if err != nil {
		s.logger.Printf("WARNING: Failed to list remote notes: %v", err)
		res.Failed++
		res.Duration = time.Since(start)
		return res, nil
	}

	for _, r := range remoteNotes {
		if err := ctx.Err(); err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.Processed++

		out, err := s.pullOne(ctx, r)
		if err != nil {
			res.Duration = time.Since(start)
			return res, err
		}
		res.count(out)
	}

	res.Duration = time.Since(start)
	if res.Changed() {
		s.logger.Printf("Finished %s", res)
	}
	s.changed(res)
	return res, nil
}

func (s *syncer) pullOne(ctx context.Context, r *schema.Note) (outcome, error) {
	if err := r.Validate(); err != nil {
		s.logger.Printf("WARNING: Ignoring invalid remote note %s: %v", r.ID, err)
		return outFailed, nil
	}

	unlock := s.store.Lock(r.ID)
	defer unlock()

	local, err := s.store.GetContext(ctx, r.ID)
	switch {
	case errors.Is(err, db.ErrNotFound):
		if r.IsDeleted {
			// Nothing to show and nothing to reconcile.
			return outNone, nil
		}
		next, err := s.withStatus(r, "", schema.EventRemoteAdd)
		if err != nil {
			return outNone, err
		}
		if err := s.store.PutContext(ctx, next); err != nil {
			return outNone, fmt.Errorf("failed to store pulled note %s: %w", r.ID, err)
		}
		return outSynced, nil

	case err != nil:
		return outNone, fmt.Errorf("failed to load note %s: %w", r.ID, err)
	}

	if local.IsPending() {
		return outSkipped, nil
	}
	if !r.UpdatedAt.After(local.UpdatedAt) {
		return outNone, nil
	}

	next, err := s.withStatus(r, local.SyncStatus, schema.EventRemoteUpdate)
	if err != nil {
		return outNone, err
	}
	if err := s.store.PutContext(ctx, next); err != nil {
		return outNone, fmt.Errorf("failed to store pulled note %s: %w", r.ID, err)
	}
	return outSynced, nil
}

// markSynced stores winner as the reconciled version of before.
func (s *syncer) markSynced(ctx context.Context, before, winner *schema.Note) (outcome, error) {
	next, err := s.withStatus(winner, before.SyncStatus, schema.EventReconciled)
	if err != nil {
		return outNone, err
	}
	if next.UpdatedAt.Before(before.UpdatedAt) {
		next.UpdatedAt = before.UpdatedAt
	}
	if next.CreatedAt.After(next.UpdatedAt) {
		next.CreatedAt = before.CreatedAt
	}
	return s.commit(ctx, before, next, false)
}

// remove physically removes a note whose delete the remote confirmed.
func (s *syncer) remove(ctx context.Context, before *schema.Note) (outcome, error) {
	out, err := schema.Transition(before.SyncStatus, schema.EventReconciledDelete)
	if err != nil {
		return outNone, err
	}
	return s.commit(ctx, before, nil, out.Remove)
}

// fail records a remote failure on the note and leaves it pending.
func (s *syncer) fail(ctx context.Context, n *schema.Note, op string, err error) (outcome, error) {
	s.logger.Printf("WARNING: Failed to %s note %s: %v", op, n.ID, err)

	next := n.Clone()
	next.LastSyncError = err.Error()
	if !remote.IsTransient(err) {
		next.SyncAttempts++
		if s.maxAttempts > 0 && next.SyncAttempts >= s.maxAttempts {
			s.logger.Printf("WARNING: Note %s rejected %d time(s), giving up until it changes", n.ID, next.SyncAttempts)
		}
	}

	if ctx.Err() != nil {
		// Shutting down; the note stays pending as it is.
		return outFailed, nil
	}
	if _, err := s.commit(ctx, n, next, false); err != nil {
		return outNone, err
	}
	return outFailed, nil
}

// commit writes next (or removes the note) unless another writer changed the
// note while the flow was talking to the remote. The per-note lock covers this
// process; the re-read covers other processes sharing the replica file.
func (s *syncer) commit(ctx context.Context, before, next *schema.Note, remove bool) (outcome, error) {
	latest, err := s.store.GetContext(ctx, before.ID)
	if errors.Is(err, db.ErrNotFound) {
		return outSkipped, nil
	}
	if err != nil {
		return outNone, fmt.Errorf("failed to reload note %s: %w", before.ID, err)
	}
	if latest.SyncStatus != before.SyncStatus || !latest.UpdatedAt.Equal(before.UpdatedAt) {
		s.logger.Printf("Note %s changed during sync, leaving it for the next run", before.ID)
		return outSkipped, nil
	}

	if remove {
		if err := s.store.DeleteContext(ctx, before.ID); err != nil {
			return outNone, fmt.Errorf("failed to remove note %s: %w", before.ID, err)
		}
		return outRemoved, nil
	}

	if err := s.store.PutContext(ctx, next); err != nil {
		return outNone, fmt.Errorf("failed to store note %s: %w", before.ID, err)
	}
	if next.SyncStatus == schema.StatusSynced {
		return outSynced, nil
	}
	return outFailed, nil
}

// withStatus copies n and moves it to the status ev leads to from.
func (s *syncer) withStatus(n *schema.Note, from schema.Status, ev schema.Event) (*schema.Note, error) {
	out, err := schema.Transition(from, ev)
	if err != nil {
		return nil, err
	}
	next := n.Clone()
	next.SyncStatus = out.Status
	next.SyncAttempts = 0
	next.LastSyncError = ""
	return next, nil
}

func (s *syncer) changed(res Result) {
	if s.onChange != nil && res.Changed() {
		s.onChange(res)
	}
}

func (r *Result) count(out outcome) {
	switch out {
	case outSynced:
		r.Synced++
	case outRemoved:
		r.Removed++
	case outFailed:
		r.Failed++
	case outSkipped:
		r.Skipped++
	}
}
