package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/migrate"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)

	got, err := parseSince("36h", now)
	if err != nil {
		t.Fatalf("parseSince(36h) failed: %v", err)
	}
	if want := now.Add(-36 * time.Hour); !got.Equal(want) {
		t.Errorf("parseSince(36h) = %v, want %v", got, want)
	}

	got, err = parseSince("2024-03-01", now)
	if err != nil {
		t.Fatalf("parseSince(date) failed: %v", err)
	}
	if got.Day() != 1 || got.Month() != time.March {
		t.Errorf("parseSince(date) = %v", got)
	}

	if _, err := parseSince("whenever it suits", now); err == nil {
		t.Error("expected error for unparseable input")
	}
}

// TestAddOfflineThenExport drives the CLI against an unreachable remote: the
// note is stored as new with a deferred run, and export sees it.
func TestAddOfflineThenExport(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(t.TempDir(), "notes.jsonl")

	run := func(args ...string) {
		t.Helper()
		rootCmd.SetArgs(append([]string{"--data-dir", dir, "--api-url", "http://127.0.0.1:1/api", "--no-color"}, args...))
		if err := rootCmd.Execute(); err != nil {
			t.Fatalf("notes %v failed: %v", args, err)
		}
	}

	run("add", "Groceries", "-c", "milk")
	run("export", out)

	replica, err := db.Open(filepath.Join(dir, "replica.db"))
	if err != nil {
		t.Fatalf("failed to open replica: %v", err)
	}
	defer replica.Close()

	notes, err := replica.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(notes))
	}
	if notes[0].Title != "Groceries" || notes[0].SyncStatus != schema.StatusNew {
		t.Errorf("unexpected note: %+v", notes[0])
	}

	tags, err := replica.PendingDeferredRuns(context.Background())
	if err != nil {
		t.Fatalf("PendingDeferredRuns failed: %v", err)
	}
	if len(tags) != 1 || tags[0] != "sync-new-notes" {
		t.Errorf("deferred runs = %v", tags)
	}

	check, err := db.Open(filepath.Join(t.TempDir(), "check.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer check.Close()
	if err := check.InitSchema(); err != nil {
		t.Fatal(err)
	}
	res, err := migrate.Import(context.Background(), check, migrate.ImportOptions{Path: out})
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("export did not contain the note: %+v", res)
	}
}

// flowSyncer fails the flow in fail and registers a deferred run for
// requested while every flow runs, as another process would.
type flowSyncer struct {
	notesync.Syncer
	replica   *db.DB
	fail      notesync.Flow
	requested notesync.Flow
}

func (s *flowSyncer) RunFlow(ctx context.Context, flow notesync.Flow) (notesync.Result, error) {
	if flow == s.requested {
		if err := s.replica.RequestDeferredRun(ctx, string(flow)); err != nil {
			return notesync.Result{Flow: flow}, err
		}
	}
	if flow == s.fail {
		return notesync.Result{Flow: flow}, errors.New("store unavailable")
	}
	return notesync.Result{Flow: flow}, nil
}

func TestRunSyncFlows_DeferredRuns(t *testing.T) {
	ctx := context.Background()
	replica, err := db.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer replica.Close()
	if err := replica.InitSchema(); err != nil {
		t.Fatal(err)
	}

	for _, f := range notesync.AllFlows {
		if err := replica.RequestDeferredRun(ctx, string(f)); err != nil {
			t.Fatal(err)
		}
	}

	s := &flowSyncer{replica: replica, fail: notesync.FlowDeleted, requested: notesync.FlowNew}
	results, err := runSyncFlows(ctx, replica, s, notesync.AllFlows)
	if err == nil {
		t.Fatal("expected the failing flow to abort the run")
	}
	if len(results) != 3 {
		t.Fatalf("expected the run to stop after 3 flows, got %d", len(results))
	}

	tags, err := replica.PendingDeferredRuns(ctx)
	if err != nil {
		t.Fatalf("PendingDeferredRuns failed: %v", err)
	}
	got := make(map[string]bool)
	for _, tag := range tags {
		got[tag] = true
	}
	// Registered while the flow ran.
	if !got[string(notesync.FlowNew)] {
		t.Errorf("request made during %s was cleared: %v", notesync.FlowNew, tags)
	}
	if got[string(notesync.FlowUpdated)] {
		t.Errorf("%s ran cleanly but is still deferred: %v", notesync.FlowUpdated, tags)
	}
	if !got[string(notesync.FlowDeleted)] {
		t.Errorf("aborted %s should stay deferred: %v", notesync.FlowDeleted, tags)
	}
	if !got[string(notesync.FlowPull)] {
		t.Errorf("%s never ran and should stay deferred: %v", notesync.FlowPull, tags)
	}
}
