package loadtest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestRun_Converges runs a small workload with half the clients offline.
func TestRun_Converges(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir := t.TempDir()
	stats, err := Run(ctx, Config{
		Clients:        4,
		NotesPerClient: 5,
		OfflineRatio:   0.5,
		EditRatio:      1,
		DeleteRatio:    0.2,
		MaxPasses:      5,
		Seed:           7,
		Dir:            dir,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !stats.Converged {
		t.Fatalf("replicas did not converge after %d passes: %d divergent", stats.Passes, stats.Divergent)
	}
	if stats.OfflineClients != 2 {
		t.Errorf("expected 2 offline clients, got %d", stats.OfflineClients)
	}
	if stats.Created != 20 {
		t.Errorf("expected 20 creates, got %d", stats.Created)
	}
	if stats.Edited != 20 {
		t.Errorf("expected 20 edits, got %d", stats.Edited)
	}
	if stats.Errors != 0 {
		t.Errorf("expected no errors, got %d", stats.Errors)
	}

	// Every flow runs once per client per pass.
	if want := 4 * 4 * stats.Passes; stats.Flows.Count != want {
		t.Errorf("expected %d flow runs, got %d", want, stats.Flows.Count)
	}
	if stats.Ops.Count != stats.Created+stats.Edited+stats.Deleted {
		t.Errorf("op count %d does not match operations", stats.Ops.Count)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "replica-*.db"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 4 {
		t.Errorf("expected 4 replica databases in %s, got %d", dir, len(matches))
	}

	var buf bytes.Buffer
	stats.PrintStats(&buf)
	if !strings.Contains(buf.String(), "Converged after") {
		t.Errorf("report missing convergence line:\n%s", buf.String())
	}
	t.Logf("\n%s", buf.String())
}

// TestRun_TempDirRemoved verifies that a run without Dir cleans up after itself.
func TestRun_TempDirRemoved(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	before, _ := filepath.Glob(filepath.Join(os.TempDir(), "notes-loadtest-*"))

	stats, err := Run(context.Background(), Config{Clients: 2, NotesPerClient: 2})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !stats.Converged {
		t.Errorf("expected convergence, %d divergent", stats.Divergent)
	}

	after, _ := filepath.Glob(filepath.Join(os.TempDir(), "notes-loadtest-*"))
	if len(after) > len(before) {
		t.Errorf("temp dir left behind: %v", after)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	s := computeLatencyStats(durations)
	if s.Count != 100 {
		t.Errorf("Count = %d, want 100", s.Count)
	}
	if s.Min != time.Millisecond || s.Max != 100*time.Millisecond {
		t.Errorf("Min/Max = %v/%v", s.Min, s.Max)
	}
	if s.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", s.P50)
	}
	if s.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", s.P99)
	}
	if s.Mean != 50500*time.Microsecond {
		t.Errorf("Mean = %v, want 50.5ms", s.Mean)
	}

	if got := computeLatencyStats(nil); got.Count != 0 {
		t.Errorf("empty input produced %+v", got)
	}
}
