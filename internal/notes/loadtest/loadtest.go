// Package loadtest exercises the sync engine end to end with many replicas.
//
// Run starts an in-process reference server and a set of clients, each with
// its own replica database, note service and syncer. Clients create, edit and
// delete notes concurrently while a fraction of them is offline. Afterwards
// every client goes online and runs the sync flows until all replicas agree
// with the server, or the pass limit is reached.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	"github.com/mschirtzinger/notesync/internal/notes/server"
	"github.com/mschirtzinger/notesync/internal/notes/service"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

// Config holds load test parameters.
type Config struct {
	Clients        int     // Number of replicas (default 10)
	NotesPerClient int     // Notes created by each client (default 20)
	OfflineRatio   float64 // Fraction of clients offline while writing (default 0.3)
	EditRatio      float64 // Chance a created note is edited (default 0.5)
	DeleteRatio    float64 // Chance a created note is deleted (default 0.1)
	MaxPasses      int     // Sync passes before giving up (default 5)
	Seed           int64   // Seed for the per-client random sources

	// Dir holds the replica databases. Empty means a temp dir removed
	// after the run.
	Dir string

	// RequestTimeout bounds each remote call (default 10s)
	RequestTimeout time.Duration

	// Logger receives progress lines. Component logs are discarded.
	Logger *log.Logger
}

// DefaultConfig returns a small but contended workload.
func DefaultConfig() Config {
	return Config{
		Clients:        10,
		NotesPerClient: 20,
		OfflineRatio:   0.3,
		EditRatio:      0.5,
		DeleteRatio:    0.1,
		MaxPasses:      5,
		Seed:           42,
		RequestTimeout: 10 * time.Second,
	}
}

func (c *Config) setDefaults() {
	def := DefaultConfig()
	if c.Clients <= 0 {
		c.Clients = def.Clients
	}
	if c.NotesPerClient <= 0 {
		c.NotesPerClient = def.NotesPerClient
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = def.MaxPasses
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
}

// LatencyStats captures timing of one kind of operation.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Stats is the outcome of a load test.
type Stats struct {
	Clients        int
	OfflineClients int

	Created int
	Edited  int
	Deleted int
	Errors  int // Note operations that returned an error

	Ops   LatencyStats // Service create/edit/delete calls
	Flows LatencyStats // Individual sync flow runs

	Passes    int  // Sync passes run
	Converged bool // All replicas matched the server after the last pass
	Divergent int  // Records still disagreeing after the last pass

	RemoteNotes int // Notes on the server, tombstones included
	Duration    time.Duration
}

type client struct {
	id      int
	replica *db.DB
	svc     *service.Service
	syncer  notesync.Syncer
	online  atomic.Bool
	rng     *rand.Rand
}

// recorder collects timings from concurrent clients.
type recorder struct {
	mu      sync.Mutex
	ops     []time.Duration
	flows   []time.Duration
	created int
	edited  int
	deleted int
	errors  int
}

func (r *recorder) op(kind string, d time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, d)
	if err != nil {
		r.errors++
		return
	}
	switch kind {
	case "create":
		r.created++
	case "edit":
		r.edited++
	case "delete":
		r.deleted++
	}
}

func (r *recorder) flow(results []notesync.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range results {
		r.flows = append(r.flows, res.Duration)
	}
}

// Run executes a load test.
func Run(ctx context.Context, cfg Config) (*Stats, error) {
	cfg.setDefaults()
	start := time.Now()
	quiet := log.New(io.Discard, "", 0)

	dir := cfg.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "notes-loadtest-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	srv := server.NewServer(&server.Config{Addr: "127.0.0.1:0", Logger: quiet})
	if err := srv.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Stop()
	api := remote.NewClient(srv.APIURL(), cfg.RequestTimeout)
	cfg.Logger.Printf("Server listening on %s", srv.GetAddr())

	offline := int(float64(cfg.Clients)*cfg.OfflineRatio + 0.5)
	clients := make([]*client, 0, cfg.Clients)
	defer func() {
		for _, c := range clients {
			_ = c.replica.Close()
		}
	}()
	for i := 0; i < cfg.Clients; i++ {
		c, err := newClient(ctx, i, dir, api, cfg, quiet)
		if err != nil {
			return nil, err
		}
		c.online.Store(i >= offline)
		clients = append(clients, c)
	}

	rec := &recorder{}
	cfg.Logger.Printf("Writing: %d clients (%d offline), %d notes each", cfg.Clients, offline, cfg.NotesPerClient)
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(func() error { return c.work(gctx, cfg, rec) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, c := range clients {
		c.online.Store(true)
	}

	stats := &Stats{Clients: cfg.Clients, OfflineClients: offline}
	for pass := 1; pass <= cfg.MaxPasses; pass++ {
		g, gctx := errgroup.WithContext(ctx)
		for _, c := range clients {
			g.Go(func() error {
				results, err := c.syncer.SyncAll(gctx)
				rec.flow(results)
				if err != nil {
					return fmt.Errorf("client %d: sync failed: %w", c.id, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		divergent, total, err := divergence(ctx, api, clients)
		if err != nil {
			return nil, err
		}
		stats.Passes = pass
		stats.Divergent = divergent
		stats.RemoteNotes = total
		cfg.Logger.Printf("Pass %d: %d divergent records", pass, divergent)
		if divergent == 0 {
			stats.Converged = true
			break
		}
	}

	stats.Created = rec.created
	stats.Edited = rec.edited
	stats.Deleted = rec.deleted
	stats.Errors = rec.errors
	stats.Ops = computeLatencyStats(rec.ops)
	stats.Flows = computeLatencyStats(rec.flows)
	stats.Duration = time.Since(start)
	return stats, nil
}

func newClient(ctx context.Context, id int, dir string, api remote.API, cfg Config, logger *log.Logger) (*client, error) {
	replica, err := db.Open(filepath.Join(dir, fmt.Sprintf("replica-%03d.db", id)))
	if err != nil {
		return nil, fmt.Errorf("client %d: failed to open replica: %w", id, err)
	}
	if err := replica.InitSchemaContext(ctx); err != nil {
		_ = replica.Close()
		return nil, fmt.Errorf("client %d: failed to initialize schema: %w", id, err)
	}

	c := &client{
		id:      id,
		replica: replica,
		syncer:  notesync.New(replica, api, notesync.Config{Logger: logger}),
		rng:     rand.New(rand.NewSource(cfg.Seed + int64(id))),
	}
	c.svc = service.New(replica, service.Config{
		API:    api,
		Online: c.online.Load,
		Logger: logger,
	})
	return c, nil
}

// work creates the client's notes, editing and deleting some of them.
func (c *client) work(ctx context.Context, cfg Config, rec *recorder) error {
	for j := 0; j < cfg.NotesPerClient; j++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()
		n, err := c.svc.CreateNote(ctx, service.NoteInput{
			Title:   fmt.Sprintf("Client %d note %d", c.id, j),
			Content: fmt.Sprintf("written by client %d while %s", c.id, c.mode()),
		})
		rec.op("create", time.Since(start), err)
		if err != nil {
			continue
		}

		if c.rng.Float64() < cfg.EditRatio {
			edit := n.Clone()
			edit.Content += "\nedited"
			start = time.Now()
			n, err = c.svc.UpdateNote(ctx, edit)
			rec.op("edit", time.Since(start), err)
			if err != nil {
				continue
			}
		}

		if c.rng.Float64() < cfg.DeleteRatio {
			start = time.Now()
			err = c.svc.DeleteNote(ctx, n)
			rec.op("delete", time.Since(start), err)
		}
	}
	return nil
}

func (c *client) mode() string {
	if c.online.Load() {
		return "online"
	}
	return "offline"
}

// divergence counts records on which a replica disagrees with the server.
// A replica agrees when it holds every live remote note unchanged and
// synced, holds no live note the server lacks or has deleted, and has
// nothing pending.
func divergence(ctx context.Context, api remote.API, clients []*client) (int, int, error) {
	remoteNotes, err := api.List(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list remote notes: %w", err)
	}
	byID := make(map[string]*schema.Note, len(remoteNotes))
	for _, r := range remoteNotes {
		byID[r.ID] = r
	}

	divergent := 0
	for _, c := range clients {
		local, err := c.replica.GetAllContext(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("client %d: failed to read replica: %w", c.id, err)
		}
		localByID := make(map[string]*schema.Note, len(local))
		for _, l := range local {
			localByID[l.ID] = l
			if l.IsPending() {
				divergent++
				continue
			}
			if r, ok := byID[l.ID]; (!ok || r.IsDeleted) && !l.IsDeleted {
				divergent++
			}
		}

		for _, r := range remoteNotes {
			if r.IsDeleted {
				continue
			}
			l, ok := localByID[r.ID]
			if !ok || (!l.IsPending() && !l.SameContent(r)) {
				divergent++
			}
		}
	}
	return divergent, len(remoteNotes), nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(durations),
	}
}

// PrintStats writes a plain-text report of s to w.
func (s *Stats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Clients:     %d (%d offline while writing)\n", s.Clients, s.OfflineClients)
	fmt.Fprintf(w, "Operations:  %d created, %d edited, %d deleted, %d errors\n", s.Created, s.Edited, s.Deleted, s.Errors)
	fmt.Fprintf(w, "Remote:      %d notes\n", s.RemoteNotes)
	s.Ops.print(w, "Note operations")
	s.Flows.print(w, "Sync flows")
	if s.Converged {
		fmt.Fprintf(w, "Converged after %d passes in %v\n", s.Passes, s.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(w, "NOT converged after %d passes: %d divergent records\n", s.Passes, s.Divergent)
	}
}

func (l LatencyStats) print(w io.Writer, title string) {
	fmt.Fprintf(w, "%s (%d):\n", title, l.Count)
	fmt.Fprintf(w, "  Min:  %v\n", l.Min)
	fmt.Fprintf(w, "  P50:  %v\n", l.P50)
	fmt.Fprintf(w, "  Mean: %v\n", l.Mean)
	fmt.Fprintf(w, "  P95:  %v\n", l.P95)
	fmt.Fprintf(w, "  P99:  %v\n", l.P99)
	fmt.Fprintf(w, "  Max:  %v\n", l.Max)
}
