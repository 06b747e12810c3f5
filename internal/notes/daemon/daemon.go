package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often every flow is swept (default 5m)
	SyncInterval time.Duration

	// DeferredPollInterval is how often the replica is checked for deferred
	// runs requested by other processes (default 5s)
	DeferredPollInterval time.Duration

	// Connectivity tracks reachability. Nil means always online.
	Connectivity *Connectivity

	// Handler applies realtime events. Nil disables realtime.
	Handler *realtime.Handler

	// Subscriber delivers realtime events. Ignored without Handler.
	Subscriber *realtime.Subscriber

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:         5 * time.Minute,
		DeferredPollInterval: 5 * time.Second,
		Logger:               log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Store is the replica store as seen by the daemon. *db.DB satisfies it.
type Store interface {
	GetContext(ctx context.Context, id string) (*schema.Note, error)
	RequestDeferredRun(ctx context.Context, tag string) error
	PendingDeferredRuns(ctx context.Context) ([]string, error)
	ClearDeferredRun(ctx context.Context, tag string) error
}

// Stats is a snapshot of daemon activity.
type Stats struct {
	Online         bool
	QueueLength    int
	FlowRuns       int
	FlowFailures   int
	EventsApplied  int
	EventsDeferred int
	EventsDropped  int
	LastSync       time.Time
	LastResults    []notesync.Result
}

// Daemon orchestrates sync triggers and realtime updates.
type Daemon struct {
	store  Store
	syncer notesync.Syncer
	config *Config

	queue *jobQueue
	sub   *realtime.Subscription

	statsMu sync.Mutex
	stats   Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped sync.Once
}

// New creates a new Daemon with default configuration.
func New(store Store, syncer notesync.Syncer) (*Daemon, error) {
	return NewWithConfig(store, syncer, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(store Store, syncer notesync.Syncer, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.DeferredPollInterval <= 0 {
		config.DeferredPollInterval = defaults.DeferredPollInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:  store,
		syncer: syncer,
		config: config,
		queue:  newJobQueue(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Take a connectivity reading
// 2. Drain deferred runs and sweep every flow if online
// 3. Subscribe to realtime events
// 4. Run the worker, the periodic sweep and the deferred-run poller
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if c := d.config.Connectivity; c != nil {
		if err := c.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start connectivity detector: %w", err)
		}
	}

	if d.Online() {
		d.enqueue(Job{Kind: JobDrainDeferred, Reason: "startup"})
		d.enqueue(Job{Kind: JobSyncAll, Reason: "startup"})
	}

	d.wg.Add(3)
	go d.worker()
	go d.sweep()
	go d.pollDeferred()

	if c := d.config.Connectivity; c != nil {
		d.wg.Add(1)
		go d.watchConnectivity(c)
	}

	if d.config.Handler != nil && d.config.Subscriber != nil {
		d.sub = d.config.Subscriber.Subscribe(d.ctx, func(ev realtime.Event) {
			d.enqueue(Job{Kind: JobRealtime, Event: ev})
		})
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Safe to call more than once.
func (d *Daemon) Stop() error {
	d.stopped.Do(func() {
		d.config.Logger.Println("Stopping daemon")

		d.cancel()
		d.queue.Close()

		if d.sub != nil {
			_ = d.sub.Close()
		}
		if c := d.config.Connectivity; c != nil {
			if err := c.Stop(); err != nil {
				d.config.Logger.Printf("Error stopping connectivity detector: %v", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Online reports whether the remote is currently considered reachable.
func (d *Daemon) Online() bool {
	if c := d.config.Connectivity; c != nil {
		return c.Online()
	}
	return true
}

// Notify asks for flow to run: now if online, as a persisted deferred run
// otherwise.
func (d *Daemon) Notify(ctx context.Context, flow notesync.Flow) error {
	if !d.Online() {
		return d.deferFlow(ctx, flow)
	}
	d.enqueue(Job{Kind: JobFlow, Flow: flow, Reason: "notify"})
	return nil
}

// SyncNow queues a sweep of every flow.
func (d *Daemon) SyncNow() {
	d.enqueue(Job{Kind: JobSyncAll, Reason: "manual"})
}

// Stats returns a snapshot of daemon activity.
func (d *Daemon) Stats() Stats {
	d.statsMu.Lock()
	s := d.stats
	s.LastResults = append([]notesync.Result(nil), d.stats.LastResults...)
	d.statsMu.Unlock()

	s.Online = d.Online()
	s.QueueLength = d.queue.Len()
	return s
}

func (d *Daemon) enqueue(j Job) {
	d.queue.Enqueue(j)
}

func (d *Daemon) deferFlow(ctx context.Context, flow notesync.Flow) error {
	if err := d.store.RequestDeferredRun(ctx, string(flow)); err != nil {
		return fmt.Errorf("failed to defer %s: %w", flow, err)
	}
	d.config.Logger.Printf("Offline: deferred %s", flow)
	return nil
}

// worker processes the job queue, one job at a time.
func (d *Daemon) worker() {
	defer d.wg.Done()

	for {
		for {
			if d.ctx.Err() != nil {
				return
			}
			job, ok := d.queue.TryDequeue()
			if !ok {
				break
			}
			d.process(job)
		}

		select {
		case <-d.ctx.Done():
			return
		case _, ok := <-d.queue.Wait():
			if !ok {
				return
			}
		}
	}
}

func (d *Daemon) process(job Job) {
	switch job.Kind {
	case JobFlow:
		if !d.Online() {
			if err := d.deferFlow(d.ctx, job.Flow); err != nil {
				d.config.Logger.Printf("Error: %v", err)
			}
			return
		}
		d.runFlows(job.Reason, job.Flow)

	case JobSyncAll:
		if !d.Online() {
			return
		}
		d.runFlows(job.Reason, notesync.AllFlows...)

	case JobDrainDeferred:
		if !d.Online() {
			return
		}
		tags, err := d.store.PendingDeferredRuns(d.ctx)
		if err != nil {
			d.config.Logger.Printf("Error reading deferred runs: %v", err)
			return
		}
		var flows []notesync.Flow
		for _, tag := range tags {
			flow, err := notesync.ParseFlow(tag)
			if err != nil {
				d.config.Logger.Printf("Dropping unknown deferred run %q", tag)
				_ = d.store.ClearDeferredRun(d.ctx, tag)
				continue
			}
			flows = append(flows, flow)
		}
		if len(flows) > 0 {
			d.config.Logger.Printf("Draining %d deferred run(s) (%s)", len(flows), job.Reason)
			d.runFlows(job.Reason, flows...)
		}

	case JobRealtime:
		d.applyEvent(job.Event)
	}
}

// runFlows clears each flow's deferred request and runs it. A request
// registered after the clear survives for the next drain.
func (d *Daemon) runFlows(reason string, flows ...notesync.Flow) {
	var results []notesync.Result
	for _, flow := range flows {
		if d.ctx.Err() != nil {
			return
		}
		if err := d.store.ClearDeferredRun(d.ctx, string(flow)); err != nil {
			d.config.Logger.Printf("Error clearing deferred run %s: %v", flow, err)
		}

		res, err := d.syncer.RunFlow(d.ctx, flow)
		results = append(results, res)

		d.statsMu.Lock()
		d.stats.FlowRuns++
		if err != nil {
			d.stats.FlowFailures++
		}
		d.statsMu.Unlock()

		if err != nil {
			d.config.Logger.Printf("Error running %s (%s): %v", flow, reason, err)
			if d.ctx.Err() == nil {
				_ = d.store.RequestDeferredRun(d.ctx, string(flow))
			}
			continue
		}
		if res.Processed > 0 {
			d.config.Logger.Printf("%s (%s)", res, reason)
		}
	}

	d.statsMu.Lock()
	d.stats.LastSync = time.Now()
	d.stats.LastResults = results
	d.statsMu.Unlock()
}

func (d *Daemon) applyEvent(ev realtime.Event) {
	if d.config.Handler == nil {
		return
	}
	out, err := d.config.Handler.Handle(d.ctx, ev)
	if err != nil {
		d.config.Logger.Printf("Error applying %s for note %s: %v", ev.Action, ev.Note.ID, err)
	}

	d.statsMu.Lock()
	switch out {
	case realtime.Applied:
		d.stats.EventsApplied++
	case realtime.Deferred:
		d.stats.EventsDeferred++
	default:
		d.stats.EventsDropped++
	}
	d.statsMu.Unlock()

	if out == realtime.Deferred {
		// The pending note is reconciled against the remote by its push flow.
		if flow, ok := d.pushFlowFor(ev.Note.ID); ok {
			d.enqueue(Job{Kind: JobFlow, Flow: flow, Reason: "deferred realtime event"})
		}
	}
}

func (d *Daemon) pushFlowFor(id string) (notesync.Flow, bool) {
	n, err := d.store.GetContext(d.ctx, id)
	if err != nil {
		return "", false
	}
	return notesync.FlowForStatus(n.SyncStatus)
}

// sweep periodically runs every flow.
func (d *Daemon) sweep() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if d.Online() {
				d.enqueue(Job{Kind: JobSyncAll, Reason: "periodic"})
			}
		}
	}
}

// pollDeferred picks up deferred runs requested by other processes.
func (d *Daemon) pollDeferred() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DeferredPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.Online() {
				continue
			}
			tags, err := d.store.PendingDeferredRuns(d.ctx)
			if err != nil {
				if d.ctx.Err() == nil {
					d.config.Logger.Printf("Error polling deferred runs: %v", err)
				}
				continue
			}
			if len(tags) > 0 {
				d.enqueue(Job{Kind: JobDrainDeferred, Reason: "requested"})
			}
		}
	}
}

// watchConnectivity drains deferred runs on every offline to online transition.
func (d *Daemon) watchConnectivity(c *Connectivity) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case online := <-c.Changes():
			if online {
				d.config.Logger.Println("Back online")
				d.enqueue(Job{Kind: JobDrainDeferred, Reason: "reconnected"})
				d.enqueue(Job{Kind: JobFlow, Flow: notesync.FlowPull, Reason: "reconnected"})
			} else {
				d.config.Logger.Println("Gone offline")
			}
		}
	}
}
