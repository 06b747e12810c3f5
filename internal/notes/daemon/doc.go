// Package daemon provides the trigger controller that decides when sync flows run.
//
// # Architecture
//
// The daemon consists of several components:
//
//   - Connectivity: reachability tracking from a periodic /health probe and
//     the manual offline flag file, watched with fsnotify
//   - jobQueue: a coalescing FIFO feeding a single worker goroutine
//   - Daemon: wires triggers, realtime events and the syncer together
//
// # Triggers
//
// Three triggers feed the queue:
//
//   - Immediate: Notify(flow) queues the flow when online
//   - Deferred: while offline, Notify persists the flow name in the replica's
//     deferred_runs table. The rows are drained at startup, on every offline
//     to online transition, and whenever the poller sees a row written by
//     another process (the CLI)
//   - Periodic: every flow is swept at SyncInterval while online
//
// Realtime events from the subscription are queued as jobs as well, so the
// replica is only mutated by the daemon in queue order.
//
// # Usage
//
//	syncer := sync.New(store, client, sync.Config{})
//	cfg := daemon.DefaultConfig()
//	cfg.Connectivity = conn
//	d, err := daemon.NewWithConfig(store, syncer, cfg)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
package daemon
