package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/mschirtzinger/notesync/internal/logging"
	"github.com/mschirtzinger/notesync/internal/notes/daemon"
	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/service"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

// app bundles what a one-shot command needs: the replica, the remote client
// and the note service on top of them.
type app struct {
	replica *db.DB
	api     *remote.Client
	logs    *logging.Output
	svc     *service.Service
	online  bool
}

// openApp opens the replica and decides connectivity once: the manual
// offline flag wins, otherwise the server health endpoint is probed.
func openApp(ctx context.Context) (*app, error) {
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}

	logs, err := logging.Open(logging.Options{Quiet: !verbose})
	if err != nil {
		return nil, fmt.Errorf("failed to open log output: %w", err)
	}

	replica, err := db.Open(cfg.ReplicaPath())
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	if err := replica.InitSchemaContext(ctx); err != nil {
		_ = replica.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("failed to initialize replica: %w", err)
	}

	a := &app{
		replica: replica,
		api:     remote.NewClient(cfg.APIURL, cfg.Sync.RequestTimeout),
		logs:    logs,
	}
	a.online = !daemon.ForcedOffline(cfg.OfflineFlagPath()) && probe(ctx)

	a.svc = service.New(replica, service.Config{
		API:    a.api,
		Online: func() bool { return a.online },
		Logger: logs.Logger("notes"),
	})
	return a, nil
}

func (a *app) syncer() notesync.Syncer {
	return notesync.New(a.replica, a.api, notesync.Config{
		Logger:      a.logs.Logger("sync"),
		MaxAttempts: cfg.Sync.MaxAttempts,
	})
}

func (a *app) Close() {
	_ = a.replica.Close()
	_ = a.logs.Close()
}

func probe(ctx context.Context) bool {
	client := &http.Client{Timeout: 3 * time.Second}
	return daemon.Probe(ctx, client, cfg.HealthURL())
}

// mustOpenApp is openApp for Run closures.
func mustOpenApp(ctx context.Context) *app {
	a, err := openApp(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	return a
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// openLogs opens the log output of long-running commands: the configured
// log file, or stderr.
func openLogs() *logging.Output {
	logs, err := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		fatalf("failed to open log file: %v", err)
	}
	return logs
}
