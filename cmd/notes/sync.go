package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mschirtzinger/notesync/internal/notes/daemon"
	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/realtime"
	"github.com/mschirtzinger/notesync/internal/notes/remote"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
	"github.com/mschirtzinger/notesync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Synchronize the replica with the remote now",
	Long: `Run the sync flows once, in order:
  1. sync-new-notes      create locally new notes on the remote
  2. sync-updated-notes  reconcile local edits with the remote
  3. sync-deleted-notes  reconcile local deletes with the remote
  4. sync-pull-notes     copy remote changes into the replica

Use --flow to run a single flow. Deferred runs for the flows that ran are
cleared.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		flowName, _ := cmd.Flags().GetString("flow")

		a := mustOpenApp(ctx)
		defer a.Close()

		if !a.online {
			pending, _ := a.replica.PendingDeferredRuns(ctx)
			fmt.Printf("%s Remote not reachable (%s); %d deferred runs kept\n",
				ui.RenderWarn("⚠"), cfg.APIURL, len(pending))
			os.Exit(1)
		}

		flows := notesync.AllFlows
		if flowName != "" {
			flow, perr := notesync.ParseFlow(flowName)
			if perr != nil {
				fatalf("%v", perr)
			}
			flows = []notesync.Flow{flow}
		}
		results, err := runSyncFlows(ctx, a.replica, a.syncer(), flows)

		failed := 0
		for _, res := range results {
			failed += res.Failed
			mark := ui.RenderPass("✓")
			if res.Failed > 0 {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Printf("%s %s\n", mark, res)
		}
		if err != nil {
			fatalf("sync aborted: %v", err)
		}
		if failed > 0 {
			fmt.Printf("%d notes left pending; they are retried on the next sync\n", failed)
		}
	},
}

// runSyncFlows runs flows in order, clearing each flow's deferred run before
// it starts so a request registered meanwhile survives. A flow that aborts is
// requested again and stops the run.
func runSyncFlows(ctx context.Context, replica *db.DB, s notesync.Syncer, flows []notesync.Flow) ([]notesync.Result, error) {
	results := make([]notesync.Result, 0, len(flows))
	for _, flow := range flows {
		if err := replica.ClearDeferredRun(ctx, string(flow)); err != nil {
			return results, err
		}
		res, err := s.RunFlow(ctx, flow)
		results = append(results, res)
		if err != nil {
			if rerr := replica.RequestDeferredRun(ctx, string(flow)); rerr != nil {
				return results, errors.Join(err, rerr)
			}
			return results, fmt.Errorf("failed to run %s: %w", flow, err)
		}
	}
	return results, nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show replica and connectivity status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		counts, err := a.replica.CountByStatus(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		deferred, err := a.replica.PendingDeferredRuns(ctx)
		if err != nil {
			fatalf("%v", err)
		}
		stuck, err := a.replica.ListNotesContext(ctx, db.ListFilter{IncludeDeleted: true})
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("\n%s Notes Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Replica:  %s\n", a.replica.Path())
		if cfg.File != "" {
			fmt.Printf("Config:   %s\n", cfg.File)
		}
		fmt.Printf("Remote:   %s (%s)\n", cfg.APIURL, ui.RenderOnline(a.online))
		if daemon.ForcedOffline(cfg.OfflineFlagPath()) {
			fmt.Printf("          %s\n", ui.RenderWarn("offline mode forced; run 'notes online' to clear"))
		}
		fmt.Println()

		for _, s := range []schema.Status{schema.StatusSynced, schema.StatusNew, schema.StatusUpdated, schema.StatusDeleted} {
			fmt.Printf("  %s %d\n", ui.RenderStatus(s)+":", counts[s])
		}

		retrying := 0
		for _, n := range stuck {
			if n.SyncAttempts > 0 {
				retrying++
			}
		}
		if retrying > 0 {
			fmt.Printf("\n%s %d notes rejected by the remote at least once\n", ui.RenderWarn("⚠"), retrying)
		}
		if len(deferred) > 0 {
			fmt.Printf("\nDeferred runs: %v\n", deferred)
		}
		fmt.Println()
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Drains deferred runs requested by other notes commands
  2. Runs every flow on startup, on reconnect and every sync.interval
  3. Watches connectivity (health probe and the 'notes offline' flag)
  4. Applies realtime note updates from the server's websocket

With --serve the reference server runs in the same process.

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		serve, _ := cmd.Flags().GetBool("serve")
		noRealtime, _ := cmd.Flags().GetBool("no-realtime")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := cfg.EnsureDataDir(); err != nil {
			fatalf("%v", err)
		}
		logs := openLogs()
		defer logs.Close()

		replica, err := db.Open(cfg.ReplicaPath())
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer replica.Close()
		if err := replica.InitSchemaContext(ctx); err != nil {
			fatalf("failed to initialize replica: %v", err)
		}

		api := remote.NewClient(cfg.APIURL, cfg.Sync.RequestTimeout)
		syncer := notesync.New(replica, api, notesync.Config{
			Logger:      logs.Logger("sync"),
			MaxAttempts: cfg.Sync.MaxAttempts,
		})

		conn, err := daemon.NewConnectivity(daemon.ConnectivityConfig{
			HealthURL:     cfg.HealthURL(),
			FlagPath:      cfg.OfflineFlagPath(),
			ProbeInterval: cfg.Connectivity.ProbeInterval,
			HTTPClient:    &http.Client{Timeout: 3 * time.Second},
			Logger:        logs.Logger("connectivity"),
		})
		if err != nil {
			fatalf("%v", err)
		}

		dcfg := daemon.DefaultConfig()
		dcfg.SyncInterval = cfg.Sync.Interval
		dcfg.Connectivity = conn
		dcfg.Logger = logs.Logger("daemon")
		if cfg.Realtime.Enabled && !noRealtime {
			policy, _ := realtime.ParsePolicy(cfg.Realtime.PendingPolicy)
			dcfg.Handler = realtime.NewHandler(replica, realtime.HandlerConfig{
				Policy: policy,
				Logger: logs.Logger("realtime"),
			})
			dcfg.Subscriber = realtime.NewSubscriber(realtime.SubscriberConfig{
				URL:    cfg.RealtimeURL,
				Logger: logs.Logger("realtime"),
			})
		}

		d, err := daemon.NewWithConfig(replica, syncer, dcfg)
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Starting notes sync daemon...\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Replica: %s\n", replica.Path())
		fmt.Printf("   Remote: %s\n", cfg.APIURL)
		if dcfg.Subscriber != nil {
			fmt.Printf("   Realtime: %s (%s pending policy)\n", cfg.RealtimeURL, dcfg.Handler.Policy())
		}
		if cfg.Log.File != "" {
			fmt.Printf("   Log: %s\n", cfg.Log.File)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g, gctx := errgroup.WithContext(ctx)
		if serve {
			srv, err := newServer(gctx, logs.Logger("server"))
			if err != nil {
				fatalf("%v", err)
			}
			g.Go(func() error { return runServer(gctx, srv) })
		}
		g.Go(func() error {
			if err := d.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("daemon stopped with error: %w", err)
			}
			return nil
		})

		if err := g.Wait(); err != nil {
			fatalf("%v", err)
		}

		st := d.Stats()
		fmt.Printf("\nDaemon stopped: %d flow runs (%d failed), %d realtime events applied\n",
			st.FlowRuns, st.FlowFailures, st.EventsApplied)
	},
}

var offlineCmd = &cobra.Command{
	Use:     "offline",
	GroupID: "sync",
	Short:   "Force offline mode",
	Long: `Force offline mode. Changes are kept locally with a pending sync status
until 'notes online' is run. A running daemon picks the change up immediately.`,
	Run: func(cmd *cobra.Command, args []string) {
		setOffline(true)
	},
}

var onlineCmd = &cobra.Command{
	Use:     "online",
	GroupID: "sync",
	Short:   "Leave forced offline mode",
	Run: func(cmd *cobra.Command, args []string) {
		setOffline(false)
	},
}

func init() {
	syncCmd.Flags().String("flow", "", "Run only this flow (sync-new-notes, sync-updated-notes, sync-deleted-notes, sync-pull-notes)")
	daemonCmd.Flags().Bool("serve", false, "Also run the reference server")
	daemonCmd.Flags().Bool("no-realtime", false, "Do not subscribe to realtime updates")

	rootCmd.AddCommand(syncCmd, statusCmd, daemonCmd, offlineCmd, onlineCmd)
}

func setOffline(offline bool) {
	if err := cfg.EnsureDataDir(); err != nil {
		fatalf("%v", err)
	}
	if err := daemon.SetForcedOffline(cfg.OfflineFlagPath(), offline); err != nil {
		fatalf("%v", err)
	}
	if offline {
		fmt.Printf("%s Offline mode forced; changes will be kept locally\n", ui.RenderWarn("⚠"))
		return
	}
	fmt.Printf("%s Offline mode cleared; pending changes sync on the next run\n", ui.RenderPass("✓"))
}
