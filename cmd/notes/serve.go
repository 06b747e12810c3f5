package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/notesync/internal/notes/server"
	"github.com/mschirtzinger/notesync/internal/notes/server/libsqlstore"
	"github.com/mschirtzinger/notesync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Run the reference notes server",
	Long: `Run the reference notes server: a REST API for notes plus a websocket
that broadcasts every change to connected clients.

Endpoints:
  GET    /api/notes        list notes, tombstones included
  POST   /api/notes        create a note (409 if the uid exists)
  GET    /api/notes/{uid}  get a note
  PUT    /api/notes/{uid}  update title, content and optionally isDeleted
  DELETE /api/notes/{uid}  soft delete
  GET    /ws               note-update events
  GET    /health           health check

Notes are kept in memory unless server.db (or --db) names a database file.

Example usage:
  notes serve                      # Listen on :3000, in memory
  notes serve --addr :8080 --db server.db`,
	Run: func(cmd *cobra.Command, args []string) {
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if path, _ := cmd.Flags().GetString("db"); path != "" {
			cfg.Server.DB = path
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logs := openLogs()
		defer logs.Close()

		srv, err := newServer(ctx, logs.Logger("server"))
		if err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Notes server starting on %s\n", ui.RenderAccent("🚀"), cfg.Server.Addr)
		if cfg.Server.DB != "" {
			fmt.Printf("   Database: %s\n", serverDBPath())
		} else {
			fmt.Printf("   Database: %s\n", ui.RenderMuted("in memory"))
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		if err := runServer(ctx, srv); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Notes server stopped")
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Address to listen on (default server.addr, :3000)")
	serveCmd.Flags().String("db", "", "Persist notes in this libSQL database file")
	rootCmd.AddCommand(serveCmd)
}

// serverDBPath resolves server.db relative to the data directory.
func serverDBPath() string {
	if filepath.IsAbs(cfg.Server.DB) {
		return cfg.Server.DB
	}
	return filepath.Join(cfg.DataDir, cfg.Server.DB)
}

// newServer builds the reference server with the configured store.
func newServer(ctx context.Context, logger *log.Logger) (*server.Server, error) {
	sc := &server.Config{Addr: cfg.Server.Addr, Logger: logger}
	if cfg.Server.DB != "" {
		store, err := libsqlstore.Open(ctx, serverDBPath())
		if err != nil {
			return nil, err
		}
		sc.Store = store
	}
	return server.NewServer(sc), nil
}

// runServer serves until ctx is done, then shuts down.
func runServer(ctx context.Context, srv *server.Server) error {
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	<-ctx.Done()
	return srv.Stop()
}
