// Command notes is an offline-first notes client.
//
// Notes live in a local replica (.notes/replica.db) and are synchronized with
// a remote notes API whenever it is reachable. Edits made offline are kept
// with a sync status and pushed later by `notes sync` or `notes daemon`.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/notesync/internal/config"
	"github.com/mschirtzinger/notesync/internal/ui"
)

// Set by the linker.
var (
	Version = "dev"
	Commit  = ""
)

var (
	v   = config.New()
	cfg *config.Config

	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "notes",
	Short: "Offline-first notes with background sync",
	Long: `notes keeps your notes in a local replica and synchronizes them with a
remote notes API.

Every change is written locally first. While the API is reachable changes go
straight through; otherwise they are marked new, updated or deleted and
pushed later. Run 'notes daemon' to sync in the background and receive
changes from other clients in real time.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.DisableColor()
		}
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "notes", Title: "Notes:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Config file (default .notes/config.yaml)")
	flags.String("data-dir", config.DefaultDataDir, "Directory holding the replica")
	flags.String("api-url", "", "Notes API base URL (default http://localhost:3000/api)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Show sync logs on stderr")
	flags.Bool("no-color", false, "Disable colored output")

	_ = v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = v.BindPFlag("api_url", flags.Lookup("api-url"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}
