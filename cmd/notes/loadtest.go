package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/notesync/internal/notes/loadtest"
	"github.com/mschirtzinger/notesync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Simulate many clients syncing against one server",
	Long: `Run an end-to-end load test.

An in-process server is started along with one replica per client. Clients
create, edit and delete notes concurrently while some of them are offline,
then everyone goes online and syncs until all replicas match the server.

Examples:
  # Default: 10 clients, 20 notes each, 30% offline
  notes loadtest

  # 50 clients, half offline
  notes loadtest --clients 50 --offline 0.5

  # Output stats as JSON
  notes loadtest --json
`,
	Run: func(cmd *cobra.Command, args []string) {
		clients, _ := cmd.Flags().GetInt("clients")
		notesPer, _ := cmd.Flags().GetInt("notes")
		offline, _ := cmd.Flags().GetFloat64("offline")
		edit, _ := cmd.Flags().GetFloat64("edit")
		del, _ := cmd.Flags().GetFloat64("delete")
		passes, _ := cmd.Flags().GetInt("passes")
		seed, _ := cmd.Flags().GetInt64("seed")
		dir, _ := cmd.Flags().GetString("dir")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		if clients <= 0 {
			fatalf("--clients must be positive")
		}
		if notesPer <= 0 {
			fatalf("--notes must be positive")
		}
		for name, r := range map[string]float64{"offline": offline, "edit": edit, "delete": del} {
			if r < 0 || r > 1 {
				fatalf("--%s must be between 0.0 and 1.0", name)
			}
		}

		lcfg := loadtest.Config{
			Clients:        clients,
			NotesPerClient: notesPer,
			OfflineRatio:   offline,
			EditRatio:      edit,
			DeleteRatio:    del,
			MaxPasses:      passes,
			Seed:           seed,
			Dir:            dir,
			RequestTimeout: cfg.Sync.RequestTimeout,
		}
		if !jsonOutput {
			lcfg.Logger = log.New(os.Stdout, "", 0)
			fmt.Printf("%s Running load test...\n", ui.RenderAccent("🔄"))
		}

		stats, err := loadtest.Run(cmd.Context(), lcfg)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(stats); err != nil {
				fatalf("%v", err)
			}
		} else {
			fmt.Println()
			stats.PrintStats(os.Stdout)
		}

		// Non-zero exit when replicas diverge, for CI
		if !stats.Converged {
			os.Exit(1)
		}
	},
}

func init() {
	d := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("clients", d.Clients, "Number of simulated clients")
	loadtestCmd.Flags().Int("notes", d.NotesPerClient, "Notes created per client")
	loadtestCmd.Flags().Float64("offline", d.OfflineRatio, "Fraction of clients offline while writing (0.0-1.0)")
	loadtestCmd.Flags().Float64("edit", d.EditRatio, "Chance a note is edited (0.0-1.0)")
	loadtestCmd.Flags().Float64("delete", d.DeleteRatio, "Chance a note is deleted (0.0-1.0)")
	loadtestCmd.Flags().Int("passes", d.MaxPasses, "Maximum sync passes")
	loadtestCmd.Flags().Int64("seed", d.Seed, "Random seed")
	loadtestCmd.Flags().String("dir", "", "Keep replica databases in this directory")
	loadtestCmd.Flags().Bool("json", false, "Output stats as JSON")
	rootCmd.AddCommand(loadtestCmd)
}
