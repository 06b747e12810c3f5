package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/migrate"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	"github.com/mschirtzinger/notesync/internal/notes/service"
	"github.com/mschirtzinger/notesync/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add [title]",
	GroupID: "notes",
	Short:   "Create a note",
	Long: `Create a note with a fresh identifier.

With no arguments on a terminal an interactive form opens. Content can be
given with --content, or read from stdin with --content -.

Examples:
  notes add "Groceries" -c "milk, eggs"
  echo "draft" | notes add "Post" -c -
  notes add`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		title := strings.Join(args, " ")
		content, _ := cmd.Flags().GetString("content")

		if title == "" {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("a title is required")
			}
			if err := noteForm("New note", &title, &content); err != nil {
				fatalf("%v", err)
			}
		}
		content = readContent(content)

		a := mustOpenApp(ctx)
		defer a.Close()

		n, err := a.svc.CreateNote(ctx, service.NoteInput{Title: title, Content: content})
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Created note %s %s\n", ui.RenderPass("✓"), n.ID, stateSuffix(n))
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "notes",
	Short:   "Edit a note's title or content",
	Long: `Edit a note. The id may be abbreviated to any unique prefix.

Without --title or --content on a terminal an interactive form opens with the
current values.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		n, err := findNote(ctx, a, args[0])
		if err != nil {
			fatalf("%v", err)
		}

		edit := n.Clone()
		titleSet := cmd.Flags().Changed("title")
		contentSet := cmd.Flags().Changed("content")
		if titleSet {
			edit.Title, _ = cmd.Flags().GetString("title")
		}
		if contentSet {
			c, _ := cmd.Flags().GetString("content")
			edit.Content = readContent(c)
		}
		if !titleSet && !contentSet {
			if !ui.IsTerminal(os.Stdin) {
				fatalf("nothing to change: use --title or --content")
			}
			if err := noteForm("Edit note", &edit.Title, &edit.Content); err != nil {
				fatalf("%v", err)
			}
		}

		updated, err := a.svc.UpdateNote(ctx, edit)
		if err != nil {
			fatalf("%v", err)
		}
		fmt.Printf("%s Updated note %s %s\n", ui.RenderPass("✓"), updated.ID, stateSuffix(updated))
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>...",
	Aliases: []string{"delete"},
	GroupID: "notes",
	Short:   "Delete notes",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpenApp(ctx)
		defer a.Close()

		failed := false
		for _, id := range args {
			n, err := findNote(ctx, a, id)
			if err == nil {
				err = a.svc.DeleteNote(ctx, n)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %s: %v\n", ui.RenderFail("✗"), id, err)
				failed = true
				continue
			}
			fmt.Printf("%s Deleted note %s\n", ui.RenderPass("✓"), n.ID)
		}
		if failed {
			os.Exit(1)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "notes",
	Short:   "List notes, most recently updated first",
	Long: `List notes from the local replica.

--since accepts natural language ("2 days ago", "yesterday", "last monday"),
a duration ("36h") or a date (2024-03-01).`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		since, _ := cmd.Flags().GetString("since")
		status, _ := cmd.Flags().GetString("status")
		query, _ := cmd.Flags().GetString("query")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		filter := db.ListFilter{IncludeDeleted: all, Query: query, Limit: limit}
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fatalf("%v", err)
			}
			filter.UpdatedSince = t
		}
		if status != "" {
			s, err := schema.ParseStatus(status)
			if err != nil {
				fatalf("%v", err)
			}
			filter.Status = s
		}

		a := mustOpenApp(ctx)
		defer a.Close()

		notes, err := a.replica.ListNotesContext(ctx, filter)
		if err != nil {
			fatalf("%v", err)
		}

		if jsonOutput {
			writeNotesJSON(os.Stdout, notes)
			return
		}
		if len(notes) == 0 {
			fmt.Println(ui.RenderMuted("No notes"))
			return
		}
		now := time.Now()
		for _, n := range notes {
			fmt.Println(ui.RenderNoteLine(n, now))
		}
	},
}

var showCmd = &cobra.Command{
	Use:     "show <id>",
	GroupID: "notes",
	Short:   "Show a note",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		jsonOutput, _ := cmd.Flags().GetBool("json")

		a := mustOpenApp(ctx)
		defer a.Close()

		n, err := findNote(ctx, a, args[0])
		if err != nil {
			fatalf("%v", err)
		}
		if jsonOutput {
			writeNotesJSON(os.Stdout, []*schema.Note{n})
			return
		}
		fmt.Print(ui.RenderNote(n))
	},
}

func init() {
	addCmd.Flags().StringP("content", "c", "", "Note content (- reads stdin)")
	editCmd.Flags().StringP("title", "t", "", "New title")
	editCmd.Flags().StringP("content", "c", "", "New content (- reads stdin)")
	listCmd.Flags().String("since", "", "Only notes updated since this time")
	listCmd.Flags().String("status", "", "Only notes in this sync status (new, updated, deleted, synced)")
	listCmd.Flags().StringP("query", "q", "", "Only notes whose title or content contains this text")
	listCmd.Flags().IntP("limit", "n", 0, "Maximum number of notes (0 = all)")
	listCmd.Flags().BoolP("all", "a", false, "Include deleted notes")
	listCmd.Flags().Bool("json", false, "Output JSON lines")
	showCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(addCmd, editCmd, rmCmd, listCmd, showCmd)
}

// noteForm asks for a title and content on the terminal.
func noteForm(heading string, title, content *string) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(heading).
				Placeholder("Title").
				Value(title).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("title is required")
					}
					return nil
				}),
			huh.NewText().
				Title("Content").
				Value(content),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errors.New("aborted")
		}
		return err
	}
	return nil
}

// readContent resolves "-" to stdin.
func readContent(v string) string {
	if v != "-" {
		return v
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		fatalf("failed to read stdin: %v", err)
	}
	return strings.TrimSuffix(string(data), "\n")
}

// findNote resolves an id or a unique id prefix.
func findNote(ctx context.Context, a *app, id string) (*schema.Note, error) {
	n, err := a.svc.GetNote(ctx, id)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, service.ErrNotFound) {
		return nil, err
	}

	notes, err := a.replica.ListNotesContext(ctx, db.ListFilter{IncludeDeleted: true})
	if err != nil {
		return nil, err
	}
	var match *schema.Note
	for _, n := range notes {
		if !strings.HasPrefix(n.ID, id) {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("id prefix %q is ambiguous", id)
		}
		match = n
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}
	return match, nil
}

// parseSince understands natural language, durations and dates.
func parseSince(v string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return now.Add(-d), nil
	}
	if t, err := time.ParseInLocation("2006-01-02", v, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(v, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", v, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q", v)
	}
	return r.Time, nil
}

func stateSuffix(n *schema.Note) string {
	if n.IsPending() {
		return ui.RenderWarn("(saved offline, will sync)")
	}
	return ui.RenderPass("(synced)")
}

func writeNotesJSON(w io.Writer, notes []*schema.Note) {
	enc := json.NewEncoder(w)
	for _, n := range notes {
		if err := enc.Encode(migrate.RecordFromNote(n)); err != nil {
			fatalf("%v", err)
		}
	}
}
