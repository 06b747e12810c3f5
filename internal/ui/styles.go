// Package ui renders terminal output for the notes CLI.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#5A56E0", Dark: "#7D79F6"}).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#66BB6A"})
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFB74D"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#EF5350"}).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9E9E9E"})
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		DisableColor()
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// DisableColor turns off styling, e.g. for --no-color or piped output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }

// RenderStatus renders a sync status, colored by how far it is from synced.
func RenderStatus(s schema.Status) string {
	switch s {
	case schema.StatusSynced, schema.StatusNone:
		return RenderPass(string(s))
	case schema.StatusNew, schema.StatusUpdated:
		return RenderWarn(string(s))
	case schema.StatusDeleted:
		return RenderFail(string(s))
	}
	return string(s)
}

// RenderOnline renders a connectivity state.
func RenderOnline(online bool) string {
	if online {
		return RenderPass("online")
	}
	return RenderWarn("offline")
}

// RenderNoteLine renders a note as one list line:
// short id, title, status and age.
func RenderNoteLine(n *schema.Note, now time.Time) string {
	id := n.ID
	if len(id) > 8 {
		id = id[:8]
	}
	line := fmt.Sprintf("%s  %s  %s  %s",
		RenderMuted(id),
		titleStyle.Render(n.Title),
		RenderStatus(n.SyncStatus),
		RenderMuted(Age(now.Sub(n.UpdatedAt))))
	if n.LastSyncError != "" {
		line += "  " + RenderFail("! "+n.LastSyncError)
	}
	return line
}

// RenderNote renders a note in full.
func RenderNote(n *schema.Note) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", titleStyle.Render(n.Title))
	fmt.Fprintf(&b, "%s %s\n", RenderMuted("ID:      "), n.ID)
	fmt.Fprintf(&b, "%s %s\n", RenderMuted("Status:  "), RenderStatus(n.SyncStatus))
	fmt.Fprintf(&b, "%s %s\n", RenderMuted("Created: "), n.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "%s %s\n", RenderMuted("Updated: "), n.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if n.SyncAttempts > 0 {
		fmt.Fprintf(&b, "%s %d (%s)\n", RenderMuted("Attempts:"), n.SyncAttempts, n.LastSyncError)
	}
	if n.Content != "" {
		fmt.Fprintf(&b, "\n%s\n", n.Content)
	}
	return b.String()
}

// Age renders a duration the way list output shows it: 3m, 5h, 2d.
func Age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
