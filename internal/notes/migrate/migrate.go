package migrate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/db"
	"github.com/mschirtzinger/notesync/internal/notes/schema"
	notesync "github.com/mschirtzinger/notesync/internal/notes/sync"
)

// Source is what Export reads. *db.DB satisfies it.
type Source interface {
	ListNotesContext(ctx context.Context, filter db.ListFilter) ([]*schema.Note, error)
}

// Target is what Import writes. *db.DB satisfies it.
type Target interface {
	GetContext(ctx context.Context, id string) (*schema.Note, error)
	PutContext(ctx context.Context, note *schema.Note) error
	RequestDeferredRun(ctx context.Context, tag string) error
	Lock(id string) func()
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	Path           string // Output file or directory
	Format         Format // Empty: guessed from Path
	IncludeDeleted bool   // Export tombstones too
}

// ExportResult contains statistics about an export
type ExportResult struct {
	NotesExported int
	FilesWritten  int
}

// Export writes a snapshot of the replica.
func Export(ctx context.Context, src Source, opts ExportOptions) (*ExportResult, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("export path is required")
	}
	format := opts.Format
	if format == "" {
		format = FormatFromPath(opts.Path)
	}

	notes, err := src.ListNotesContext(ctx, db.ListFilter{IncludeDeleted: opts.IncludeDeleted})
	if err != nil {
		return nil, fmt.Errorf("failed to read replica: %w", err)
	}

	records := make([]Record, 0, len(notes))
	for _, n := range notes {
		records = append(records, RecordFromNote(n))
	}

	files, err := writeSnapshot(opts.Path, format, records)
	if err != nil {
		return nil, err
	}
	return &ExportResult{NotesExported: len(records), FilesWritten: files}, nil
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	Path   string // Input file or directory
	Format Format // Empty: guessed from Path
	DryRun bool   // Preview without writing
	Backup bool   // Copy the input file aside before importing
}

// ImportResult contains statistics about an import
type ImportResult struct {
	NotesRead     int
	Created       int
	Updated       int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// Import merges a snapshot into the replica as local changes.
//
// A note the replica does not hold is added as new. A note the replica holds
// is overwritten only when the snapshot copy is newer, and becomes an edit
// (updated, or still new). Tombstones in the snapshot, and notes tombstoned
// locally, are skipped. Imported notes reach the remote through the regular
// push flows; deferred runs are registered for them.
func Import(ctx context.Context, dst Target, opts ImportOptions) (*ImportResult, error) {
	format := opts.Format
	if format == "" {
		format = FormatFromPath(opts.Path)
	}
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("input does not exist: %w", err)
	}

	result := &ImportResult{}

	if opts.Backup && !opts.DryRun && format != FormatDir {
		backupPath := opts.Path + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	records, err := readSnapshot(opts.Path, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	result.NotesRead = len(records)

	flows := make(map[notesync.Flow]bool)
	for _, rec := range records {
		flow, err := importOne(ctx, dst, rec, opts.DryRun, result)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Errors = append(result.Errors, fmt.Sprintf("note %s: %v", rec.UID, err))
			continue
		}
		if flow != "" {
			flows[flow] = true
		}
	}

	for _, flow := range notesync.AllFlows {
		if !flows[flow] {
			continue
		}
		if err := dst.RequestDeferredRun(ctx, string(flow)); err != nil {
			return result, fmt.Errorf("failed to request %s: %w", flow, err)
		}
	}

	return result, nil
}

func importOne(ctx context.Context, dst Target, rec Record, dryRun bool, result *ImportResult) (notesync.Flow, error) {
	in := rec.Note()
	in.SyncStatus = schema.StatusNone
	if err := in.Validate(); err != nil {
		return "", fmt.Errorf("invalid: %w", err)
	}
	if in.IsDeleted {
		result.Skipped++
		return "", nil
	}

	unlock := dst.Lock(in.ID)
	defer unlock()

	cur, err := dst.GetContext(ctx, in.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", fmt.Errorf("failed to read replica: %w", err)
	}

	var next *schema.Note
	if cur == nil {
		out, err := schema.Transition("", schema.EventCreateOffline)
		if err != nil {
			return "", err
		}
		next = in
		next.SyncStatus = out.Status
		result.Created++
	} else {
		if cur.IsDeleted || !in.UpdatedAt.After(cur.UpdatedAt) || cur.SameContent(in) {
			result.Skipped++
			return "", nil
		}
		out, err := schema.Transition(cur.SyncStatus, schema.EventEditOffline)
		if err != nil {
			return "", err
		}
		next = cur.Clone()
		next.Title = in.Title
		next.Content = in.Content
		next.UpdatedAt = in.UpdatedAt
		next.SyncStatus = out.Status
		result.Updated++
	}

	if dryRun {
		return "", nil
	}
	if err := dst.PutContext(ctx, next); err != nil {
		return "", fmt.Errorf("failed to write note: %w", err)
	}
	flow, _ := notesync.FlowForStatus(next.SyncStatus)
	return flow, nil
}
