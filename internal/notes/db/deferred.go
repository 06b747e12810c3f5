package db

import (
	"context"
	"fmt"
	"time"
)

// RequestDeferredRun records that the flow named by tag should run once
// connectivity is available. Requests for the same tag coalesce; the first
// request time is kept.
func (db *DB) RequestDeferredRun(ctx context.Context, tag string) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO deferred_runs (tag, requested_at) VALUES (?, ?) ON CONFLICT(tag) DO NOTHING`,
		tag, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to request deferred run %s: %w", tag, err)
	}
	return nil
}

// PendingDeferredRuns returns the tags awaiting a run, oldest request first.
func (db *DB) PendingDeferredRuns(ctx context.Context) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT tag FROM deferred_runs ORDER BY requested_at ASC, tag ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deferred runs: %w", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("failed to scan deferred run: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deferred runs: %w", err)
	}
	return tags, nil
}

// ClearDeferredRun removes the request for tag. Idempotent.
func (db *DB) ClearDeferredRun(ctx context.Context, tag string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM deferred_runs WHERE tag = ?`, tag); err != nil {
		return fmt.Errorf("failed to clear deferred run %s: %w", tag, err)
	}
	return nil
}
