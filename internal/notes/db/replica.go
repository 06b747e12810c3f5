// Package db provides the local replica store: a durable sqlite table of notes
// with their synchronization status.
//
// The store is pure storage. It decides nothing about sync policy; callers
// read records by status, reconcile them, and write the results back.
//
// Architecture:
//   - Database file: .notes/replica.db
//   - WAL mode: readers are not blocked by the writer
//   - Schema: notes and deferred_runs tables, managed by goose migrations
//   - Indexes: sync_status (flow selection), updated_at (listing)
//
// Every operation is atomic for a single record. Nothing spans several
// records atomically; sync flows are written to be re-runnable instead.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a note does not exist in the replica.
var ErrNotFound = errors.New("note not found")

// DB wraps the sqlite connection holding the local replica.
type DB struct {
	conn  *sql.DB
	path  string
	locks *Locker
}

// Open creates a new database connection at the specified path.
//
// The database is opened with WAL enabled. Parent directories are created.
// Call InitSchema before first use and Close when done.
//
// Example:
//
//	replica, err := db.Open(".notes/replica.db")
//	if err != nil {
//	    return err
//	}
//	defer replica.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:  conn,
		path:  path,
		locks: NewLocker(),
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Lock acquires the per-note lock for id and returns its release function.
// Every writer that reads a record, decides, and writes it back must hold it.
func (db *DB) Lock(id string) func() {
	return db.locks.Lock(id)
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema applies pending migrations. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext applies pending migrations with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db.conn, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// SchemaVersion returns the current migration version.
func (db *DB) SchemaVersion(ctx context.Context) (int64, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db.conn, fsys)
	if err != nil {
		return 0, fmt.Errorf("failed to create migration provider: %w", err)
	}
	return provider.GetDBVersion(ctx)
}

const noteColumns = `id, title, content, created_at, updated_at, is_deleted,
	sync_status, sync_attempts, last_sync_error`

// Put inserts or replaces a note. Atomic for the record.
func (db *DB) Put(note *schema.Note) error {
	return db.PutContext(context.Background(), note)
}

// PutContext inserts or replaces a note with context support.
func (db *DB) PutContext(ctx context.Context, note *schema.Note) error {
	if err := note.Validate(); err != nil {
		return fmt.Errorf("invalid note: %w", err)
	}

	query := `
	INSERT INTO notes (` + noteColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		content = excluded.content,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		is_deleted = excluded.is_deleted,
		sync_status = excluded.sync_status,
		sync_attempts = excluded.sync_attempts,
		last_sync_error = excluded.last_sync_error
	`

	_, err := db.conn.ExecContext(ctx, query,
		note.ID,
		note.Title,
		note.Content,
		formatTime(note.CreatedAt),
		formatTime(note.UpdatedAt),
		boolToInt(note.IsDeleted),
		string(note.SyncStatus),
		note.SyncAttempts,
		note.LastSyncError,
	)
	if err != nil {
		return fmt.Errorf("failed to put note %s: %w", note.ID, err)
	}

	return nil
}

// Get retrieves a single note by ID.
// Returns an error wrapping ErrNotFound if the note does not exist.
func (db *DB) Get(id string) (*schema.Note, error) {
	return db.GetContext(context.Background(), id)
}

// GetContext retrieves a single note by ID with context support.
func (db *DB) GetContext(ctx context.Context, id string) (*schema.Note, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = ?`, id)

	note, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note %s: %w", id, err)
	}
	return note, nil
}

// GetAll returns every note, tombstones included, newest first.
func (db *DB) GetAll() ([]*schema.Note, error) {
	return db.GetAllContext(context.Background())
}

// GetAllContext returns every note with context support.
func (db *DB) GetAllContext(ctx context.Context) ([]*schema.Note, error) {
	return db.ListNotesContext(ctx, ListFilter{IncludeDeleted: true})
}

// GetByStatus returns the notes currently in the given sync status.
func (db *DB) GetByStatus(status schema.Status) ([]*schema.Note, error) {
	return db.GetByStatusContext(context.Background(), status)
}

// GetByStatusContext returns the notes in the given status with context support.
// Results are ordered oldest change first so flows replay edits in order.
func (db *DB) GetByStatusContext(ctx context.Context, status schema.Status) ([]*schema.Note, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+noteColumns+` FROM notes WHERE sync_status = ? ORDER BY updated_at ASC, id ASC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query notes by status %s: %w", status, err)
	}
	defer rows.Close()

	return scanNotes(rows)
}

// Delete physically removes a note.
// Returns nil if the note doesn't exist (idempotent).
func (db *DB) Delete(id string) error {
	return db.DeleteContext(context.Background(), id)
}

// DeleteContext physically removes a note with context support.
func (db *DB) DeleteContext(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete note %s: %w", id, err)
	}
	return nil
}

// ListFilter configures the ListNotes query.
type ListFilter struct {
	// IncludeDeleted includes tombstones
	IncludeDeleted bool
	// Status filters by sync status (empty = all statuses)
	Status schema.Status
	// UpdatedSince keeps notes changed at or after this time (zero = no bound)
	UpdatedSince time.Time
	// Query keeps notes whose title or content contains this text (case-insensitive)
	Query string
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// ListNotes retrieves notes matching the filter, newest first.
func (db *DB) ListNotes(filter ListFilter) ([]*schema.Note, error) {
	return db.ListNotesContext(context.Background(), filter)
}

// ListNotesContext retrieves notes matching the filter with context support.
func (db *DB) ListNotesContext(ctx context.Context, filter ListFilter) ([]*schema.Note, error) {
	var conditions []string
	var args []interface{}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = 0")
	}

	if filter.Status != "" {
		conditions = append(conditions, "sync_status = ?")
		args = append(args, string(filter.Status))
	}

	if !filter.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, formatTime(filter.UpdatedSince))
	}

	if filter.Query != "" {
		conditions = append(conditions, "(title LIKE ? OR content LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like)
	}

	query := `SELECT ` + noteColumns + ` FROM notes`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	return scanNotes(rows)
}

// CountByStatus returns the number of notes in each sync status.
func (db *DB) CountByStatus(ctx context.Context) (map[schema.Status]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM notes GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count notes: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*schema.Note, error) {
	var note schema.Note
	var createdAt, updatedAt, status string
	var deleted int

	err := row.Scan(
		&note.ID,
		&note.Title,
		&note.Content,
		&createdAt,
		&updatedAt,
		&deleted,
		&status,
		&note.SyncAttempts,
		&note.LastSyncError,
	)
	if err != nil {
		return nil, err
	}

	if note.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at of %s: %w", note.ID, err)
	}
	if note.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at of %s: %w", note.ID, err)
	}
	note.IsDeleted = deleted != 0
	note.SyncStatus = schema.Status(status)

	return &note, nil
}

// scanNotes is a helper function to scan multiple notes from query results.
func scanNotes(rows *sql.Rows) ([]*schema.Note, error) {
	notes := []*schema.Note{}
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, note)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}

	return notes, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Rows written by hand or older builds may use plain RFC 3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
