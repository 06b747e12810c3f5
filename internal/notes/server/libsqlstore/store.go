// Package libsqlstore persists the reference server's notes in an embedded
// libSQL database, so the server keeps its state across restarts.
package libsqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
	"github.com/mschirtzinger/notesync/internal/notes/server"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a server.Store backed by libSQL.
type Store struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	// journal_mode answers with a row, so it cannot go through Exec.
	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, fsys)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &Store{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// List returns every note in creation order.
func (s *Store) List(ctx context.Context) ([]*schema.Note, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT uid, title, content, created_at, updated_at, is_deleted
		FROM remote_notes ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []*schema.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}
	return notes, nil
}

// Get returns the note with id.
func (s *Store) Get(ctx context.Context, id string) (*schema.Note, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT uid, title, content, created_at, updated_at, is_deleted
		FROM remote_notes WHERE uid = ?`, id)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, server.ErrNotFound
	}
	return n, err
}

// Create inserts a note, failing with server.ErrExists on a duplicate uid.
func (s *Store) Create(ctx context.Context, n *schema.Note) error {
	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO remote_notes (uid, title, content, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO NOTHING`,
		n.ID, n.Title, n.Content,
		n.CreatedAt.UTC().Format(timeLayout), n.UpdatedAt.UTC().Format(timeLayout), boolToInt(n.IsDeleted))
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	if affected == 0 {
		return server.ErrExists
	}
	return nil
}

// Update replaces a stored note, failing with server.ErrNotFound if absent.
func (s *Store) Update(ctx context.Context, n *schema.Note) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE remote_notes
		SET title = ?, content = ?, updated_at = ?, is_deleted = ?
		WHERE uid = ?`,
		n.Title, n.Content, n.UpdatedAt.UTC().Format(timeLayout), boolToInt(n.IsDeleted), n.ID)
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update note: %w", err)
	}
	if affected == 0 {
		return server.ErrNotFound
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (*schema.Note, error) {
	var (
		n                schema.Note
		created, updated string
		deleted          int
	)
	if err := row.Scan(&n.ID, &n.Title, &n.Content, &created, &updated, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan note: %w", err)
	}

	var err error
	if n.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", n.ID, err)
	}
	if n.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for %s: %w", n.ID, err)
	}
	n.IsDeleted = deleted != 0
	n.SyncStatus = schema.StatusNone
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ server.Store = (*Store)(nil)
