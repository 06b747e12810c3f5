// Package migrate exports the replica to portable snapshot files and imports
// them back.
//
// Four formats are supported:
//   - jsonl: one note per line, the API wire shape plus syncStatus
//   - yaml: a document with a top-level notes list
//   - toml: a document with a [[notes]] array of tables
//   - dir: one {uid}.json file per note in a directory
package migrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Format is a snapshot file format.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatYAML  Format = "yaml"
	FormatTOML  Format = "toml"
	FormatDir   Format = "dir"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSONL, FormatYAML, FormatTOML, FormatDir}

// ParseFormat converts a name to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(name) {
	case "jsonl", "ndjson":
		return FormatJSONL, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "toml":
		return FormatTOML, nil
	case "dir", "directory":
		return FormatDir, nil
	}
	return "", fmt.Errorf("unknown format %q (want jsonl, yaml, toml or dir)", name)
}

// FormatFromPath guesses the format from a path's extension. A path without
// a known extension is treated as a directory.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	}
	return FormatDir
}

// Record is a note in a snapshot.
type Record struct {
	UID        string    `json:"uid" yaml:"uid" toml:"uid"`
	Title      string    `json:"title" yaml:"title" toml:"title"`
	Content    string    `json:"content" yaml:"content" toml:"content"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt" toml:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" yaml:"updatedAt" toml:"updatedAt"`
	IsDeleted  bool      `json:"isDeleted" yaml:"isDeleted" toml:"isDeleted"`
	SyncStatus string    `json:"syncStatus,omitempty" yaml:"syncStatus,omitempty" toml:"syncStatus,omitempty"`
}

// document wraps records for the yaml and toml formats.
type document struct {
	Notes []Record `yaml:"notes" toml:"notes"`
}

// RecordFromNote converts a note to its snapshot form.
func RecordFromNote(n *schema.Note) Record {
	return Record{
		UID:        n.ID,
		Title:      n.Title,
		Content:    n.Content,
		CreatedAt:  n.CreatedAt.UTC(),
		UpdatedAt:  n.UpdatedAt.UTC(),
		IsDeleted:  n.IsDeleted,
		SyncStatus: string(n.SyncStatus),
	}
}

// Note converts a record back to a note. The status is left unset when the
// record carries none.
func (r Record) Note() *schema.Note {
	return &schema.Note{
		ID:         r.UID,
		Title:      r.Title,
		Content:    r.Content,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
		IsDeleted:  r.IsDeleted,
		SyncStatus: schema.Status(r.SyncStatus),
	}
}

// Encode writes records to w in format f. FormatDir is not a stream format.
func Encode(w io.Writer, f Format, records []Record) error {
	switch f {
	case FormatJSONL:
		enc := json.NewEncoder(w)
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode note %s: %w", r.UID, err)
			}
		}
		return nil

	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(document{Notes: records}); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()

	case FormatTOML:
		if err := toml.NewEncoder(w).Encode(document{Notes: records}); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	}
	return fmt.Errorf("format %q cannot be streamed", f)
}

// Decode reads records in format f from r.
func Decode(r io.Reader, f Format) ([]Record, error) {
	switch f {
	case FormatJSONL:
		var records []Record
		dec := json.NewDecoder(r)
		for line := 1; ; line++ {
			var rec Record
			if err := dec.Decode(&rec); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
			}
			records = append(records, rec)
		}
		return records, nil

	case FormatYAML:
		var doc document
		if err := yaml.NewDecoder(r).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("invalid yaml: %w", err)
		}
		return doc.Notes, nil

	case FormatTOML:
		var doc document
		if _, err := toml.NewDecoder(r).Decode(&doc); err != nil {
			return nil, fmt.Errorf("invalid toml: %w", err)
		}
		return doc.Notes, nil
	}
	return nil, fmt.Errorf("format %q cannot be streamed", f)
}

// writeFile writes path atomically through a temp file in the same directory.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// writeSnapshot writes records to path in format f.
func writeSnapshot(path string, f Format, records []Record) (int, error) {
	if f == FormatDir {
		for _, r := range records {
			n := r.Note()
			n.SetDefaults()
			if err := schema.WriteNoteFile(path, n); err != nil {
				return 0, err
			}
		}
		return len(records), nil
	}

	var buf bytes.Buffer
	if err := Encode(&buf, f, records); err != nil {
		return 0, err
	}
	if err := writeFile(path, buf.Bytes()); err != nil {
		return 0, err
	}
	return 1, nil
}

// readSnapshot reads every record from path in format f.
func readSnapshot(path string, f Format) ([]Record, error) {
	if f == FormatDir {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory: %w", err)
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)

		records := make([]Record, 0, len(names))
		for _, name := range names {
			n, err := schema.ReadNoteFile(filepath.Join(path, name))
			if err != nil {
				return nil, err
			}
			records = append(records, RecordFromNote(n))
		}
		return records, nil
	}

	// #nosec G304 - path comes from the CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()
	return Decode(file, f)
}
