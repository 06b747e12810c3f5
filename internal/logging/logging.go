// Package logging builds the *log.Logger values handed to components.
//
// Every component logs through a standard logger with a "[component] "
// prefix. Long-running processes (daemon, serve) can send all of them to a
// size-rotated file instead of stderr.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log output.
type Options struct {
	// File is the log file. Empty means stderr.
	File string

	// MaxSizeMB rotates the file past this size (default 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default 3)
	MaxBackups int

	// Quiet discards everything. Used by one-shot commands so that sync
	// chatter does not mix with command output.
	Quiet bool
}

// Output is a shared log destination. Close releases the file, if any.
type Output struct {
	w      io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// Open creates the output described by opts.
func Open(opts Options) (*Output, error) {
	out := &Output{loggers: make(map[string]*log.Logger)}

	switch {
	case opts.Quiet:
		out.w = io.Discard
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			LocalTime:  true,
		}
		out.w = lj
		out.closer = lj
	default:
		out.w = os.Stderr
	}
	return out, nil
}

// Logger returns the logger for component, prefixed "[component] ".
func (o *Output) Logger(component string) *log.Logger {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.loggers[component]; ok {
		return l
	}
	l := log.New(o.w, "["+component+"] ", log.LstdFlags)
	o.loggers[component] = l
	return l
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Close closes the log file, if any.
func (o *Output) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}
