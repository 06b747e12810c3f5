package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Subscribe returns a live view of ListNotes. The current list is delivered
// first, then a new list after every change: mutations through this Service,
// Refresh calls, and changes by other processes seen by the poller. A slow
// receiver only ever gets the latest list. The channel is closed when ctx is
// done.
func (s *Service) Subscribe(ctx context.Context) <-chan []*schema.Note {
	out := make(chan []*schema.Note, 1)
	wake := make(chan struct{}, 1)

	s.mu.Lock()
	s.subs[wake] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, wake)
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()

		last := "\x00"
		emit := func() {
			notes, err := s.ListNotes(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.config.Logger.Printf("WARNING: subscription refresh failed: %v", err)
				}
				return
			}
			fp := fingerprint(notes)
			if fp == last {
				return
			}
			last = fp

			// Replace a list the receiver has not taken yet.
			select {
			case <-out:
			default:
			}
			select {
			case out <- notes:
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				emit()
			case <-ticker.C:
				emit()
			}
		}
	}()

	return out
}

// Refresh wakes every subscription to re-read the replica. Hook it to
// realtime and sync change callbacks.
func (s *Service) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for wake := range s.subs {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

func fingerprint(notes []*schema.Note) string {
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "%s|%d|%s|%d\n", n.ID, n.UpdatedAt.UnixNano(), n.SyncStatus, len(n.Title)+len(n.Content))
	}
	return b.String()
}
