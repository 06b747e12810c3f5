// Package resolve decides the winning version of a note when the local
// replica and the remote disagree.
//
// Resolution is last-write-wins at record granularity: whole records are kept
// or discarded, fields are never merged. A tie on updatedAt favors the local
// record so that a pending local operation is always transmitted at least once.
package resolve

import (
	"github.com/mschirtzinger/notesync/internal/notes/schema"
)

// Action is the outcome of reconciling one note.
type Action int

const (
	// KeepLocalTombstone means the remote never saw the note and the local
	// one is a pending delete. Nothing is sent and the tombstone is marked
	// synced.
	KeepLocalTombstone Action = iota
	// PushCreate sends the local note to the remote as a create.
	PushCreate
	// PushUpdate sends the local content to the remote as an update.
	PushUpdate
	// PushDelete sends the local delete to the remote.
	PushDelete
	// AdoptRemote replaces the local note with the newer remote one.
	AdoptRemote
	// RecoverRemote adopts the newer remote note over a local delete intent.
	// The note reappears locally.
	RecoverRemote
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case KeepLocalTombstone:
		return "keep-local-tombstone"
	case PushCreate:
		return "push-create"
	case PushUpdate:
		return "push-update"
	case PushDelete:
		return "push-delete"
	case AdoptRemote:
		return "adopt-remote"
	case RecoverRemote:
		return "recover-remote"
	default:
		return "unknown"
	}
}

// Pushes reports whether the action requires a remote call.
func (a Action) Pushes() bool {
	return a == PushCreate || a == PushUpdate || a == PushDelete
}

// Decision is the resolver's verdict for one note.
type Decision struct {
	Action Action
	// Note is the version that wins: the local note for keep and push
	// actions, a copy of the remote note for adopt and recover. Its
	// SyncStatus is left as the caller found it.
	Note *schema.Note
}

// LocalWins reports whether the local version prevailed.
func (d Decision) LocalWins() bool {
	return d.Action != AdoptRemote && d.Action != RecoverRemote
}

// Resolve compares a pending local note with the remote version of the same
// identifier. remote is nil when the remote has no such note. local must be
// pending (new, updated or deleted).
//
// Rules, in precedence order:
//  1. Remote absent: a pending delete is kept as a synced tombstone; a new or
//     updated note is resent as a create.
//  2. Remote strictly newer: remote wins. If local intended a delete and the
//     remote note is live, the delete intent is dropped and the note recovers.
//  3. Otherwise local wins and its pending operation is pushed.
func Resolve(local, remote *schema.Note) Decision {
	if remote == nil {
		if local.SyncStatus == schema.StatusDeleted || local.IsDeleted {
			return Decision{Action: KeepLocalTombstone, Note: local}
		}
		return Decision{Action: PushCreate, Note: local}
	}

	if remote.UpdatedAt.After(local.UpdatedAt) {
		adopted := remote.Clone()
		adopted.SyncStatus = local.SyncStatus
		adopted.SyncAttempts = local.SyncAttempts
		adopted.LastSyncError = local.LastSyncError

		if wantsDelete(local) && !remote.IsDeleted {
			return Decision{Action: RecoverRemote, Note: adopted}
		}
		return Decision{Action: AdoptRemote, Note: adopted}
	}

	if wantsDelete(local) {
		return Decision{Action: PushDelete, Note: local}
	}
	// A new note whose identifier the remote already holds (an earlier create
	// reached it) is pushed as an update; a second create would be rejected.
	return Decision{Action: PushUpdate, Note: local}
}

func wantsDelete(n *schema.Note) bool {
	return n.SyncStatus == schema.StatusDeleted
}
