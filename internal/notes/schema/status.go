package schema

import (
	"errors"
	"fmt"
)

// Status is the synchronization state of a note in the local replica.
type Status string

const (
	// StatusNone means no pending local change. Used transiently before a
	// definitive outcome is known and for records pulled from the remote.
	StatusNone Status = "none"
	// StatusNew means created locally and not yet acknowledged by the remote.
	StatusNew Status = "new"
	// StatusUpdated means content changed locally after having been synchronized.
	StatusUpdated Status = "updated"
	// StatusDeleted means tombstoned locally, deletion not yet acknowledged.
	StatusDeleted Status = "deleted"
	// StatusSynced means local state matches the remote as of the last reconciliation.
	StatusSynced Status = "synced"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{StatusNew, StatusUpdated, StatusDeleted, StatusSynced, StatusNone}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusNew, StatusUpdated, StatusDeleted, StatusSynced:
		return true
	}
	return false
}

// Pending reports whether s carries a local change awaiting reconciliation.
func (s Status) Pending() bool {
	return s == StatusNew || s == StatusUpdated || s == StatusDeleted
}

// ParseStatus converts a string to a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown sync status %q", v)
	}
	return s, nil
}

// Event is something that happens to a note and may move it to another status.
type Event int

const (
	// EventCreateOffline is a local create while the remote is unreachable.
	EventCreateOffline Event = iota
	// EventCreateSynced is a local create acknowledged by the remote.
	EventCreateSynced
	// EventEditOffline is a local edit while the remote is unreachable.
	EventEditOffline
	// EventEditSynced is a local edit acknowledged by the remote.
	EventEditSynced
	// EventDeleteOffline is a local delete while the remote is unreachable.
	EventDeleteOffline
	// EventDeleteSynced is a local delete acknowledged by the remote.
	EventDeleteSynced
	// EventReconciled is a successful reconciliation by a sync flow.
	EventReconciled
	// EventReconciledDelete is a delete confirmed one-sided by a sync flow.
	EventReconciledDelete
	// EventRemoteAdd is an inbound realtime add for a note.
	EventRemoteAdd
	// EventRemoteUpdate is an inbound realtime update or delete for a note.
	EventRemoteUpdate
)

// String returns a human-readable representation of the event.
func (e Event) String() string {
	switch e {
	case EventCreateOffline:
		return "create-offline"
	case EventCreateSynced:
		return "create-synced"
	case EventEditOffline:
		return "edit-offline"
	case EventEditSynced:
		return "edit-synced"
	case EventDeleteOffline:
		return "delete-offline"
	case EventDeleteSynced:
		return "delete-synced"
	case EventReconciled:
		return "reconciled"
	case EventReconciledDelete:
		return "reconciled-delete"
	case EventRemoteAdd:
		return "remote-add"
	case EventRemoteUpdate:
		return "remote-update"
	default:
		return "unknown"
	}
}

// ErrIllegalTransition is returned when an event is not allowed in the current status.
var ErrIllegalTransition = errors.New("illegal sync status transition")

// Outcome is the result of applying an event to a status.
type Outcome struct {
	// Status is the next status. Empty when Remove is set.
	Status Status
	// Remove means the record must be physically removed from the replica.
	Remove bool
}

// absent is the pseudo-status of a note that does not exist locally.
const absent Status = ""

// Transition applies ev to a note in status from and returns the outcome.
// Pass an empty from for a note that does not exist locally yet.
func Transition(from Status, ev Event) (Outcome, error) {
	switch ev {
	case EventCreateOffline:
		if from == absent {
			return Outcome{Status: StatusNew}, nil
		}
	case EventCreateSynced:
		if from == absent || from == StatusNew {
			return Outcome{Status: StatusSynced}, nil
		}
	case EventEditOffline:
		switch from {
		case StatusNew:
			// The remote has never seen it; the pending create carries the edit.
			return Outcome{Status: StatusNew}, nil
		case StatusSynced, StatusNone, StatusUpdated:
			return Outcome{Status: StatusUpdated}, nil
		}
	case EventEditSynced:
		if from != absent && from != StatusDeleted {
			return Outcome{Status: StatusSynced}, nil
		}
	case EventDeleteOffline:
		switch from {
		case StatusNew:
			return Outcome{Remove: true}, nil
		case StatusSynced, StatusNone, StatusUpdated:
			return Outcome{Status: StatusDeleted}, nil
		}
	case EventDeleteSynced:
		if from != absent && from != StatusDeleted {
			return Outcome{Remove: true}, nil
		}
	case EventReconciled:
		if from.Pending() || from == StatusSynced || from == StatusNone {
			return Outcome{Status: StatusSynced}, nil
		}
	case EventReconciledDelete:
		if from == StatusDeleted {
			return Outcome{Remove: true}, nil
		}
	case EventRemoteAdd, EventRemoteUpdate:
		return Outcome{Status: StatusSynced}, nil
	}

	name := string(from)
	if from == absent {
		name = "absent"
	}
	return Outcome{}, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, name)
}
