// Package schema defines the note record and its synchronization status model.
//
// # Records
//
// A Note is replicated whole. Its UpdatedAt timestamp is the only input to
// conflict resolution (last-write-wins per record), so it is advanced with
// Touch and never set backwards by local edits.
//
// Deletion is logical: IsDeleted marks a tombstone that stays in the replica
// until the deletion has been reconciled with the remote.
//
// # Status
//
// Every record is in exactly one Status:
//
//	none ──edit offline──▶ updated ──reconciled──▶ synced
//	(absent) ──create offline──▶ new ──reconciled──▶ synced
//	synced ──delete offline──▶ deleted ──reconciled──▶ removed | synced
//	new ──delete offline──▶ removed
//
// Transition is the single source of truth for these moves; callers ask it
// for the next status instead of assigning one directly.
//
// # Usage Examples
//
//	note := &schema.Note{Title: "Groceries", Content: "milk"}
//	note.SetDefaults()
//	out, err := schema.Transition("", schema.EventCreateOffline)
//	if err != nil {
//	    return err
//	}
//	note.SyncStatus = out.Status // new
package schema
