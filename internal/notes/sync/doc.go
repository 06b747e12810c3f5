// Overview
//
// The sync package reconciles the local replica (internal/notes/db) with
// the remote notes API (internal/notes/remote). Local mutations mark notes
// new, updated or deleted; the flows below carry those marks to the remote
// and bring the replica back to synced.
//
// Architecture
//
//	Replica (sqlite)                          Remote API
//	     ├── status=new      → PushNew     → POST /notes
//	     ├── status=updated  → PushUpdated → GET /notes/{id} → resolve → PUT | POST
//	     ├── status=deleted  → PushDeleted → GET /notes/{id} → resolve → DELETE
//	     └── status=synced   ← Pull        ← GET /notes
//
// Conflicts are decided by internal/notes/resolve: last write wins on
// updatedAt, ties go to the local note.
//
// Usage
//
//	replica, err := db.Open(".notes/replica.db")
//	if err != nil {
//	    return err
//	}
//	defer replica.Close()
//
//	api := remote.NewClient("http://localhost:3000/api", 10*time.Second)
//	syncer := sync.New(replica, api, sync.Config{})
//
//	results, err := syncer.SyncAll(ctx)
//	if err != nil {
//	    return err // replica store failure
//	}
//	for _, r := range results {
//	    fmt.Println(r)
//	}
//
// Error Handling
//
// A remote failure affects only the note being reconciled. The note keeps its
// status and its lastSyncError, and is retried on the next run. Rejections
// (4xx) count towards Config.MaxAttempts; network failures and 5xx do not.
// A replica store failure aborts the flow and is returned.
//
// Concurrency
//
// Each note is reconciled under its per-note lock (db.DB.Lock). Before the
// result is written the note is re-read; if another process changed it while
// the flow was waiting on the remote, the result is discarded and the next run
// picks the note up again.
package sync
