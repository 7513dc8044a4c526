// Package store provides the persisted session event log.
//
// # Architecture
//
// EventLog is the only interface. SQLiteStore implements it on a single
// append-only table; MockStore implements it in memory for tests of
// packages that sit on top of the log.
//
// # Ordering
//
// Every event gets a seq at insert time. seq is an SQLite AUTOINCREMENT
// key, so it is strictly increasing and unique across all sessions, and a
// seq is never handed out twice even after the newest rows are pruned.
// Because SQLite serializes writers, commit order equals seq order; a reader
// that remembers the highest seq it has seen can resume with "seq > N"
// without ever skipping a row that commits later.
//
// # Replay
//
// QueryAfter serves simple catch-up for a set of sessions sharing one
// watermark. QueryByCursors serves paged catch-up where every session has
// its own watermark:
//
//	cursors := store.Cursors{"session-a": 0, "session-b": 41}
//	for {
//		page, err := log.QueryByCursors(ctx, cursors, 200)
//		if err != nil {
//			return err
//		}
//		apply(page)
//		cursors.Advance(page)
//		if len(page) < 200 {
//			break
//		}
//	}
//
// # Retention
//
// Prune deletes one session's rows up to a seq, typically when the session's
// run completes. DeleteSession drops a session entirely.
//
// # Schema
//
//	session_events(seq, session_key, event_type, payload, created_at)
//	index (session_key, seq)
package store
