// ABOUTME: Session event log operations on SQLite: append, cursor queries, prune
// ABOUTME: seq is the global ordering key assigned inside the insert transaction

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

const eventColumns = `seq, session_key, event_type, payload, created_at`

// Append persists an event and returns it with its assigned seq.
// The insert runs in its own transaction; SQLite serializes writers, so
// commit order equals seq order.
func (s *SQLiteStore) Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (Event, error) {
	if sessionKey == "" || eventType == "" {
		return Event{}, fmt.Errorf("%w: session key and event type are required", ErrInvalidEvent)
	}

	event := Event{
		SessionKey: sessionKey,
		EventType:  eventType,
		Payload:    normalizePayload(payload),
		CreatedAt:  s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO session_events (session_key, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING seq
	`,
		event.SessionKey,
		event.EventType,
		string(event.Payload),
		event.CreatedAt.Format(time.RFC3339Nano),
	).Scan(&event.Seq)
	if err != nil {
		return Event{}, fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, fmt.Errorf("committing event: %w", err)
	}

	s.logger.Debug("appended session event",
		"seq", event.Seq,
		"session_key", event.SessionKey,
		"type", event.EventType,
	)
	return event, nil
}

// QueryAfter returns every event of any of the given sessions with seq > afterSeq,
// ordered by seq.
func (s *SQLiteStore) QueryAfter(ctx context.Context, sessionKeys []string, afterSeq int64) ([]Event, error) {
	if len(sessionKeys) == 0 {
		return []Event{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sessionKeys)), ",")
	query := `SELECT ` + eventColumns + ` FROM session_events
		WHERE session_key IN (` + placeholders + `) AND seq > ?
		ORDER BY seq ASC`

	args := make([]any, 0, len(sessionKeys)+1)
	for _, k := range sessionKeys {
		args = append(args, k)
	}
	args = append(args, afterSeq)

	return s.queryEvents(ctx, query, args...)
}

// cursorChunk bounds the UNION ALL terms per statement; SQLite rejects
// compound SELECTs with more than 500 terms.
const cursorChunk = 400

// QueryByCursors returns up to limit events across the cursor's sessions, each
// newer than its own session's watermark, merged in global seq order.
//
// Each session contributes at most limit rows through its (session_key, seq)
// index, so a page costs O(sessions * limit) rows regardless of backlog size.
// Large cursor sets are queried in chunks and the pages merged.
func (s *SQLiteStore) QueryByCursors(ctx context.Context, cursors Cursors, limit int) ([]Event, error) {
	if len(cursors) == 0 {
		return []Event{}, nil
	}
	limit = normalizeLimit(limit)

	keys := cursors.Keys()
	sort.Strings(keys)

	var events []Event
	for chunk := range slices.Chunk(keys, cursorChunk) {
		page, err := s.queryCursorChunk(ctx, chunk, cursors, limit)
		if err != nil {
			return nil, err
		}
		events = append(events, page...)
	}
	if events == nil {
		return []Event{}, nil
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	if len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// queryCursorChunk returns the first limit events past the cursors of keys.
func (s *SQLiteStore) queryCursorChunk(ctx context.Context, keys []string, cursors Cursors, limit int) ([]Event, error) {
	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)*3+1)
	for _, k := range keys {
		parts = append(parts, `SELECT * FROM (
			SELECT `+eventColumns+` FROM session_events
			WHERE session_key = ? AND seq > ?
			ORDER BY seq ASC
			LIMIT ?
		)`)
		args = append(args, k, cursors[k], limit)
	}
	args = append(args, limit)

	query := `SELECT ` + eventColumns + ` FROM (` +
		strings.Join(parts, " UNION ALL ") +
		`) ORDER BY seq ASC LIMIT ?`

	return s.queryEvents(ctx, query, args...)
}

// Prune deletes the session's events with seq <= uptoSeq.
// Other sessions and later events are untouched.
func (s *SQLiteStore) Prune(ctx context.Context, sessionKey string, uptoSeq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_events WHERE session_key = ? AND seq <= ?`,
		sessionKey, uptoSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}

	s.logger.Debug("pruned session events",
		"session_key", sessionKey,
		"upto_seq", uptoSeq,
		"deleted", n,
	)
	return n, nil
}

// DeleteSession deletes all events of a session.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionKey string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_events WHERE session_key = ?`, sessionKey)
	if err != nil {
		return 0, fmt.Errorf("deleting session events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted events: %w", err)
	}
	return n, nil
}

// LatestSeq returns the highest seq for a session, or for the whole log when
// sessionKey is empty.
func (s *SQLiteStore) LatestSeq(ctx context.Context, sessionKey string) (int64, error) {
	var seq sql.NullInt64
	var err error
	if sessionKey == "" {
		err = s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM session_events`).Scan(&seq)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT MAX(seq) FROM session_events WHERE session_key = ?`, sessionKey,
		).Scan(&seq)
	}
	if err != nil {
		return 0, fmt.Errorf("querying latest seq: %w", err)
	}
	return seq.Int64, nil
}

// queryEvents is a helper that executes a query and returns events
func (s *SQLiteStore) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var event Event
		var payload, createdAt string

		if err := rows.Scan(
			&event.Seq,
			&event.SessionKey,
			&event.EventType,
			&payload,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		event.Payload = json.RawMessage(payload)
		event.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return events, nil
}
