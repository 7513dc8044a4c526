// ABOUTME: EventLog interface and data types for the session event log
// ABOUTME: Defines the Event record, per-session Cursors and query limits

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidEvent is returned when an event is missing its session key or type
var ErrInvalidEvent = errors.New("invalid event")

// Query limits for cursor-based replay.
const (
	DefaultPageSize = 200
	MaxPageSize     = 1000
)

// Event is one immutable record in the session event log.
// Seq is assigned by the store at insert time and is unique across all sessions.
type Event struct {
	Seq        int64           `json:"seq"`
	SessionKey string          `json:"sessionKey"`
	EventType  string          `json:"eventType"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Cursors maps a session key to the last seq already seen for it.
type Cursors map[string]int64

// Keys returns the session keys of the cursor set.
func (c Cursors) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// Advance moves each session's cursor to the highest seq seen in events.
func (c Cursors) Advance(events []Event) {
	for _, e := range events {
		if e.Seq > c[e.SessionKey] {
			c[e.SessionKey] = e.Seq
		}
	}
}

// EventLog is the durable, globally ordered, session-scoped event store.
type EventLog interface {
	// Append stores an event and returns it with its assigned Seq.
	Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (Event, error)

	// QueryAfter returns every event of the given sessions with seq > afterSeq,
	// ascending by seq.
	QueryAfter(ctx context.Context, sessionKeys []string, afterSeq int64) ([]Event, error)

	// QueryByCursors returns up to limit events, each with seq greater than its
	// session's cursor, ascending by seq.
	QueryByCursors(ctx context.Context, cursors Cursors, limit int) ([]Event, error)

	// Prune deletes the session's events with seq <= uptoSeq.
	Prune(ctx context.Context, sessionKey string, uptoSeq int64) (int64, error)

	// DeleteSession deletes every event of the session.
	DeleteSession(ctx context.Context, sessionKey string) (int64, error)

	// LatestSeq returns the highest seq of a session, or of the whole log when
	// sessionKey is empty. Zero means no events.
	LatestSeq(ctx context.Context, sessionKey string) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// normalizeLimit applies the default page size and caps it.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}

// normalizePayload stores a missing payload as JSON null.
func normalizePayload(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	return payload
}
