// ABOUTME: Mock EventLog implementation for testing
// ABOUTME: Allows tests of the gateway and session packages to run without SQLite

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory EventLog implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	nextSeq int64
	events  []Event // ascending by seq
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{}
}

// Append stores an event with the next seq.
func (m *MockStore) Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (Event, error) {
	if sessionKey == "" || eventType == "" {
		return Event{}, fmt.Errorf("%w: session key and event type are required", ErrInvalidEvent)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	e := Event{
		Seq:        m.nextSeq,
		SessionKey: sessionKey,
		EventType:  eventType,
		Payload:    append(json.RawMessage(nil), normalizePayload(payload)...),
		CreatedAt:  time.Now().UTC(),
	}
	m.events = append(m.events, e)
	return e, nil
}

// QueryAfter returns events of the given sessions after afterSeq.
func (m *MockStore) QueryAfter(ctx context.Context, sessionKeys []string, afterSeq int64) ([]Event, error) {
	want := make(map[string]bool, len(sessionKeys))
	for _, k := range sessionKeys {
		want[k] = true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Event{}
	for _, e := range m.events[m.firstAfter(afterSeq):] {
		if want[e.SessionKey] {
			out = append(out, e)
		}
	}
	return out, nil
}

// QueryByCursors returns up to limit events past each session's cursor.
func (m *MockStore) QueryByCursors(ctx context.Context, cursors Cursors, limit int) ([]Event, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []Event{}
	for _, e := range m.events {
		after, tracked := cursors[e.SessionKey]
		if !tracked || e.Seq <= after {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Prune removes the session's events up to and including uptoSeq.
func (m *MockStore) Prune(ctx context.Context, sessionKey string, uptoSeq int64) (int64, error) {
	return m.remove(func(e Event) bool {
		return e.SessionKey == sessionKey && e.Seq <= uptoSeq
	}), nil
}

// DeleteSession removes all events of a session.
func (m *MockStore) DeleteSession(ctx context.Context, sessionKey string) (int64, error) {
	return m.remove(func(e Event) bool { return e.SessionKey == sessionKey }), nil
}

// LatestSeq returns the highest stored seq for the session (or overall).
func (m *MockStore) LatestSeq(ctx context.Context, sessionKey string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := len(m.events) - 1; i >= 0; i-- {
		if sessionKey == "" || m.events[i].SessionKey == sessionKey {
			return m.events[i].Seq, nil
		}
	}
	return 0, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Len returns the number of stored events.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// firstAfter returns the index of the first event with seq > afterSeq.
// Must be called with mu held.
func (m *MockStore) firstAfter(afterSeq int64) int {
	return sort.Search(len(m.events), func(i int) bool {
		return m.events[i].Seq > afterSeq
	})
}

func (m *MockStore) remove(match func(Event) bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if match(e) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n
}
