// ABOUTME: Tests for session event log operations on SQLite
// ABOUTME: Covers append round-trips, concurrent writers, seq reuse after prune

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventStore_AppendRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	appended, err := store.Append(ctx, "agent:main", "assistant.delta", json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Positive(t, appended.Seq)
	assert.False(t, appended.CreatedAt.IsZero())

	events, err := store.QueryAfter(ctx, []string{"agent:main"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, appended.Seq, got.Seq)
	assert.Equal(t, "agent:main", got.SessionKey)
	assert.Equal(t, "assistant.delta", got.EventType)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))
	assert.True(t, appended.CreatedAt.Equal(got.CreatedAt))
}

func TestEventStore_NilPayloadStoredAsNull(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "s", "run.started", nil)
	require.NoError(t, err)

	events, err := store.QueryAfter(ctx, []string{"s"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "null", string(events[0].Payload))
}

func TestEventStore_QueryAfterMergesSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("s%d", i%3)
		_, err := store.Append(ctx, key, "message", payloadN(i))
		require.NoError(t, err)
	}

	events, err := store.QueryAfter(ctx, []string{"s0", "s2"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
	for _, e := range events {
		assert.NotEqual(t, "s1", e.SessionKey)
	}

	none, err := store.QueryAfter(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEventStore_ConcurrentAppendsAreTotallyOrdered(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const sessions = 4
	const perSession = 50

	var wg sync.WaitGroup
	seqs := make(chan int64, sessions*perSession)
	errs := make(chan error, sessions*perSession)
	for s := 0; s < sessions; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			key := fmt.Sprintf("session-%d", s)
			for i := 0; i < perSession; i++ {
				e, err := store.Append(ctx, key, "message", payloadN(i))
				if err != nil {
					errs <- err
					return
				}
				seqs <- e.Seq
			}
		}(s)
	}
	wg.Wait()
	close(seqs)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	seen := make(map[int64]bool)
	for seq := range seqs {
		assert.False(t, seen[seq], "seq %d assigned twice", seq)
		seen[seq] = true
	}
	require.Len(t, seen, sessions*perSession)

	keys := make([]string, sessions)
	for s := range keys {
		keys[s] = fmt.Sprintf("session-%d", s)
	}
	events, err := store.QueryAfter(ctx, keys, 0)
	require.NoError(t, err)
	require.Len(t, events, sessions*perSession)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	// Per session, seq order equals the order each writer inserted in.
	last := make(map[string]int)
	for _, e := range events {
		var p struct{ N int }
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		if prev, ok := last[e.SessionKey]; ok {
			assert.Equal(t, prev+1, p.N)
		}
		last[e.SessionKey] = p.N
	}
}

func TestEventStore_SeqNotReusedAfterPrune(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var last Event
	for i := 0; i < 3; i++ {
		var err error
		last, err = store.Append(ctx, "s", "message", nil)
		require.NoError(t, err)
	}

	_, err := store.Prune(ctx, "s", last.Seq)
	require.NoError(t, err)

	next, err := store.Append(ctx, "s", "message", nil)
	require.NoError(t, err)
	assert.Greater(t, next.Seq, last.Seq)
}

func TestEventStore_QueryByCursorsCapsLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < MaxPageSize+5; i++ {
		_, err := store.Append(ctx, "s", "message", nil)
		require.NoError(t, err)
	}

	events, err := store.QueryByCursors(ctx, Cursors{"s": 0}, MaxPageSize*2)
	require.NoError(t, err)
	assert.Len(t, events, MaxPageSize)

	events, err = store.QueryByCursors(ctx, Cursors{}, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
}
