// ABOUTME: Unit tests for MockStore behavior the shared contract does not reach
// ABOUTME: Focuses on payload isolation, Len bookkeeping and LatestSeq edge cases

package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_CopiesPayload(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	payload := json.RawMessage(`{"a":1}`)
	_, err := store.Append(ctx, "s", "delta", payload)
	require.NoError(t, err)
	payload[2] = 'b'

	events, err := store.QueryAfter(ctx, []string{"s"}, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Payload))
}

func TestMockStore_LenTracksPruneAndDelete(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, "a", "delta", nil)
		require.NoError(t, err)
		_, err = store.Append(ctx, "b", "delta", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 8, store.Len())

	n, err := store.Prune(ctx, "a", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 6, store.Len())

	n, err = store.DeleteSession(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, 2, store.Len())
}

func TestMockStore_LatestSeq(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	seq, err := store.LatestSeq(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, seq)

	_, err = store.Append(ctx, "a", "delta", nil)
	require.NoError(t, err)
	last, err := store.Append(ctx, "b", "delta", nil)
	require.NoError(t, err)

	seq, err = store.LatestSeq(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	seq, err = store.LatestSeq(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, last.Seq, seq)
}
