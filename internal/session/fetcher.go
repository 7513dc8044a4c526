// ABOUTME: Page sources for session catch-up: over RPC through the client or straight from a store
// ABOUTME: Both return one page of events past each session's cursor, ascending by seq

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// Fetcher returns up to limit events past each session's cursor, ascending
// by seq.
type Fetcher interface {
	FetchAfter(ctx context.Context, cursors store.Cursors, limit int) ([]store.Event, error)
}

// Caller is the part of client.Client RPCFetcher needs.
type Caller interface {
	RPC(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// RPCFetcher pages through events.replay on the relay.
type RPCFetcher struct {
	Client Caller
	// Timeout per page; zero uses the client's default.
	Timeout time.Duration
}

// FetchAfter implements Fetcher.
func (f RPCFetcher) FetchAfter(ctx context.Context, cursors store.Cursors, limit int) ([]store.Event, error) {
	raw, err := f.Client.RPC(ctx, gateway.MethodReplay, protocol.ReplayParams{Cursors: cursors, Limit: limit}, f.Timeout)
	if err != nil {
		return nil, err
	}
	var res protocol.ReplayResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding replay page: %w", err)
	}
	return res.Events, nil
}

// StoreFetcher reads pages from an in-process event log.
type StoreFetcher struct {
	Log store.EventLog
}

// FetchAfter implements Fetcher.
func (f StoreFetcher) FetchAfter(ctx context.Context, cursors store.Cursors, limit int) ([]store.Event, error) {
	return f.Log.QueryByCursors(ctx, cursors, limit)
}
