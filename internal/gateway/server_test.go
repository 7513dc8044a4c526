// ABOUTME: Tests for the relay server methods, HTTP routes and lifecycle
// ABOUTME: Drives the server through raw sockets and through a real connection.Machine

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/connection"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

func TestServer_AppendAssignsIncreasingSeq(t *testing.T) {
	ts := newTestServer(t)
	p := ts.authedPeer(t, "agent")

	var last int64
	for i := 0; i < 5; i++ {
		var res protocol.AppendResult
		p.mustCall(MethodAppend, protocol.AppendParams{
			SessionKey: fmt.Sprintf("s%d", i%2),
			EventType:  "delta",
			Payload:    map[string]int{"i": i},
		}, &res)
		assert.Greater(t, res.Seq, last)
		last = res.Seq
	}
	assert.Equal(t, float64(5), testutil.ToFloat64(ts.Metrics().EventsAppended))

	resp := p.call(MethodAppend, protocol.AppendParams{EventType: "delta"})
	assert.Contains(t, resp.Error, "invalid event")
}

// stallingStore holds its first Append open after the row is committed.
type stallingStore struct {
	*store.MockStore
	once      sync.Once
	committed chan struct{}
}

func (s *stallingStore) Append(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (store.Event, error) {
	ev, err := s.MockStore.Append(ctx, sessionKey, eventType, payload)
	s.once.Do(func() {
		close(s.committed)
		time.Sleep(50 * time.Millisecond)
	})
	return ev, err
}

func TestServer_ConcurrentPublishPushesInSeqOrder(t *testing.T) {
	st := &stallingStore{MockStore: store.NewMockStore(), committed: make(chan struct{})}
	ts := newTestServerWithStore(t, config.Default(), st)
	p := ts.authedPeer(t, "ui")
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := ts.Publish(ctx, "s1", "delta", nil)
		assert.NoError(t, err)
	}()
	<-st.committed
	go func() {
		defer wg.Done()
		_, err := ts.Publish(ctx, "s1", "delta", nil)
		assert.NoError(t, err)
	}()
	wg.Wait()

	first := sessionEvent(t, p.nextEvent())
	second := sessionEvent(t, p.nextEvent())
	assert.Equal(t, []int64{1, 2}, []int64{first.Seq, second.Seq})
}

func TestServer_ReplayPagesByCursor(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var want []int64
	for i := 0; i < 7; i++ {
		ev, err := ts.Publish(ctx, []string{"a", "b", "c"}[i%3], "delta", nil)
		require.NoError(t, err)
		if ev.SessionKey != "c" {
			want = append(want, ev.Seq)
		}
	}

	p := ts.authedPeer(t, "ui")
	cursors := store.Cursors{"a": 0, "b": 0}
	var got []int64
	pages := 0
	for {
		var page protocol.ReplayResult
		p.mustCall(MethodReplay, protocol.ReplayParams{Cursors: cursors, Limit: 2}, &page)
		pages++
		for _, ev := range page.Events {
			assert.Greater(t, ev.Seq, cursors[ev.SessionKey])
			got = append(got, ev.Seq)
		}
		cursors.Advance(page.Events)
		if !page.HasMore {
			break
		}
	}

	assert.Equal(t, want, got)
	assert.Equal(t, 3, pages)
}

func TestServer_ReplayEmptyCursorsReturnsEmptyList(t *testing.T) {
	ts := newTestServer(t)
	p := ts.authedPeer(t, "ui")

	resp := p.call(MethodReplay, protocol.ReplayParams{})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"events":[],"hasMore":false}`, string(resp.Result))
}

func TestServer_Since(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	first, err := ts.Publish(ctx, "a", "delta", nil)
	require.NoError(t, err)
	_, err = ts.Publish(ctx, "b", "delta", nil)
	require.NoError(t, err)
	third, err := ts.Publish(ctx, "a", "done", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	p := ts.authedPeer(t, "ui")
	var res protocol.EventsResult
	p.mustCall(MethodSince, protocol.SinceParams{SessionKeys: []string{"a"}, AfterSeq: first.Seq}, &res)

	require.Len(t, res.Events, 1)
	assert.Equal(t, third.Seq, res.Events[0].Seq)
	assert.Equal(t, "done", res.Events[0].EventType)
	assert.JSONEq(t, `{"ok":true}`, string(res.Events[0].Payload))
}

func TestServer_PruneCompleteDelete(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	var aSeqs []int64
	for i := 0; i < 4; i++ {
		ev, err := ts.Publish(ctx, "a", "delta", nil)
		require.NoError(t, err)
		aSeqs = append(aSeqs, ev.Seq)
		_, err = ts.Publish(ctx, "b", "delta", nil)
		require.NoError(t, err)
	}

	p := ts.authedPeer(t, "agent")

	var pruned protocol.DeletedResult
	p.mustCall(MethodPrune, protocol.PruneParams{SessionKey: "a", UptoSeq: aSeqs[1]}, &pruned)
	assert.Equal(t, int64(2), pruned.Deleted)

	var completed protocol.DeletedResult
	p.mustCall(MethodSessionComplete, protocol.SessionParams{SessionKey: "a"}, &completed)
	assert.Equal(t, int64(2), completed.Deleted)

	// Nothing left to complete.
	p.mustCall(MethodSessionComplete, protocol.SessionParams{SessionKey: "a"}, &completed)
	assert.Equal(t, int64(0), completed.Deleted)

	var deleted protocol.DeletedResult
	p.mustCall(MethodSessionDelete, protocol.SessionParams{SessionKey: "b"}, &deleted)
	assert.Equal(t, int64(4), deleted.Deleted)

	latest, err := ts.Store().LatestSeq(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)
	assert.Equal(t, float64(8), testutil.ToFloat64(ts.Metrics().EventsPruned))

	for _, method := range []string{MethodPrune, MethodSessionComplete, MethodSessionDelete} {
		resp := p.call(method, protocol.SessionParams{})
		assert.Equal(t, "invalid params: sessionKey is required", resp.Error, method)
	}
}

func TestServer_Echo(t *testing.T) {
	ts := newTestServer(t)
	p := ts.authedPeer(t, "ui")

	resp := p.call(MethodEcho, map[string]any{"n": 1, "s": "x"})
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `{"n":1,"s":"x"}`, string(resp.Result))

	resp = p.call(MethodEcho, nil)
	require.Empty(t, resp.Error)
	assert.JSONEq(t, `null`, string(resp.Result))
}

func TestServer_HTTPRoutes(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.Publish(context.Background(), "s1", "delta", nil)
	require.NoError(t, err)

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/health", http.StatusOK, "OK"},
		{"/health/ready", http.StatusOK, "ready (0 peers)"},
		{"/metrics", http.StatusOK, "coven_relay_events_appended_total 1"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.http.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Metrics.Enabled = false })

	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNew_RequiresStrongSecret(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "creating token verifier")
}

func TestServer_RunUntilCanceled(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Auth.JWTSecret = string(testSecret)

	s, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, testTimeout, pollInterval)
	resp, err := http.Get("http://" + s.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("Run did not return after cancel")
	}
}

// statusWatcher collects machine statuses for assertions.
type statusWatcher struct {
	mu       sync.Mutex
	statuses []connection.Status
}

func (w *statusWatcher) record(s connection.Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statuses = append(w.statuses, s)
}

func (w *statusWatcher) last() connection.Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.statuses) == 0 {
		return connection.Status{}
	}
	return w.statuses[len(w.statuses)-1]
}

func TestServer_ConnectionMachineEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	watcher := &statusWatcher{}
	events := make(chan *protocol.Event, 16)

	m := connection.New(connection.Options{
		Tokens:      connection.StaticToken(ts.token(t, "desktop")),
		Logger:      testLogger(),
		BackoffBase: time.Hour,
		BackoffMax:  time.Hour,
		OnStatus:    watcher.record,
		OnEvent:     func(ev *protocol.Event) { events <- ev },
	})
	defer m.Close()

	m.Connect(ts.wsURL())
	require.Eventually(t, func() bool {
		return m.Status().State == connection.StateAuthenticated
	}, testTimeout, pollInterval)
	assert.NotEmpty(t, m.Status().ConnectID)

	raw, err := m.Call(context.Background(), MethodEcho, map[string]string{"hello": "relay"}, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"relay"}`, string(raw))

	published, err := ts.Publish(context.Background(), "s1", "delta", json.RawMessage(`"chunk"`))
	require.NoError(t, err)
	select {
	case ev := <-events:
		assert.Equal(t, published.Seq, sessionEvent(t, ev).Seq)
	case <-time.After(testTimeout):
		t.Fatal("no live event")
	}

	ts.endpoint.Close()
	require.Eventually(t, func() bool {
		st := watcher.last()
		return st.State == connection.StateDisconnected && st.Reason == "going_away"
	}, testTimeout, pollInterval)
	assert.Equal(t, 1, m.Status().ReconnectCount)
}
