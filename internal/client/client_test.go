// ABOUTME: Tests for the gateway client in direct and bridge modes
// ABOUTME: Uses a real relay server and bridge over httptest websockets

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/bridge"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/connection"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/rpc"
	"github.com/2389/coven-relay/internal/store"
)

const (
	testTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func newVerifier(t *testing.T, seed string) *auth.JWTVerifier {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(strings.Repeat(seed, 32)))
	require.NoError(t, err)
	return v
}

func issue(t *testing.T, v *auth.JWTVerifier) connection.StaticToken {
	t.Helper()
	tok, err := v.Generate("desktop", time.Hour)
	require.NoError(t, err)
	return connection.StaticToken(tok)
}

func relayServer(t *testing.T, v *auth.JWTVerifier) (*gateway.Server, string) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	s := gateway.NewWithStore(config.Default(), st, v, testLogger())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		hs.Close()
	})
	return s, wsURL(hs.URL)
}

// recorder is a Listener that keeps everything it hears.
type recorder struct {
	mu     sync.Mutex
	states []StateInfo
	events []*protocol.Event
}

func (r *recorder) StateChanged(s StateInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) EventReceived(ev *protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	for i, s := range r.states {
		out[i] = s.State
	}
	return out
}

func (r *recorder) last() StateInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return StateInfo{}
	}
	return r.states[len(r.states)-1]
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type failingDialer struct{}

func (failingDialer) Dial(context.Context, string) (connection.Socket, error) {
	return nil, errors.New("connection refused")
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.Logger = testLogger()
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Hour
		opts.BackoffMax = time.Hour
	}
	c := New(opts)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_RPCFailsFastWhenNotConnected(t *testing.T) {
	c := newTestClient(t, Options{Dialer: failingDialer{}})

	start := time.Now()
	_, err := c.RPC(context.Background(), "echo", nil, time.Minute)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, c.link.PendingCalls())
}

func TestClient_SubscribeReplaysCurrentState(t *testing.T) {
	c := newTestClient(t, Options{Dialer: failingDialer{}})

	rec := &recorder{}
	unsubscribe := c.Subscribe(rec)
	defer unsubscribe()

	// Delivered before Subscribe returned.
	assert.Equal(t, []State{StateDisconnected}, rec.stateList())
}

func TestClient_DirectLifecycle(t *testing.T) {
	v := newVerifier(t, "r")
	server, url := relayServer(t, v)
	c := newTestClient(t, Options{Tokens: issue(t, v)})

	rec := &recorder{}
	defer c.Subscribe(rec)()

	c.Connect(url)
	require.Eventually(t, func() bool { return c.State().State == StateConnected }, testTimeout, pollInterval)
	assert.Equal(t, []State{StateDisconnected, StateConnecting, StateConnected}, rec.stateList())
	assert.NotEmpty(t, c.State().ConnectID)

	raw, err := c.RPC(context.Background(), gateway.MethodEcho, map[string]string{"a": "b"}, 0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(raw))

	_, err = server.Publish(context.Background(), "s1", "delta", json.RawMessage(`1`))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.eventCount() == 1 }, testTimeout, pollInterval)

	c.Disconnect()
	last := rec.last()
	assert.Equal(t, StateDisconnected, last.State)
	assert.Equal(t, "manual_disconnect", last.Reason)
	assert.Zero(t, last.RetryIn)
	assert.Empty(t, last.ConnectID)

	_, err = c.RPC(context.Background(), gateway.MethodEcho, nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_DisconnectRejectsPendingRPC(t *testing.T) {
	v := newVerifier(t, "r")
	release := make(chan struct{})
	defer close(release)

	// A bare endpoint whose only method answers when released.
	ep := gateway.NewEndpoint(gateway.EndpointOptions{
		Verifier: v,
		Handlers: map[string]gateway.Handler{
			"stall": func(ctx context.Context, _ *gateway.Peer, _ json.RawMessage) (any, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil, nil
			},
		},
		Logger: testLogger(),
	})
	hs := httptest.NewServer(ep)
	t.Cleanup(func() {
		ep.Close()
		hs.Close()
	})

	c := newTestClient(t, Options{Tokens: issue(t, v)})
	c.Connect(wsURL(hs.URL))
	require.Eventually(t, func() bool { return c.State().State == StateConnected }, testTimeout, pollInterval)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.RPC(context.Background(), "stall", nil, time.Minute)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return c.link.PendingCalls() == 1 }, testTimeout, pollInterval)

	c.Disconnect()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, rpc.ErrConnectionClosed)
		assert.Equal(t, 0, c.link.PendingCalls())
	case <-time.After(testTimeout):
		t.Fatal("pending rpc was not rejected")
	}
}

func TestClient_SuppressesDuplicateStates(t *testing.T) {
	c := newTestClient(t, Options{Dialer: failingDialer{}})
	rec := &recorder{}
	defer c.Subscribe(rec)()

	st := connection.Status{State: connection.StateDisconnected, Reason: "network_lost", RetryIn: time.Second, ReconnectCount: 1}
	c.onLinkStatus(st)
	c.onLinkStatus(st)
	st.ReconnectAttempt = 7 // not part of the client view
	c.onLinkStatus(st)

	assert.Equal(t, []State{StateDisconnected, StateDisconnected}, rec.stateList())
}

func TestClient_UnsubscribeStopsDelivery(t *testing.T) {
	c := newTestClient(t, Options{Dialer: failingDialer{}})
	rec := &recorder{}
	unsubscribe := c.Subscribe(rec)
	unsubscribe()
	unsubscribe()

	c.onLinkStatus(connection.Status{State: connection.StateConnecting})
	c.onEvent(&protocol.Event{Event: protocol.EventSession})

	assert.Len(t, rec.stateList(), 1)
	assert.Equal(t, 0, rec.eventCount())
}

func TestClient_BridgeModeFollowsUpstream(t *testing.T) {
	relayAuth := newVerifier(t, "r")
	localAuth := newVerifier(t, "l")
	_, relayURL := relayServer(t, relayAuth)

	b := bridge.New(bridge.Options{
		UpstreamURL: relayURL,
		Upstream:    issue(t, relayAuth),
		Verifier:    localAuth,
		Logger:      testLogger(),
	})
	hs := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Close()
		hs.Close()
	})
	b.Start()

	c := newTestClient(t, Options{Mode: ModeBridge, Tokens: issue(t, localAuth)})
	c.Connect(wsURL(hs.URL))

	require.Eventually(t, func() bool { return c.State().State == StateConnected }, testTimeout, pollInterval)
	assert.Equal(t, b.Upstream().ConnectID, c.State().ConnectID)

	raw, err := c.RPC(context.Background(), gateway.MethodEcho, "via bridge", 0)
	require.NoError(t, err)
	assert.JSONEq(t, `"via bridge"`, string(raw))
}

func TestClient_BridgeModeReportsUpstreamOutage(t *testing.T) {
	localAuth := newVerifier(t, "l")
	b := bridge.New(bridge.Options{
		UpstreamURL: "ws://upstream.invalid/ws",
		Upstream:    connection.StaticToken("unused"),
		Verifier:    localAuth,
		Dialer:      failingDialer{},
		Clock:       clock.Fake(time.Unix(1_700_000_000, 0)),
		Logger:      testLogger(),
	})
	hs := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Close()
		hs.Close()
	})
	b.Start()
	require.Eventually(t, func() bool {
		return b.Upstream().State == connection.StateDisconnected && b.Upstream().Reason != ""
	}, testTimeout, pollInterval)

	c := newTestClient(t, Options{Mode: ModeBridge, Tokens: issue(t, localAuth)})
	rec := &recorder{}
	defer c.Subscribe(rec)()
	c.Connect(wsURL(hs.URL))

	require.Eventually(t, func() bool {
		return c.link.Status().State == connection.StateAuthenticated && rec.last().Reason == "network_lost"
	}, testTimeout, pollInterval)
	assert.Equal(t, StateDisconnected, c.State().State)
	assert.Equal(t, 1, c.State().ReconnectCount)
	assert.NotContains(t, rec.stateList(), StateConnected)

	_, err := c.RPC(context.Background(), gateway.MethodEcho, nil, 0)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestNewFromConfig_TokenSources(t *testing.T) {
	v := newVerifier(t, "r")
	_, url := relayServer(t, v)

	tok, err := v.Generate("desktop", time.Hour)
	require.NoError(t, err)
	t.Setenv("RELAY_CLIENT_TEST_TOKEN", tok)

	cfg := config.Default()
	cfg.Client.TokenEnv = "RELAY_CLIENT_TEST_TOKEN"
	c := NewFromConfig(cfg, testLogger())
	defer c.Close()

	c.Connect(url)
	require.Eventually(t, func() bool { return c.State().State == StateConnected }, testTimeout, pollInterval)
}
