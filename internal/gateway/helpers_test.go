// ABOUTME: Test fixtures for the gateway: an httptest-backed server and a raw websocket peer
// ABOUTME: The peer speaks the wire protocol frame by frame and buffers pushed events

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

const (
	testTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

var testSecret = []byte(strings.Repeat("relay-test-secret-", 2))

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	*Server
	http     *httptest.Server
	verifier *auth.JWTVerifier
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Metrics.Enabled = true
	for _, m := range mutate {
		m(cfg)
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	return newTestServerWithStore(t, cfg, st)
}

func newTestServerWithStore(t *testing.T, cfg *config.Config, st store.EventLog) *testServer {
	t.Helper()

	verifier, err := auth.NewJWTVerifier(testSecret)
	require.NoError(t, err)

	s := NewWithStore(cfg, st, verifier, testLogger())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		hs.Close()
	})
	return &testServer{Server: s, http: hs, verifier: verifier}
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := ts.verifier.Generate(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

// foreignToken is validly signed, but not with the server's secret.
func foreignToken(t *testing.T) string {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(strings.Repeat("x", 40)))
	require.NoError(t, err)
	tok, err := v.Generate("ui", time.Hour)
	require.NoError(t, err)
	return tok
}

// testPeer is a raw protocol client.
type testPeer struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID uint64
	events []*protocol.Event
}

func dialPeer(t *testing.T, url string) *testPeer {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &testPeer{t: t, conn: conn}
}

// authedPeer dials and authenticates as subject.
func (ts *testServer) authedPeer(t *testing.T, subject string) *testPeer {
	t.Helper()
	p := dialPeer(t, ts.wsURL())
	var res protocol.AuthResult
	p.mustCall(protocol.MethodAuth, protocol.AuthParams{Token: ts.token(t, subject)}, &res)
	require.True(t, res.Authenticated)
	return p
}

func (p *testPeer) send(method string, params any) uint64 {
	p.t.Helper()
	p.nextID++
	req, err := protocol.NewRequest(p.nextID, method, params)
	require.NoError(p.t, err)
	data, err := protocol.Encode(req)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, data))
	return p.nextID
}

func (p *testPeer) read() protocol.Frame {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, data, err := p.conn.ReadMessage()
	require.NoError(p.t, err)
	frame, err := protocol.Decode(data)
	require.NoError(p.t, err)
	return frame
}

// call sends a request and returns its response, buffering any events
// that arrive first.
func (p *testPeer) call(method string, params any) *protocol.Response {
	p.t.Helper()
	id := p.send(method, params)
	for {
		switch f := p.read().(type) {
		case *protocol.Response:
			if f.ID == id {
				return f
			}
		case *protocol.Event:
			p.events = append(p.events, f)
		}
	}
}

// mustCall requires success and decodes the result into out.
func (p *testPeer) mustCall(method string, params, out any) {
	p.t.Helper()
	resp := p.call(method, params)
	require.Empty(p.t, resp.Error, "%s failed", method)
	if out != nil {
		require.NoError(p.t, json.Unmarshal(resp.Result, out))
	}
}

func (p *testPeer) nextEvent() *protocol.Event {
	p.t.Helper()
	if len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]
		return ev
	}
	for {
		if ev, ok := p.read().(*protocol.Event); ok {
			return ev
		}
	}
}

// closeError reads until the socket fails and returns the close frame.
func (p *testPeer) closeError() *websocket.CloseError {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		_, _, err := p.conn.ReadMessage()
		if err == nil {
			continue
		}
		ce, ok := err.(*websocket.CloseError)
		require.True(p.t, ok, "expected close frame, got %v", err)
		return ce
	}
}

func sessionEvent(t *testing.T, ev *protocol.Event) store.Event {
	t.Helper()
	require.Equal(t, protocol.EventSession, ev.Event)
	var out store.Event
	require.NoError(t, json.Unmarshal(ev.Data, &out))
	return out
}
