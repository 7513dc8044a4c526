// ABOUTME: In-memory socket and dialer doubles for connection machine tests
// ABOUTME: Lets tests play the server side of the protocol frame by frame

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

const waitTimeout = 2 * time.Second

var errLocalClosed = errors.New("use of closed network connection")

type fakeSocket struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}

	mu          sync.Mutex
	readErr     error
	closeCode   int
	closeReason string
	once        sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return nil, s.readErr
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	select {
	case <-s.closed:
		return errLocalClosed
	default:
	}
	s.out <- data
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.shut(errLocalClosed, code, reason)
	return nil
}

// remoteClose simulates the server sending a close frame.
func (s *fakeSocket) remoteClose(code int, text string) {
	s.shut(&websocket.CloseError{Code: code, Text: text}, 0, "")
}

func (s *fakeSocket) shut(readErr error, code int, reason string) {
	s.once.Do(func() {
		s.mu.Lock()
		s.readErr = readErr
		s.closeCode = code
		s.closeReason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *fakeSocket) localClose() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason
}

func (s *fakeSocket) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(waitTimeout):
		t.Fatal("socket was not closed")
	}
}

// nextRequest reads the next frame the client wrote.
func (s *fakeSocket) nextRequest(t *testing.T) *protocol.Request {
	t.Helper()
	select {
	case data := <-s.out:
		frame, err := protocol.Decode(data)
		require.NoError(t, err)
		req, ok := frame.(*protocol.Request)
		require.True(t, ok, "expected request, got %s", frame.Kind())
		return req
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for request")
		return nil
	}
}

func (s *fakeSocket) respond(t *testing.T, id uint64, result any) {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	data, err := protocol.Encode(&protocol.Response{ID: id, Result: raw})
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) respondError(t *testing.T, id uint64, msg string) {
	t.Helper()
	data, err := protocol.Encode(&protocol.Response{ID: id, Error: msg})
	require.NoError(t, err)
	s.in <- data
}

func (s *fakeSocket) push(t *testing.T, name string, data any, seq *int64) {
	t.Helper()
	ev, err := protocol.NewEvent(name, data, seq)
	require.NoError(t, err)
	raw, err := protocol.Encode(ev)
	require.NoError(t, err)
	s.in <- raw
}

// fakeDialer hands each dial a fresh socket, or the next queued error.
type fakeDialer struct {
	mu     sync.Mutex
	errs   []error
	dialed chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) failNext(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	s := newFakeSocket()
	d.dialed <- s
	return s, nil
}

func (d *fakeDialer) accept(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func (d *fakeDialer) requireNoDial(t *testing.T) {
	t.Helper()
	select {
	case <-d.dialed:
		t.Fatal("unexpected dial")
	case <-time.After(50 * time.Millisecond):
	}
}

// statusLog records every status the machine reports.
type statusLog struct {
	ch chan Status
}

func newStatusLog() *statusLog {
	return &statusLog{ch: make(chan Status, 256)}
}

func (l *statusLog) record(s Status) {
	l.ch <- s
}

// waitFor returns the first recorded status in state, skipping others.
func (l *statusLog) waitFor(t *testing.T, state State) Status {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-l.ch:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", state)
			return Status{}
		}
	}
}

type countingTokens struct {
	mu          sync.Mutex
	token       string
	invalidated int
}

func (c *countingTokens) Token(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *countingTokens) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated++
}

func (c *countingTokens) invalidations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}
