// ABOUTME: Socket and Dialer abstractions with a gorilla/websocket implementation
// ABOUTME: Writes are serialized and bounded by a deadline; close errors map to reasons

package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/protocol"
)

// Transport defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
)

// Socket is one open message-oriented connection.
type Socket interface {
	// ReadMessage blocks for the next text message.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one text message. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close sends a close frame with code and reason, then releases the
	// connection. Safe to call more than once.
	Close(code int, reason string) error
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
}

// Dial opens a websocket to url.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = DefaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return NewWebSocket(conn, d.WriteTimeout), nil
}

// WebSocket adapts a gorilla connection to Socket.
type WebSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocket wraps conn. A non-positive writeTimeout uses
// DefaultWriteTimeout.
func NewWebSocket(conn *websocket.Conn, writeTimeout time.Duration) *WebSocket {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &WebSocket{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocket) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (s *WebSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WebSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// reasonFromErr maps a read or dial error to a disconnect reason. Anything
// that is not a close frame counts as a lost network. gorilla reports a
// dropped TCP stream as 1006 with an "unexpected EOF" text, which is not a
// server reason.
func reasonFromErr(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
		return protocol.CloseReason(ce.Code, ce.Text)
	}
	return protocol.CloseReason(protocol.CloseAbnormal, "")
}
