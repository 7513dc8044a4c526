// ABOUTME: WebSocket endpoint that authenticates peers, dispatches their requests and pushes events
// ABOUTME: Each peer gets a bounded send queue; overflowing peers are closed as slow consumers

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/fanout"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// Endpoint defaults.
const (
	DefaultSendQueue    = 256
	DefaultReadLimit    = 1 << 20
	DefaultWriteTimeout = 10 * time.Second
)

// Request errors reported to peers.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnknownMethod   = errors.New("unknown method")
	ErrInvalidParams   = errors.New("invalid params")
)

// Handler runs one method for an authenticated peer. The result is
// marshaled into the response; an error becomes the response's error text.
type Handler func(ctx context.Context, p *Peer, params json.RawMessage) (any, error)

// FallbackHandler serves authenticated requests no Handler is registered for.
type FallbackHandler func(ctx context.Context, p *Peer, req *protocol.Request) (any, error)

// EndpointOptions configures an Endpoint.
type EndpointOptions struct {
	Verifier auth.TokenVerifier
	// Events is the hub authenticated peers subscribe to. Nil disables
	// pushes.
	Events   *fanout.Broadcaster[*protocol.Event]
	Handlers map[string]Handler
	Fallback FallbackHandler
	// OnAuthenticated runs after a peer's auth response is queued.
	OnAuthenticated func(*Peer)

	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Endpoint serves the relay protocol over WebSocket.
type Endpoint struct {
	opts     EndpointOptions
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	peers   map[*Peer]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewEndpoint creates an endpoint. Zero sizes and timeouts take the
// defaults above.
func NewEndpoint(opts EndpointOptions) *Endpoint {
	if opts.SendQueue <= 0 {
		opts.SendQueue = DefaultSendQueue
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Handlers == nil {
		opts.Handlers = map[string]Handler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Endpoint{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers authenticate in-band with a token, not with cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "endpoint"),
		metrics: opts.Metrics,
		peers:   make(map[*Peer]struct{}),
	}
}

// Handle registers a method handler. It must be called before serving.
func (e *Endpoint) Handle(method string, h Handler) {
	e.opts.Handlers[method] = h
}

// Peers returns the number of open peer sockets.
func (e *Endpoint) Peers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.peers)
}

// ServeHTTP upgrades the request and serves the peer until it disconnects.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(e.opts.ReadLimit)

	p := e.newPeer(conn, r.RemoteAddr)
	if !e.register(p) {
		p.Close(protocol.CloseGoingAway, "")
		return
	}
	defer e.unregister(p)

	go p.writeLoop()
	p.readLoop()
}

// Close disconnects every peer with going away and waits for their
// handlers to return.
func (e *Endpoint) Close() {
	e.mu.Lock()
	e.closing = true
	peers := make([]*Peer, 0, len(e.peers))
	for p := range e.peers {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	for _, p := range peers {
		p.Close(protocol.CloseGoingAway, "")
	}
	e.wg.Wait()
}

func (e *Endpoint) register(p *Peer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.peers[p] = struct{}{}
	e.wg.Add(1)
	return true
}

func (e *Endpoint) unregister(p *Peer) {
	p.Close(protocol.CloseNormal, "")
	p.handlers.Wait()
	if p.Authenticated() {
		e.metrics.PeerDisconnected()
	}

	e.mu.Lock()
	delete(e.peers, p)
	e.mu.Unlock()
	e.wg.Done()

	p.logger.Info("peer disconnected", "reason", p.closeReason())
}

func (e *Endpoint) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// Peer is one connected socket.
type Peer struct {
	endpoint *Endpoint
	conn     *websocket.Conn
	remote   string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte
	done   chan struct{}

	authed    atomic.Bool
	mu        sync.Mutex
	subject   string
	connectID string
	reason    string

	closeOnce sync.Once
	handlers  sync.WaitGroup
}

func (e *Endpoint) newPeer(conn *websocket.Conn, remote string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		endpoint: e,
		conn:     conn,
		remote:   remote,
		logger:   e.logger.With("remote", remote),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, e.opts.SendQueue),
		done:     make(chan struct{}),
	}
}

// Authenticated reports whether the peer passed auth.
func (p *Peer) Authenticated() bool {
	return p.authed.Load()
}

// Subject returns the token subject the peer authenticated as.
func (p *Peer) Subject() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subject
}

// ConnectID returns the id issued on the peer's last successful auth.
func (p *Peer) ConnectID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectID
}

// Push queues an event for the peer. It reports false if the peer is
// closed or was just closed for overflowing its queue.
func (p *Peer) Push(ev *protocol.Event) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		p.logger.Error("encoding event", "event", ev.Event, "error", err)
		return true
	}
	return p.enqueue(data)
}

// Close sends a close frame and releases the socket. Later calls are no-ops.
func (p *Peer) Close(code int, reason string) {
	p.closeWith(code, reason)
}

// closeWith reports whether this call closed the peer.
func (p *Peer) closeWith(code int, reason string) bool {
	closed := false
	p.closeOnce.Do(func() {
		closed = true
		p.mu.Lock()
		p.reason = protocol.CloseReason(code, reason)
		p.mu.Unlock()

		// 1006 marks a dead stream and is never sent on the wire.
		if code != protocol.CloseAbnormal {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = p.conn.Close()
		close(p.done)
		p.cancel()
	})
	return closed
}

func (p *Peer) closeReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Peer) enqueue(data []byte) bool {
	select {
	case <-p.done:
		return false
	default:
	}

	select {
	case p.send <- data:
		return true
	case <-p.done:
		return false
	default:
		p.slowConsumer()
		return false
	}
}

func (p *Peer) slowConsumer() {
	if p.closeWith(protocol.CloseTryAgainLater, protocol.ReasonSlowConsumer) {
		p.logger.Warn("closed slow consumer", "queue", cap(p.send))
		p.endpoint.metrics.SlowConsumer()
	}
}

func (p *Peer) writeLoop() {
	timeout := p.endpoint.opts.WriteTimeout
	for {
		select {
		case data := <-p.send:
			if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				p.Close(protocol.CloseAbnormal, "")
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug("write failed", "error", err)
				p.Close(protocol.CloseAbnormal, "")
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Peer) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.logger.Debug("read ended", "error", err)
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			p.logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		req, ok := frame.(*protocol.Request)
		if !ok {
			p.logger.Debug("ignoring non-request frame", "kind", frame.Kind())
			continue
		}

		switch req.Method {
		case protocol.MethodAuth, protocol.MethodPing:
			p.dispatch(req)
		default:
			// Slow methods must not hold up pings queued behind them.
			p.handlers.Add(1)
			go func() {
				defer p.handlers.Done()
				p.dispatch(req)
			}()
		}
	}
}

func (p *Peer) dispatch(req *protocol.Request) {
	start := time.Now()
	result, err := p.call(req)
	p.endpoint.metrics.Request(req.Method, err, time.Since(start))

	resp := &protocol.Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = fmt.Sprintf("encoding result: %v", merr)
		} else {
			resp.Result = raw
		}
	}

	data, err := protocol.Encode(resp)
	if err != nil {
		p.logger.Error("encoding response", "method", req.Method, "error", err)
		return
	}
	if !p.enqueue(data) {
		return
	}

	if req.Method == protocol.MethodAuth && resp.Error == "" && p.Authenticated() {
		if hook := p.endpoint.opts.OnAuthenticated; hook != nil {
			hook(p)
		}
	}
}

func (p *Peer) call(req *protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodAuth:
		return p.authenticate(req.Params)
	case protocol.MethodPing:
		return protocol.PingResult{Pong: true}, nil
	}

	if !p.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if h, ok := p.endpoint.opts.Handlers[req.Method]; ok {
		return h(p.ctx, p, req.Params)
	}
	if fb := p.endpoint.opts.Fallback; fb != nil {
		return fb(p.ctx, p, req)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, req.Method)
}

func (p *Peer) authenticate(raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.AuthParams](raw)
	if err != nil {
		return nil, err
	}
	if p.Authenticated() {
		return protocol.AuthResult{Authenticated: true, ConnectID: p.ConnectID()}, nil
	}
	if params.Token == "" || p.endpoint.opts.Verifier == nil {
		p.logger.Warn("auth without token")
		return protocol.AuthResult{Authenticated: false}, nil
	}

	subject, err := p.endpoint.opts.Verifier.Verify(params.Token)
	if err != nil {
		p.logger.Warn("auth rejected", "error", err)
		return protocol.AuthResult{Authenticated: false}, nil
	}

	connectID := uuid.NewString()
	p.mu.Lock()
	p.subject = subject
	p.connectID = connectID
	p.mu.Unlock()

	// Subscribe before answering so nothing published after the client
	// sees auth succeed can slip past both replay and the live stream.
	if p.endpoint.opts.Events != nil {
		ch, _ := p.endpoint.opts.Events.Subscribe(p.ctx)
		go p.pump(ch)
	}
	p.authed.Store(true)
	p.endpoint.metrics.PeerConnected()
	p.logger.Info("peer authenticated", "subject", subject, "connect_id", connectID)

	return protocol.AuthResult{Authenticated: true, ConnectID: connectID}, nil
}

// pump forwards hub events to the peer. The hub closes ch when the peer
// falls behind, when the peer goes away, or on shutdown.
func (p *Peer) pump(ch <-chan *protocol.Event) {
	for ev := range ch {
		if !p.Push(ev) {
			return
		}
	}

	select {
	case <-p.done:
	default:
		if p.endpoint.isClosing() {
			p.Close(protocol.CloseGoingAway, "")
			return
		}
		p.slowConsumer()
	}
}

// decodeParams unmarshals request params. Missing params decode to the
// zero value.
func decodeParams[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return v, nil
}
