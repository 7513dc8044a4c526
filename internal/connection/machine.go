// ABOUTME: Connection state machine: dial, auth handshake, heartbeat and backoff reconnect
// ABOUTME: One control loop goroutine owns all state; everything else posts closures to it

package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/rpc"
)

// Protocol timing defaults.
const (
	DefaultAuthTimeout   = 5 * time.Second
	DefaultPingInterval  = 10 * time.Second
	DefaultPingTimeout   = 5 * time.Second
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 10 * time.Second
	DefaultBackoffJitter = 250 * time.Millisecond
)

// opsBuffer bounds closures queued for the control loop.
const opsBuffer = 64

// TokenSource supplies the bearer token sent in auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// invalidator is implemented by token sources that can drop a token the far
// end rejected, such as auth.CredentialChain.
type invalidator interface {
	Invalidate()
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Options configures a Machine. Zero values take the defaults above.
type Options struct {
	Dialer  Dialer
	Tokens  TokenSource
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	AuthTimeout   time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration

	// Rand returns jitter fractions in [0,1). Defaults to math/rand.
	Rand func() float64

	// OnStatus runs on the control loop after every transition. It must not
	// call Disconnect or Close synchronously.
	OnStatus func(Status)
	// OnEvent runs on the socket reader goroutine in arrival order.
	OnEvent func(*protocol.Event)
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = WebSocketDialer{}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = DefaultBackoffMax
	}
	if o.BackoffJitter < 0 {
		o.BackoffJitter = 0
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

// Machine owns one client socket and keeps it authenticated.
type Machine struct {
	opts    Options
	mux     *rpc.Multiplexer
	logger  *slog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	stop   chan struct{}
	done   chan struct{}

	// Owned by the control loop.
	status     Status
	url        string
	manual     bool
	sock       Socket
	gen        uint64
	cancelDial context.CancelFunc
	timers     *timers

	// liveGen mirrors gen for the reader goroutine.
	liveGen atomic.Uint64
	// pingGen is the socket generation of the ping in flight, 0 when none.
	pingGen atomic.Uint64

	snapMu sync.RWMutex
	snap   Status

	closeOnce sync.Once
}

// New creates a disconnected machine and starts its control loop.
func New(opts Options) *Machine {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With("component", "connection")

	m := &Machine{
		opts:    opts,
		mux:     rpc.NewMultiplexer(opts.Clock, opts.Logger),
		logger:  logger,
		metrics: opts.Metrics,
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func(), opsBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		status:  Status{State: StateDisconnected},
		snap:    Status{State: StateDisconnected},
	}
	m.timers = newTimers(opts.Clock, func(op func()) { m.post(op) })

	go m.run()
	return m
}

// Connect starts connecting to url, or to the last url when empty. It is a
// no-op while a socket is open or being opened, and clears a previous
// Disconnect.
func (m *Machine) Connect(url string) {
	m.post(func() {
		if url != "" {
			m.url = url
		}
		if m.status.State.Active() {
			return
		}
		if m.url == "" {
			m.logger.Error("connect called without a url")
			return
		}
		m.manual = false
		m.timers.stop(timerReconnect)
		m.dial()
	})
}

// Disconnect closes the socket with a normal close, rejects pending calls
// and stops reconnecting until the next Connect. It returns once the
// machine reports disconnected.
func (m *Machine) Disconnect() {
	m.do(func() {
		m.manual = true
		m.timers.stopAll()
		if m.sock != nil {
			m.sock.Close(protocol.CloseNormal, protocol.ReasonManual)
		}
		m.teardown(protocol.ReasonManual)

		st := m.status
		st.State = StateDisconnected
		st.Reason = protocol.ReasonManual
		st.RetryIn = 0
		m.setStatus(st)
		m.logger.Info("disconnected by request")
	})
}

// Call sends method over the current socket and waits for its response.
func (m *Machine) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	res, err := m.mux.Send(ctx, method, params, timeout)
	if errors.Is(err, rpc.ErrTimeout) {
		m.metrics.RPCTimeout()
	}
	return res, err
}

// Status returns the latest status.
func (m *Machine) Status() Status {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// PendingCalls returns the number of calls awaiting a response.
func (m *Machine) PendingCalls() int {
	return m.mux.Pending()
}

// Close disconnects and stops the control loop.
func (m *Machine) Close() error {
	m.closeOnce.Do(func() {
		m.Disconnect()
		close(m.stop)
		m.cancel()
		<-m.done
	})
	return nil
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.stop:
			return
		}
	}
}

// post queues op for the control loop. It reports false once the machine
// is closed.
func (m *Machine) post(op func()) bool {
	select {
	case m.ops <- op:
		return true
	case <-m.stop:
		return false
	}
}

// do runs op on the control loop and waits for it.
func (m *Machine) do(op func()) {
	done := make(chan struct{})
	if !m.post(func() {
		op()
		close(done)
	}) {
		return
	}
	select {
	case <-done:
	case <-m.stop:
	}
}

func (m *Machine) setStatus(st Status) {
	m.status = st
	m.snapMu.Lock()
	m.snap = st
	m.snapMu.Unlock()

	if m.opts.OnStatus != nil {
		m.opts.OnStatus(st)
	}
}

func (m *Machine) setState(state State) {
	st := m.status
	st.State = state
	st.Reason = ""
	st.RetryIn = 0
	m.setStatus(st)
}

// advanceGen invalidates callbacks bound to the previous socket.
func (m *Machine) advanceGen() uint64 {
	m.gen++
	m.liveGen.Store(m.gen)
	return m.gen
}

func (m *Machine) dial() {
	gen := m.advanceGen()
	ctx, cancel := context.WithCancel(m.ctx)
	m.cancelDial = cancel
	m.setState(StateConnecting)

	url := m.url
	m.logger.Debug("dialing", "url", url, "attempt", m.status.ReconnectAttempt)
	go func() {
		sock, err := m.opts.Dialer.Dial(ctx, url)
		if !m.post(func() { m.opened(gen, sock, err) }) && sock != nil {
			sock.Close(protocol.CloseGoingAway, "")
		}
	}()
}

func (m *Machine) opened(gen uint64, sock Socket, err error) {
	if gen != m.gen {
		if sock != nil {
			sock.Close(protocol.CloseNormal, "")
		}
		return
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if err != nil {
		m.logger.Warn("dial failed", "url", m.url, "error", err)
		m.dropped(protocol.CloseReason(protocol.CloseAbnormal, ""))
		return
	}

	m.sock = sock
	m.mux.Attach(sock.WriteMessage)
	m.setState(StateConnected)

	go m.readLoop(gen, sock)
	go m.authenticate(gen)
}

func (m *Machine) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			reason := reasonFromErr(err)
			m.post(func() { m.remoteClosed(gen, reason, err) })
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		switch f := frame.(type) {
		case *protocol.Response:
			m.mux.Resolve(f)
		case *protocol.Event:
			if m.opts.OnEvent != nil && m.liveGen.Load() == gen {
				m.opts.OnEvent(f)
			}
		case *protocol.Request:
			m.logger.Debug("ignoring request from server", "method", f.Method)
		}
	}
}

func (m *Machine) authenticate(gen uint64) {
	var token string
	var err error
	if m.opts.Tokens != nil {
		token, err = m.opts.Tokens.Token(m.ctx)
	}
	if err != nil || token == "" {
		m.logger.Warn("no token available for auth", "error", err)
		m.post(func() { m.closeLocal(gen, protocol.CloseMissingToken) })
		return
	}

	raw, err := m.mux.Send(m.ctx, protocol.MethodAuth, protocol.AuthParams{Token: token}, m.opts.AuthTimeout)
	m.post(func() { m.authDone(gen, raw, err) })
}

func (m *Machine) authDone(gen uint64, raw json.RawMessage, err error) {
	if gen != m.gen {
		return
	}
	switch {
	case errors.Is(err, rpc.ErrTimeout):
		m.metrics.RPCTimeout()
		m.closeLocal(gen, protocol.CloseAuthTimeout)
		return
	case errors.Is(err, rpc.ErrConnectionClosed), errors.Is(err, context.Canceled):
		// The socket is already going down; its close path reconnects.
		return
	case err != nil:
		m.authRejected(gen, err)
		return
	}

	var res protocol.AuthResult
	if err := json.Unmarshal(raw, &res); err != nil {
		m.authRejected(gen, err)
		return
	}
	if !res.Authenticated {
		m.authRejected(gen, errors.New("not authenticated"))
		return
	}

	m.timers.set(timerHeartbeat, m.opts.PingInterval, m.heartbeat)

	st := m.status
	st.State = StateAuthenticated
	st.Reason = ""
	st.RetryIn = 0
	st.ReconnectAttempt = 0
	st.ConnectID = res.ConnectID
	m.setStatus(st)
	m.logger.Info("authenticated", "connect_id", res.ConnectID, "reconnect_count", st.ReconnectCount)
}

func (m *Machine) authRejected(gen uint64, err error) {
	m.logger.Warn("auth rejected", "error", err)
	if inv, ok := m.opts.Tokens.(invalidator); ok {
		inv.Invalidate()
	}
	m.closeLocal(gen, protocol.CloseAuthFailed)
}

func (m *Machine) heartbeat() {
	if m.status.State != StateAuthenticated {
		return
	}
	if m.pingGen.Load() == m.gen {
		m.logger.Warn("previous ping still outstanding")
		m.closeLocal(m.gen, protocol.ClosePingTimeout)
		return
	}

	gen := m.gen
	m.pingGen.Store(gen)
	m.timers.set(timerHeartbeat, m.opts.PingInterval, m.heartbeat)

	go func() {
		_, err := m.mux.Send(m.ctx, protocol.MethodPing, nil, m.opts.PingTimeout)
		m.pingGen.CompareAndSwap(gen, 0)
		if errors.Is(err, rpc.ErrTimeout) {
			m.post(func() { m.pingTimedOut(gen) })
		}
	}()
}

func (m *Machine) pingTimedOut(gen uint64) {
	if gen != m.gen {
		return
	}
	m.metrics.RPCTimeout()
	m.logger.Warn("ping timed out")
	m.closeLocal(gen, protocol.ClosePingTimeout)
}

// closeLocal closes the current socket with an application code and
// reconnects.
func (m *Machine) closeLocal(gen uint64, code int) {
	if gen != m.gen || m.sock == nil {
		return
	}
	reason := protocol.CloseReason(code, "")
	m.sock.Close(code, reason)
	m.dropped(reason)
}

func (m *Machine) remoteClosed(gen uint64, reason string, err error) {
	if gen != m.gen {
		return
	}
	m.logger.Info("socket closed", "reason", reason, "error", err)
	m.dropped(reason)
}

// dropped handles any close not requested through Disconnect.
func (m *Machine) dropped(reason string) {
	m.teardown(reason)
	if m.manual {
		return
	}
	m.scheduleReconnect(reason)
}

// teardown releases the socket and everything bound to it.
func (m *Machine) teardown(reason string) {
	m.advanceGen()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.timers.stop(timerHeartbeat)
	m.pingGen.Store(0)
	if m.sock != nil {
		m.sock.Close(protocol.CloseNormal, "")
		m.sock = nil
	}
	m.mux.Detach(errors.New(reason))
	m.status.ConnectID = ""
}

func (m *Machine) scheduleReconnect(reason string) {
	delay := Backoff(m.status.ReconnectAttempt, m.opts.BackoffBase, m.opts.BackoffMax) +
		jitter(m.opts.Rand(), m.opts.BackoffJitter)

	st := m.status
	st.State = StateDisconnected
	st.Reason = reason
	st.RetryIn = delay
	st.ReconnectAttempt++
	st.ReconnectCount++
	st.ConnectID = ""

	m.metrics.Reconnect()
	m.timers.set(timerReconnect, delay, m.reconnect)
	m.logger.Info("reconnect scheduled", "reason", reason, "retry_in", delay, "attempt", st.ReconnectAttempt)
	m.setStatus(st)
}

func (m *Machine) reconnect() {
	if m.manual || m.status.State != StateDisconnected {
		return
	}
	m.dial()
}
