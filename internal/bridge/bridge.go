// ABOUTME: Local bridge process that holds the single upstream connection for many local consumers
// ABOUTME: Forwards requests upstream, fans events out locally and reports upstream state as bridge.state

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/connection"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/fanout"
	"github.com/2389/coven-relay/internal/gateway"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/rpc"
)

// Bridge defaults.
const (
	DefaultRPCTimeout = 30 * time.Second
	DefaultDedupeSize = 10000
	DefaultDedupeTTL  = 5 * time.Minute
)

// ErrUpstreamNotConnected is returned to local consumers while the upstream
// socket is not authenticated.
var ErrUpstreamNotConnected = errors.New("upstream_not_connected")

// Options configures a Bridge.
type Options struct {
	ListenAddr  string
	UpstreamURL string

	// Upstream supplies the token the bridge authenticates upstream with.
	Upstream connection.TokenSource
	// Verifier checks local consumers' tokens.
	Verifier auth.TokenVerifier

	Dialer connection.Dialer
	Clock  clock.Clock

	RPCTimeout    time.Duration
	AuthTimeout   time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration

	DedupeSize int
	DedupeTTL  time.Duration

	SendQueue    int
	ReadLimit    int64
	WriteTimeout time.Duration

	// Registry receives the bridge's metrics. Nil creates a private one.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Bridge multiplexes local consumers over one upstream connection.
type Bridge struct {
	opts     Options
	upstream *connection.Machine
	endpoint *gateway.Endpoint
	hub      *fanout.Broadcaster[*protocol.Event]
	seen     *dedupe.Cache
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger

	httpServer *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// New builds a bridge. The upstream connection is idle until Start or Run.
func New(opts Options) *Bridge {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = DefaultDedupeSize
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	m := metrics.New(opts.Registry)
	b := &Bridge{
		opts:     opts,
		hub:      fanout.New[*protocol.Event](opts.SendQueue, opts.Logger),
		seen:     dedupe.NewWithClock(opts.DedupeTTL, opts.DedupeSize, opts.Clock),
		metrics:  m,
		registry: opts.Registry,
		logger:   opts.Logger.With("component", "bridge"),
	}

	b.upstream = connection.New(connection.Options{
		Dialer:        opts.Dialer,
		Tokens:        opts.Upstream,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Metrics:       m,
		AuthTimeout:   opts.AuthTimeout,
		PingInterval:  opts.PingInterval,
		PingTimeout:   opts.PingTimeout,
		BackoffBase:   opts.BackoffBase,
		BackoffMax:    opts.BackoffMax,
		BackoffJitter: opts.BackoffJitter,
		OnStatus:      b.onUpstreamStatus,
		OnEvent:       b.onUpstreamEvent,
	})

	b.endpoint = gateway.NewEndpoint(gateway.EndpointOptions{
		Verifier:        opts.Verifier,
		Events:          b.hub,
		Fallback:        b.forward,
		OnAuthenticated: b.onLocalAuthenticated,
		SendQueue:       opts.SendQueue,
		ReadLimit:       opts.ReadLimit,
		WriteTimeout:    opts.WriteTimeout,
		Metrics:         m,
		Logger:          opts.Logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", b.endpoint)
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/health/ready", b.handleReady)
	mux.Handle("/metrics", metrics.Handler(b.registry))

	b.httpServer = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return b
}

// NewFromConfig builds a bridge from the bridge and connection sections.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Bridge, error) {
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Bridge.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating local token verifier: %w", err)
	}
	tokens := auth.NewSourceChain(cfg.Bridge.UpstreamToken, cfg.Bridge.UpstreamTokenEnv, cfg.Bridge.UpstreamTokenFile, logger)

	return New(Options{
		ListenAddr:    cfg.Bridge.ListenAddr,
		UpstreamURL:   cfg.Bridge.UpstreamURL,
		Upstream:      tokens,
		Verifier:      verifier,
		RPCTimeout:    cfg.Connection.RPCTimeout,
		AuthTimeout:   cfg.Connection.AuthTimeout,
		PingInterval:  cfg.Connection.PingInterval,
		PingTimeout:   cfg.Connection.PingTimeout,
		BackoffBase:   cfg.Connection.BackoffBase,
		BackoffMax:    cfg.Connection.BackoffMax,
		BackoffJitter: cfg.Connection.BackoffJitter,
		DedupeSize:    cfg.Bridge.DedupeSize,
		DedupeTTL:     cfg.Bridge.DedupeTTL,
		SendQueue:     cfg.Server.SendQueue,
		ReadLimit:     cfg.Server.ReadLimit,
		WriteTimeout:  cfg.Server.WriteTimeout,
		Logger:        logger,
	}), nil
}

// Handler returns the local HTTP handler.
func (b *Bridge) Handler() http.Handler {
	return b.httpServer.Handler
}

// Upstream returns the upstream connection status.
func (b *Bridge) Upstream() connection.Status {
	return b.upstream.Status()
}

// Addr returns the bound local address once Run is listening.
func (b *Bridge) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// Start begins connecting upstream.
func (b *Bridge) Start() {
	b.logger.Info("connecting upstream", "url", b.opts.UpstreamURL)
	b.upstream.Connect(b.opts.UpstreamURL)
}

// Run connects upstream, serves local consumers and blocks until ctx is
// canceled.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.opts.ListenAddr)
	if err != nil {
		b.Close()
		return fmt.Errorf("listening on bridge address: %w", err)
	}
	b.mu.Lock()
	b.addr = ln.Addr()
	b.mu.Unlock()

	b.Start()

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("bridge listening", "addr", ln.Addr().String())
		if err := b.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		b.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gateway.DefaultShutdownTimeout)
	defer cancel()
	shutdownErr := b.httpServer.Shutdown(shutdownCtx)
	b.Close()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Close disconnects local consumers and the upstream socket.
func (b *Bridge) Close() {
	b.endpoint.Close()
	_ = b.upstream.Close()
	b.hub.Close()
	b.seen.Close()
}

// forward relays a local request upstream and hands back its result.
func (b *Bridge) forward(ctx context.Context, _ *gateway.Peer, req *protocol.Request) (any, error) {
	if b.upstream.Status().State != connection.StateAuthenticated {
		return nil, ErrUpstreamNotConnected
	}

	raw, err := b.upstream.Call(ctx, req.Method, req.Params, b.opts.RPCTimeout)
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			return nil, errors.New(remote.Message)
		}
		b.logger.Warn("forwarding failed", "method", req.Method, "error", err)
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func (b *Bridge) onUpstreamEvent(ev *protocol.Event) {
	if ev.Event == protocol.EventSession && ev.Seq != nil {
		if b.seen.CheckAndMark(strconv.FormatInt(*ev.Seq, 10)) {
			b.metrics.Duplicate()
			b.logger.Debug("dropping redelivered event", "seq", *ev.Seq)
			return
		}
	}
	b.hub.Publish(ev)
}

func (b *Bridge) onUpstreamStatus(st connection.Status) {
	ev, err := stateEvent(st)
	if err != nil {
		b.logger.Error("encoding bridge state", "error", err)
		return
	}
	b.hub.Publish(ev)
}

// onLocalAuthenticated tells a newly authenticated consumer where upstream
// stands.
func (b *Bridge) onLocalAuthenticated(p *gateway.Peer) {
	ev, err := stateEvent(b.upstream.Status())
	if err != nil {
		b.logger.Error("encoding bridge state", "error", err)
		return
	}
	p.Push(ev)
}

func stateEvent(st connection.Status) (*protocol.Event, error) {
	return protocol.NewEvent(protocol.EventBridgeState, protocol.BridgeState{
		State:            string(st.State),
		Reason:           st.Reason,
		RetryInMs:        st.RetryIn.Milliseconds(),
		ReconnectCount:   st.ReconnectCount,
		ReconnectAttempt: st.ReconnectAttempt,
		ConnectID:        st.ConnectID,
	}, nil)
}

// handleHealth returns 200 OK if the bridge process is alive.
func (b *Bridge) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports the upstream connection as JSON; 200 only while it
// is authenticated.
func (b *Bridge) handleReady(w http.ResponseWriter, r *http.Request) {
	st := b.upstream.Status()
	status := http.StatusOK
	if st.State != connection.StateAuthenticated {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"upstream":        st.State,
		"reason":          st.Reason,
		"reconnect_count": st.ReconnectCount,
		"local_peers":     b.endpoint.Peers(),
	})
}
