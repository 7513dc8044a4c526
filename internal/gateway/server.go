// ABOUTME: Agent-side relay server owning the event log, the live fan-out and the HTTP listener
// ABOUTME: Serves the events.* and sessions.* methods over the socket endpoint plus health and metrics

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/fanout"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// Methods served by the relay server.
const (
	MethodAppend          = "events.append"
	MethodReplay          = "events.replay"
	MethodSince           = "events.since"
	MethodPrune           = "events.prune"
	MethodSessionComplete = "sessions.complete"
	MethodSessionDelete   = "sessions.delete"
	MethodEcho            = "echo"
)

// DefaultShutdownTimeout bounds graceful shutdown when the config leaves it unset.
const DefaultShutdownTimeout = 5 * time.Second

var errSessionKeyRequired = fmt.Errorf("%w: sessionKey is required", ErrInvalidParams)

// Server is the agent-side relay.
type Server struct {
	config   *config.Config
	store    store.EventLog
	events   *fanout.Broadcaster[*protocol.Event]
	endpoint *Endpoint
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	logger   *slog.Logger

	httpServer *http.Server

	// publishMu spans append and fan-out so pushes leave in seq order.
	publishMu sync.Mutex

	mu   sync.Mutex
	addr net.Addr
}

// New opens the event log at cfg.Database.Path and builds a server that
// verifies peers against cfg.Auth.JWTSecret.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	logger.Info("opened event log", "path", cfg.Database.Path)

	return NewWithStore(cfg, st, verifier, logger), nil
}

// NewWithStore builds a server around an already open event log. The
// server owns st and closes it on Shutdown.
func NewWithStore(cfg *config.Config, st store.EventLog, verifier auth.TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	events := fanout.New[*protocol.Event](cfg.Server.SendQueue, logger)

	s := &Server{
		config:   cfg,
		store:    st,
		events:   events,
		metrics:  m,
		registry: registry,
		logger:   logger.With("component", "gateway"),
	}

	s.endpoint = NewEndpoint(EndpointOptions{
		Verifier: verifier,
		Events:   events,
		Handlers: map[string]Handler{
			MethodAppend:          s.handleAppend,
			MethodReplay:          s.handleReplay,
			MethodSince:           s.handleSince,
			MethodPrune:           s.handlePrune,
			MethodSessionComplete: s.handleSessionComplete,
			MethodSessionDelete:   s.handleSessionDelete,
			MethodEcho:            handleEcho,
		},
		SendQueue:    cfg.Server.SendQueue,
		ReadLimit:    cfg.Server.ReadLimit,
		WriteTimeout: cfg.Server.WriteTimeout,
		Metrics:      m,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", s.endpoint)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler(registry))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Store returns the server's event log.
func (s *Server) Store() store.EventLog {
	return s.store
}

// Metrics returns the server's instruments.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Addr returns the bound listener address once Run has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Publish appends an event to the log and pushes it to every live peer.
func (s *Server) Publish(ctx context.Context, sessionKey, eventType string, payload json.RawMessage) (store.Event, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	ev, err := s.store.Append(ctx, sessionKey, eventType, payload)
	if err != nil {
		return store.Event{}, err
	}
	s.metrics.Appended()

	frame, err := protocol.NewEvent(protocol.EventSession, ev, &ev.Seq)
	if err != nil {
		return ev, err
	}
	if dropped := s.events.Publish(frame); dropped > 0 {
		s.logger.Warn("slow peers dropped from fan-out", "count", dropped, "seq", ev.Seq)
	}
	return ev, nil
}

// startServers starts the HTTP server in a goroutine, returning its error channel.
func (s *Server) startServers(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		return err
	}
}

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown, or the error that stopped the server.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		s.shutdownNow()
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	errCh := s.startServers(ln)
	serverErr := s.waitForShutdownSignal(ctx, errCh)
	shutdownErr := s.shutdownNow()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownNow runs Shutdown with a fresh context, since the caller's is
// usually already canceled.
func (s *Server) shutdownNow() error {
	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown disconnects every peer, stops the HTTP server and closes the
// event log.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway")

	s.endpoint.Close()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	s.events.Close()
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleAppend(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.AppendParams](raw)
	if err != nil {
		return nil, err
	}
	var payload json.RawMessage
	if params.Payload != nil {
		payload, err = json.Marshal(params.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidParams, err)
		}
	}

	ev, err := s.Publish(ctx, params.SessionKey, params.EventType, payload)
	if err != nil {
		return nil, err
	}
	return protocol.AppendResult{Seq: ev.Seq}, nil
}

func (s *Server) handleReplay(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.ReplayParams](raw)
	if err != nil {
		return nil, err
	}
	limit := pageLimit(params.Limit)

	events, err := s.store.QueryByCursors(ctx, params.Cursors, limit)
	if err != nil {
		return nil, err
	}
	s.metrics.Replayed(len(events))
	return protocol.ReplayResult{Events: nonNil(events), HasMore: len(events) == limit}, nil
}

func (s *Server) handleSince(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.SinceParams](raw)
	if err != nil {
		return nil, err
	}
	events, err := s.store.QueryAfter(ctx, params.SessionKeys, params.AfterSeq)
	if err != nil {
		return nil, err
	}
	s.metrics.Replayed(len(events))
	return protocol.EventsResult{Events: nonNil(events)}, nil
}

func (s *Server) handlePrune(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.PruneParams](raw)
	if err != nil {
		return nil, err
	}
	if params.SessionKey == "" {
		return nil, errSessionKeyRequired
	}
	n, err := s.store.Prune(ctx, params.SessionKey, params.UptoSeq)
	if err != nil {
		return nil, err
	}
	s.metrics.Pruned(n)
	s.logger.Debug("pruned session", "session_key", params.SessionKey, "upto_seq", params.UptoSeq, "deleted", n)
	return protocol.DeletedResult{Deleted: n}, nil
}

// handleSessionComplete prunes everything a finished run produced so far.
func (s *Server) handleSessionComplete(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.SessionParams](raw)
	if err != nil {
		return nil, err
	}
	if params.SessionKey == "" {
		return nil, errSessionKeyRequired
	}
	latest, err := s.store.LatestSeq(ctx, params.SessionKey)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return protocol.DeletedResult{}, nil
	}
	n, err := s.store.Prune(ctx, params.SessionKey, latest)
	if err != nil {
		return nil, err
	}
	s.metrics.Pruned(n)
	s.logger.Info("session completed", "session_key", params.SessionKey, "latest_seq", latest, "deleted", n)
	return protocol.DeletedResult{Deleted: n}, nil
}

func (s *Server) handleSessionDelete(ctx context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	params, err := decodeParams[protocol.SessionParams](raw)
	if err != nil {
		return nil, err
	}
	if params.SessionKey == "" {
		return nil, errSessionKeyRequired
	}
	n, err := s.store.DeleteSession(ctx, params.SessionKey)
	if err != nil {
		return nil, err
	}
	s.metrics.Pruned(n)
	return protocol.DeletedResult{Deleted: n}, nil
}

func handleEcho(_ context.Context, _ *Peer, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the event log answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "event log unavailable: %v", err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d peers)", s.endpoint.Peers())
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return store.DefaultPageSize
	}
	return min(limit, store.MaxPageSize)
}

func nonNil(events []store.Event) []store.Event {
	if events == nil {
		return []store.Event{}
	}
	return events
}
