// ABOUTME: Gateway client: one connection, a three-state view of it, RPCs and listener fan-out
// ABOUTME: Talks to the relay directly or through a local bridge with the same surface

package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/connection"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
)

// DefaultRPCTimeout applies when RPC is called without a timeout.
const DefaultRPCTimeout = 30 * time.Second

// Transport modes.
const (
	ModeDirect = config.ModeDirect
	ModeBridge = config.ModeBridge
)

// ErrNotConnected is returned by RPC while the client is not connected.
var ErrNotConnected = errors.New("not connected")

// Options configures a Client.
type Options struct {
	// Mode is ModeDirect (the default) or ModeBridge.
	Mode   string
	Tokens connection.TokenSource

	Dialer  connection.Dialer
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	RPCTimeout    time.Duration
	AuthTimeout   time.Duration
	PingInterval  time.Duration
	PingTimeout   time.Duration
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter time.Duration
}

// Client is the public surface UI code uses to reach the relay.
type Client struct {
	opts    Options
	link    *connection.Machine
	logger  *slog.Logger
	bridged bool

	mu        sync.Mutex
	linkSt    connection.Status
	upstream  *protocol.BridgeState
	state     StateInfo
	listeners map[int]Listener
	nextID    int

	// deliverMu serializes notifications so listeners see state changes and
	// events in order.
	deliverMu sync.Mutex
	delivered StateInfo
}

// New creates a disconnected client.
func New(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = DefaultRPCTimeout
	}

	c := &Client{
		opts:      opts,
		logger:    opts.Logger.With("component", "client"),
		bridged:   opts.Mode == ModeBridge,
		linkSt:    connection.Status{State: connection.StateDisconnected},
		state:     StateInfo{State: StateDisconnected},
		delivered: StateInfo{State: StateDisconnected},
		listeners: make(map[int]Listener),
	}
	c.link = connection.New(connection.Options{
		Dialer:        opts.Dialer,
		Tokens:        opts.Tokens,
		Clock:         opts.Clock,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
		AuthTimeout:   opts.AuthTimeout,
		PingInterval:  opts.PingInterval,
		PingTimeout:   opts.PingTimeout,
		BackoffBase:   opts.BackoffBase,
		BackoffMax:    opts.BackoffMax,
		BackoffJitter: opts.BackoffJitter,
		OnStatus:      c.onLinkStatus,
		OnEvent:       c.onEvent,
	})
	return c
}

// NewFromConfig builds a client from the client and connection sections.
// The token is looked up from client.token, then client.token_env, then
// client.token_file.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) *Client {
	return New(Options{
		Mode:          cfg.Client.Mode,
		Tokens:        auth.NewSourceChain(cfg.Client.Token, cfg.Client.TokenEnv, cfg.Client.TokenFile, logger),
		Logger:        logger,
		RPCTimeout:    cfg.Connection.RPCTimeout,
		AuthTimeout:   cfg.Connection.AuthTimeout,
		PingInterval:  cfg.Connection.PingInterval,
		PingTimeout:   cfg.Connection.PingTimeout,
		BackoffBase:   cfg.Connection.BackoffBase,
		BackoffMax:    cfg.Connection.BackoffMax,
		BackoffJitter: cfg.Connection.BackoffJitter,
	})
}

// Connect starts connecting to url, or to the previous url when empty. It
// never blocks and is a no-op while a connection is open or opening.
func (c *Client) Connect(url string) {
	c.link.Connect(url)
}

// Disconnect closes the connection, rejects pending RPCs and stops
// reconnecting until the next Connect. Do not call it from a listener.
func (c *Client) Disconnect() {
	c.link.Disconnect()
}

// Close disconnects and releases the client.
func (c *Client) Close() error {
	return c.link.Close()
}

// State returns the current client state.
func (c *Client) State() StateInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RPC calls method and waits for its result. It fails at once with
// ErrNotConnected unless the client is connected. A non-positive timeout
// uses the configured default.
func (c *Client) RPC(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if c.State().State != StateConnected {
		return nil, ErrNotConnected
	}
	if timeout <= 0 {
		timeout = c.opts.RPCTimeout
	}
	return c.link.Call(ctx, method, params, timeout)
}

// Subscribe registers l and tells it the current state before returning.
// The returned func removes l; it is safe to call from a callback.
func (c *Client) Subscribe(l Listener) func() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	current := c.state
	c.mu.Unlock()

	l.StateChanged(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Client) onLinkStatus(st connection.Status) {
	c.mu.Lock()
	c.linkSt = st
	if st.State != connection.StateAuthenticated {
		// Upstream news is stale once the local link drops.
		c.upstream = nil
	}
	c.mu.Unlock()
	c.publishState()
}

func (c *Client) onEvent(ev *protocol.Event) {
	if ev.Event == protocol.EventBridgeState && c.bridged {
		var bs protocol.BridgeState
		if err := json.Unmarshal(ev.Data, &bs); err != nil {
			c.logger.Warn("ignoring malformed bridge state", "error", err)
			return
		}
		c.mu.Lock()
		c.upstream = &bs
		c.mu.Unlock()
		c.publishState()
		return
	}

	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	for _, l := range c.snapshot() {
		l.EventReceived(ev)
	}
}

// publishState recomputes the client state and notifies listeners when it
// changed.
func (c *Client) publishState() {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.bridged {
		c.state = collapseBridged(c.linkSt, c.upstream)
	} else {
		c.state = collapse(c.linkSt)
	}
	info := c.state
	c.mu.Unlock()

	if info == c.delivered {
		return
	}
	c.delivered = info

	c.logger.Debug("state changed", "state", info.State, "reason", info.Reason)
	for _, l := range c.snapshot() {
		l.StateChanged(info)
	}
}

func (c *Client) snapshot() []Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}
