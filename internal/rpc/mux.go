// ABOUTME: Correlation-id request/reply multiplexer over a single socket
// ABOUTME: Every pending call ends in a result, a timeout, or a drain on disconnect

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-relay/internal/clock"
	"github.com/2389/coven-relay/internal/protocol"
)

// WriteFunc sends one encoded frame on the current socket.
type WriteFunc func(data []byte) error

// outcome resolves one pending call.
type outcome struct {
	result json.RawMessage
	err    error
}

// pending is one outstanding call. done is buffered so the resolver never blocks.
type pending struct {
	method string
	done   chan outcome
	timer  clock.Timer
}

// Multiplexer correlates requests and responses by id.
type Multiplexer struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pending
	write   WriteFunc
	clock   clock.Clock
	logger  *slog.Logger
}

// NewMultiplexer creates a multiplexer with no socket attached. Pass nil
// clock or logger for defaults.
func NewMultiplexer(clk clock.Clock, logger *slog.Logger) *Multiplexer {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		pending: make(map[uint64]*pending),
		clock:   clk,
		logger:  logger.With("component", "rpc"),
	}
}

// Attach installs the writer for a freshly opened socket.
func (m *Multiplexer) Attach(write WriteFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write = write
}

// Detach removes the writer and rejects every outstanding call with
// ErrConnectionClosed wrapping cause.
func (m *Multiplexer) Detach(cause error) {
	m.mu.Lock()
	m.write = nil
	drained := m.pending
	m.pending = make(map[uint64]*pending)
	m.mu.Unlock()

	err := ErrConnectionClosed
	if cause != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	}
	for id, p := range drained {
		p.timer.Stop()
		p.done <- outcome{err: err}
		m.logger.Debug("rejected pending call on disconnect", "id", id, "method", p.method)
	}
}

// Send issues method with params and waits for its response, the timeout, or
// ctx cancellation. A non-positive timeout waits on ctx alone.
func (m *Multiplexer) Send(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	m.mu.Lock()
	if m.write == nil {
		m.mu.Unlock()
		return nil, ErrConnectionClosed
	}

	m.nextID++
	id := m.nextID
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	data, err := protocol.Encode(req)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	p := &pending{method: method, done: make(chan outcome, 1)}
	if timeout > 0 {
		p.timer = m.clock.AfterFunc(timeout, func() { m.expire(id) })
	} else {
		p.timer = noopTimer{}
	}
	m.pending[id] = p
	write := m.write
	m.mu.Unlock()

	if err := write(data); err != nil {
		m.forget(id)
		return nil, fmt.Errorf("%w: writing %s: %v", ErrConnectionClosed, method, err)
	}

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		m.forget(id)
		return nil, ctx.Err()
	}
}

// Resolve delivers a response to its pending call. Responses for unknown ids,
// such as ones arriving after a local timeout, are dropped.
func (m *Multiplexer) Resolve(resp *protocol.Response) {
	m.mu.Lock()
	p, ok := m.pending[resp.ID]
	if ok {
		delete(m.pending, resp.ID)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Debug("dropping response for unknown id", "id", resp.ID)
		return
	}

	p.timer.Stop()
	if resp.Error != "" {
		p.done <- outcome{err: &RemoteError{Method: p.method, Message: resp.Error}}
		return
	}
	p.done <- outcome{result: resp.Result}
}

// Pending returns the number of outstanding calls.
func (m *Multiplexer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// expire rejects a call whose deadline passed.
func (m *Multiplexer) expire(id uint64) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	m.logger.Debug("rpc timed out", "id", id, "method", p.method)
	p.done <- outcome{err: fmt.Errorf("%w: %s", ErrTimeout, p.method)}
}

// forget removes a call without resolving it; the caller already returned.
func (m *Multiplexer) forget(id uint64) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if ok {
		p.timer.Stop()
	}
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return false }
