// ABOUTME: Tracks the sessions a UI follows and catches them up after every (re)connect
// ABOUTME: Applies each event once, in seq order, advancing a per-session cursor

package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/store"
)

// DefaultPageSize is the catch-up page size when none is configured.
const DefaultPageSize = store.DefaultPageSize

var (
	errSuperseded  = errors.New("catch-up superseded")
	errStalledPage = errors.New("replay page did not advance any cursor")
)

// Options configures a Coordinator.
type Options struct {
	Fetcher Fetcher
	// Apply receives every accepted event exactly once per cursor position.
	// It runs on coordinator goroutines and must not block for long.
	Apply func(store.Event)
	// PageSize bounds each catch-up page; capped at store.MaxPageSize.
	PageSize int
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Coordinator keeps one cursor per tracked session and drives catch-up
// through its Fetcher. It is a client.Listener.
type Coordinator struct {
	fetcher  Fetcher
	apply    func(store.Event)
	pageSize int
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// applyMu orders calls to apply. It is taken before mu, never after.
	applyMu sync.Mutex

	mu        sync.Mutex
	cursors   store.Cursors
	connected bool
	connectID string
	gen       uint64
	running   bool
	rerun     bool
	buffer    []store.Event
	cancel    context.CancelFunc
	closed    bool

	// stale is set after a failed catch-up; live events are dropped until
	// the next catch-up fetches them.
	stale bool

	wg sync.WaitGroup
}

var _ client.Listener = (*Coordinator)(nil)

// New creates a coordinator tracking no sessions.
func New(opts Options) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Apply == nil {
		opts.Apply = func(store.Event) {}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > store.MaxPageSize {
		pageSize = store.MaxPageSize
	}
	return &Coordinator{
		fetcher:  opts.Fetcher,
		apply:    opts.Apply,
		pageSize: pageSize,
		metrics:  opts.Metrics,
		logger:   opts.Logger.With("component", "session"),
		cursors:  make(store.Cursors),
	}
}

// Track starts following key from the beginning of its log.
func (c *Coordinator) Track(key string) {
	c.TrackFrom(key, 0)
}

// TrackFrom starts following key with everything up to afterSeq already
// seen. Tracking a key twice keeps the existing cursor. While connected it
// catches the session up immediately.
func (c *Coordinator) TrackFrom(key string, afterSeq int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cursors[key]; ok {
		return
	}
	c.cursors[key] = afterSeq
	if c.connected {
		c.startLocked()
	}
}

// Untrack stops following key and forgets its cursor.
func (c *Coordinator) Untrack(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, key)
}

// Cursor returns the last applied seq for key.
func (c *Coordinator) Cursor(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.cursors[key]
	return seq, ok
}

// Tracked returns the tracked session keys, sorted.
func (c *Coordinator) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.cursors.Keys()
	slices.Sort(keys)
	return keys
}

// Cursors returns a copy of every tracked session's cursor, for persisting
// watermarks across restarts.
func (c *Coordinator) Cursors() store.Cursors {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.cursors)
}

// CatchingUp reports whether a catch-up is in flight.
func (c *Coordinator) CatchingUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// StateChanged starts a catch-up on every transition into connected. A new
// ConnectID while connected counts as a fresh connection.
func (c *Coordinator) StateChanged(s client.StateInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.State != client.StateConnected {
		if c.connected {
			c.connected = false
			c.stopLocked()
		}
		return
	}

	fresh := !c.connected || s.ConnectID != c.connectID
	c.connected = true
	c.connectID = s.ConnectID
	if fresh {
		c.stopLocked()
		c.startLocked()
	}
}

// EventReceived applies a live session event, or buffers it while a
// catch-up is running.
func (c *Coordinator) EventReceived(ev *protocol.Event) {
	if ev.Event != protocol.EventSession {
		return
	}
	var rec store.Event
	if err := json.Unmarshal(ev.Data, &rec); err != nil {
		c.logger.Warn("ignoring malformed session event", "error", err)
		return
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if _, tracked := c.cursors[rec.SessionKey]; !tracked {
		c.mu.Unlock()
		return
	}
	if c.running {
		c.buffer = append(c.buffer, rec)
		c.mu.Unlock()
		return
	}
	// Until a catch-up has run on this connection the cursor may be
	// behind the log, so applying rec would skip the gap. The catch-up
	// started on connect fetches it.
	if !c.connected || c.stale {
		c.mu.Unlock()
		return
	}
	ok := c.admitLocked(rec)
	c.mu.Unlock()

	if ok {
		c.apply(rec)
	}
}

// Close stops any catch-up and waits for it to exit.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.connected = false
	c.stopLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// admitLocked accepts ev if its session is tracked and ev is past the
// cursor, advancing the cursor. Caller holds mu.
func (c *Coordinator) admitLocked(ev store.Event) bool {
	cur, tracked := c.cursors[ev.SessionKey]
	if !tracked {
		return false
	}
	if ev.Seq <= cur {
		c.metrics.Duplicate()
		return false
	}
	c.cursors[ev.SessionKey] = ev.Seq
	return true
}

// startLocked launches a catch-up, or asks the running one to go around
// again so newly tracked sessions are included. Caller holds mu.
func (c *Coordinator) startLocked() {
	if c.closed {
		return
	}
	if c.running {
		c.rerun = true
		return
	}

	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	c.rerun = false
	c.stale = false
	c.buffer = nil

	c.wg.Add(1)
	go c.catchUp(ctx, c.gen)
}

// stopLocked abandons the running catch-up and its buffer. Caller holds mu.
func (c *Coordinator) stopLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.rerun = false
	c.buffer = nil
}

func (c *Coordinator) catchUp(ctx context.Context, gen uint64) {
	defer c.wg.Done()

	for {
		n, err := c.replay(ctx, gen)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, errSuperseded) {
				c.logger.Warn("catch-up failed, retrying on next connect", "error", err, "applied", n)
			}
			c.abandon(gen)
			return
		}
		c.logger.Debug("caught up", "applied", n)
		if !c.finish(gen) {
			return
		}
	}
}

// replay pages through the fetcher until a short page.
func (c *Coordinator) replay(ctx context.Context, gen uint64) (int, error) {
	total := 0
	for {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return total, errSuperseded
		}
		cursors := maps.Clone(c.cursors)
		c.mu.Unlock()

		if len(cursors) == 0 {
			return total, nil
		}

		page, err := c.fetcher.FetchAfter(ctx, cursors, c.pageSize)
		if err != nil {
			return total, fmt.Errorf("fetching replay page: %w", err)
		}
		slices.SortFunc(page, func(a, b store.Event) int { return cmp.Compare(a.Seq, b.Seq) })

		n, err := c.applyPage(gen, page)
		total += n
		if err != nil {
			return total, err
		}
		if len(page) < c.pageSize {
			return total, nil
		}
		if !advances(cursors, page) {
			return total, errStalledPage
		}
	}
}

func (c *Coordinator) applyPage(gen uint64, page []store.Event) (int, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	applied := 0
	defer func() { c.metrics.Replayed(applied) }()

	for _, ev := range page {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return applied, errSuperseded
		}
		ok := c.admitLocked(ev)
		c.mu.Unlock()

		if ok {
			c.apply(ev)
			applied++
		}
	}
	return applied, nil
}

// finish drains the live buffer and ends the catch-up. It returns true when
// sessions were tracked meanwhile and another pass is needed.
func (c *Coordinator) finish(gen uint64) bool {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return false
	}
	if c.rerun {
		c.rerun = false
		c.mu.Unlock()
		return true
	}

	buffered := c.buffer
	c.buffer = nil
	c.running = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	slices.SortFunc(buffered, func(a, b store.Event) int { return cmp.Compare(a.Seq, b.Seq) })
	accepted := buffered[:0]
	for _, ev := range buffered {
		if c.admitLocked(ev) {
			accepted = append(accepted, ev)
		}
	}
	c.mu.Unlock()

	for _, ev := range accepted {
		c.apply(ev)
	}
	return false
}

// abandon ends a failed catch-up. Buffered events are dropped; the next
// catch-up fetches them again.
func (c *Coordinator) abandon(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.stale = true
	c.running = false
	c.rerun = false
	c.buffer = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// advances reports whether page moves at least one cursor forward.
func advances(cursors store.Cursors, page []store.Event) bool {
	for _, ev := range page {
		if ev.Seq > cursors[ev.SessionKey] {
			return true
		}
	}
	return false
}
