// ABOUTME: Named, cancellable timers owned by the control loop
// ABOUTME: Expired callbacks are posted back to the loop and dropped if superseded

package connection

import (
	"time"

	"github.com/2389/coven-relay/internal/clock"
)

const (
	timerReconnect = "reconnect"
	timerHeartbeat = "heartbeat"
)

type namedTimer struct {
	timer clock.Timer
	seq   uint64
}

// timers is only touched from the control loop.
type timers struct {
	clock  clock.Clock
	post   func(func())
	active map[string]namedTimer
	seq    uint64
}

func newTimers(clk clock.Clock, post func(func())) *timers {
	return &timers{clock: clk, post: post, active: make(map[string]namedTimer)}
}

// set arms name, replacing any timer already armed under it. fn runs on the
// control loop.
func (t *timers) set(name string, d time.Duration, fn func()) {
	t.stop(name)
	t.seq++
	seq := t.seq
	timer := t.clock.AfterFunc(d, func() {
		t.post(func() {
			cur, ok := t.active[name]
			if !ok || cur.seq != seq {
				return
			}
			delete(t.active, name)
			fn()
		})
	})
	t.active[name] = namedTimer{timer: timer, seq: seq}
}

func (t *timers) stop(name string) {
	if cur, ok := t.active[name]; ok {
		cur.timer.Stop()
		delete(t.active, name)
	}
}

func (t *timers) stopAll() {
	for name := range t.active {
		t.stop(name)
	}
}

func (t *timers) armed(name string) bool {
	_, ok := t.active[name]
	return ok
}
