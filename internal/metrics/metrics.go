// ABOUTME: Prometheus instruments for the relay server, bridge and client
// ABOUTME: Registered on an explicit registerer; a nil *Metrics records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_relay"

// Metrics holds every relay instrument.
type Metrics struct {
	EventsAppended  prometheus.Counter
	EventsPruned    prometheus.Counter
	EventsReplayed  prometheus.Counter
	DuplicateEvents prometheus.Counter
	SlowConsumers   prometheus.Counter
	Reconnects      prometheus.Counter
	RPCTimeouts     prometheus.Counter
	RPCRequests     *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	ConnectedPeers  prometheus.Gauge
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to the event log.",
		}),
		EventsPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_pruned_total",
			Help:      "Event log rows removed by prune or session delete.",
		}),
		EventsReplayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_replayed_total",
			Help:      "Events delivered through cursor replay.",
		}),
		DuplicateEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_events_dropped_total",
			Help:      "Redelivered events discarded at or below a cursor.",
		}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Peers disconnected because their send queue overflowed.",
		}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled after a dropped connection.",
		}),
		RPCTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_timeouts_total",
			Help:      "Outbound calls rejected by their local deadline.",
		}),
		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Inbound requests handled, by method and outcome.",
		}, []string{"method", "status"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Inbound request handling time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		ConnectedPeers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Authenticated peers on the socket endpoint.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Appended() {
	if m != nil {
		m.EventsAppended.Inc()
	}
}

func (m *Metrics) Pruned(n int64) {
	if m != nil && n > 0 {
		m.EventsPruned.Add(float64(n))
	}
}

func (m *Metrics) Replayed(n int) {
	if m != nil && n > 0 {
		m.EventsReplayed.Add(float64(n))
	}
}

func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicateEvents.Inc()
	}
}

func (m *Metrics) SlowConsumer() {
	if m != nil {
		m.SlowConsumers.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) RPCTimeout() {
	if m != nil {
		m.RPCTimeouts.Inc()
	}
}

// Request records one handled inbound request.
func (m *Metrics) Request(method string, err error, took time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RPCRequests.WithLabelValues(method, status).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(took.Seconds())
}

func (m *Metrics) PeerConnected() {
	if m != nil {
		m.ConnectedPeers.Inc()
	}
}

func (m *Metrics) PeerDisconnected() {
	if m != nil {
		m.ConnectedPeers.Dec()
	}
}
