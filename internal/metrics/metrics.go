// Package metrics holds the Prometheus collectors of the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ConnState        *prometheus.GaugeVec
	Handshakes       *prometheus.CounterVec
	Reconnects       prometheus.Counter
	ProbeFailures    prometheus.Counter
	Joins            *prometheus.CounterVec
	JoinCacheHits    *prometheus.CounterVec
	Sends            *prometheus.CounterVec
	InboundDropped   *prometheus.CounterVec
	Notifications    *prometheus.CounterVec
	ReadReceiptsSent prometheus.Counter
}

// New registers the collectors on reg. A nil reg yields working but
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "consult",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others.",
		}, []string{"state"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by result.",
		}, []string{"result"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		ProbeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "probe_failures_total",
			Help:      "Reachability pre-checks that failed before a handshake.",
		}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "room_joins_total",
			Help:      "Room join outcomes by strategy and result.",
		}, []string{"strategy", "result"}),
		JoinCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "room_join_cache_hits_total",
			Help:      "Joins answered from the join record cache.",
		}, []string{"result"}),
		Sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by transport and result.",
		}, []string{"transport", "result"}),
		InboundDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "inbound_dropped_total",
			Help:      "Inbound payloads dropped before delivery.",
		}, []string{"event", "reason"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "notifications_total",
			Help:      "Session request notifications by outcome.",
		}, []string{"outcome"}),
		ReadReceiptsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "consult",
			Name:      "read_receipts_sent_total",
			Help:      "message:markRead frames emitted.",
		}),
	}
}

// SetState marks state as the only active connection state.
func (m *Metrics) SetState(state string, all ...string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnState.WithLabelValues(s).Set(v)
	}
}
