package mapsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PendingCalls    prometheus.Gauge
	Calls           *prometheus.CounterVec
	Events          *prometheus.CounterVec
	DroppedEvents   *prometheus.CounterVec
	Reconnects      prometheus.Counter
	ConnectionState *prometheus.GaugeVec
}

// when `registerer` is nil the metrics are still collected but not exported
func NewMetrics(registerer prometheus.Registerer, clientId string) *Metrics {
	metrics := &Metrics{
		PendingCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mapsync",
			Name:      "pending_calls",
			Help:      "Calls issued and not yet settled.",
		}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapsync",
			Name:      "calls_total",
			Help:      "Settled calls by name and result.",
		}, []string{"name", "result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapsync",
			Name:      "events_total",
			Help:      "Server pushed events by name.",
		}, []string{"name"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mapsync",
			Name:      "dropped_events_total",
			Help:      "Events the local store could not apply.",
		}, []string{"name"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mapsync",
			Name:      "reconnects_total",
			Help:      "Connections established after a disconnect.",
		}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mapsync",
			Name:      "connection_state",
			Help:      "1 for the current connection state.",
		}, []string{"state"}),
	}
	if registerer != nil {
		wrapped := prometheus.WrapRegistererWith(prometheus.Labels{"client": clientId}, registerer)
		wrapped.MustRegister(
			metrics.PendingCalls,
			metrics.Calls,
			metrics.Events,
			metrics.DroppedEvents,
			metrics.Reconnects,
			metrics.ConnectionState,
		)
	}
	return metrics
}

func (self *Metrics) setConnectionState(state ConnectionStateType) {
	for _, s := range []ConnectionStateType{
		ConnectionStateInitial,
		ConnectionStateConnected,
		ConnectionStateReconnecting,
		ConnectionStateFatalError,
	} {
		if s == state {
			self.ConnectionState.WithLabelValues(string(s)).Set(1)
		} else {
			self.ConnectionState.WithLabelValues(string(s)).Set(0)
		}
	}
}
