package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bunghole-remote-desktop/internal/registry"
)

// Metrics is the set of Prometheus collectors the broker exposes on
// GET /metrics (spec.md §6), registered on a dedicated registry so a test
// process can spin up more than one Broker without collector-already-
// registered panics from the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsByState *prometheus.GaugeVec // recomputed on every scrape, never inc/dec'd by hand
	loginsTotal      *prometheus.CounterVec
	sessionsTotal    *prometheus.CounterVec
	wsConnections    prometheus.Gauge
	agentExitsTotal  *prometheus.CounterVec
}

// newMetrics builds the collector set. sessionsByState is sourced from a
// GaugeFunc-style collector reading reg directly at scrape time rather
// than tracked via scattered Inc/Dec calls, so a termination path that
// forgets to decrement can never leave the gauge drifting from the
// registry's actual contents.
func newMetrics(reg *registry.Registry) *Metrics {
	promReg := prometheus.NewRegistry()
	factory := promauto.With(promReg)

	m := &Metrics{
		registry: promReg,
		sessionsByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bunghole", Subsystem: "broker", Name: "sessions",
			Help: "Live sessions by lifecycle state, recomputed on every scrape.",
		}, []string{"state"}),
		loginsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunghole", Subsystem: "broker", Name: "logins_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunghole", Subsystem: "broker", Name: "sessions_terminated_total",
			Help: "Sessions terminated, by reason.",
		}, []string{"reason"}),
		wsConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bunghole", Subsystem: "broker", Name: "ws_connections",
			Help: "Currently attached browser signaling WebSockets.",
		}),
		agentExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bunghole", Subsystem: "broker", Name: "agent_exits_total",
			Help: "Agent subprocess exits, labeled by whether the exit code was zero.",
		}, []string{"clean"}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "bunghole", Subsystem: "broker", Name: "sessions_total_live",
		Help: "Total live sessions (sum across all lifecycle states).",
	}, func() float64 {
		m.refreshSessionsByState(reg)
		return float64(len(reg.ListAll()))
	})

	return m
}

func (m *Metrics) refreshSessionsByState(reg *registry.Registry) {
	counts := map[string]int{"starting": 0, "active": 0, "draining": 0}
	for _, s := range reg.ListAll() {
		counts[s.State().String()]++
	}
	for state, n := range counts {
		m.sessionsByState.WithLabelValues(state).Set(float64(n))
	}
}
