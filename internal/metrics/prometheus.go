// Package metrics exposes ledger, session guard and chain health metrics to Prometheus.
package metrics

import (
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "c3"

// Metrics holds the Prometheus collectors. It implements ledger.Observer and
// auth.Observer so it can be handed straight to both.
type Metrics struct {
	UsageEvents        *prometheus.CounterVec
	AppendFailures     *prometheus.CounterVec
	MonthFinalizations *prometheus.CounterVec
	AuthEvents         *prometheus.CounterVec
	ChainOK            prometheus.Gauge
	HeartbeatCounter   prometheus.Gauge
	ErrorRate24h       prometheus.Gauge
	Decisions24h       prometheus.Gauge
	LicenseDaysLeft    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		UsageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Usage events appended to the ledger.",
		}, []string{"event_type", "decision_state"}),
		AppendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_append_failures_total",
			Help:      "Ledger appends that failed, by reason.",
		}, []string{"reason"}),
		MonthFinalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "month_finalizations_total",
			Help:      "Monthly summary finalization attempts, by result.",
		}, []string{"result"}),
		AuthEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_events_total",
			Help:      "Session guard events.",
		}, []string{"event"}),
		ChainOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_chain_ok",
			Help:      "1 if the heartbeat chain head verified on the last check.",
		}),
		HeartbeatCounter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_counter",
			Help:      "Heartbeat counter recorded in the ledger meta.",
		}),
		ErrorRate24h: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decision_error_rate_24h",
			Help:      "Share of analysis events in the last 24 hours that ended in ERROR.",
		}),
		Decisions24h: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "decisions_24h",
			Help:      "Analysis and error events in the last 24 hours.",
		}),
		LicenseDaysLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "license_days_left",
			Help:      "Days until the license expires, -1 if the expiry is invalid.",
		}),
	}

	collectors := []prometheus.Collector{
		m.UsageEvents, m.AppendFailures, m.MonthFinalizations, m.AuthEvents,
		m.ChainOK, m.HeartbeatCounter, m.ErrorRate24h, m.Decisions24h, m.LicenseDaysLeft,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// EventAppended counts an appended usage event.
func (m *Metrics) EventAppended(ev *ledger.UsageEvent) {
	m.UsageEvents.WithLabelValues(string(ev.EventType), string(ev.DecisionState)).Inc()
	m.HeartbeatCounter.Set(float64(ev.HeartbeatCounter))
}

// AppendFailed counts a failed append.
func (m *Metrics) AppendFailed(reason string) {
	m.AppendFailures.WithLabelValues(reason).Inc()
}

// MonthFinalized counts a finalization attempt.
func (m *Metrics) MonthFinalized(_ string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MonthFinalizations.WithLabelValues(result).Inc()
}

// ObserveAuth counts a session guard event.
func (m *Metrics) ObserveAuth(event string) {
	m.AuthEvents.WithLabelValues(event).Inc()
}

// SetChainStatus records the outcome of a chain check.
func (m *Metrics) SetChainStatus(status ledger.ChainStatus) {
	if status.OK {
		m.ChainOK.Set(1)
	} else {
		m.ChainOK.Set(0)
	}
	m.HeartbeatCounter.Set(float64(status.HeartbeatCounter))
}

// SetHealth records the 24-hour decision health.
func (m *Metrics) SetHealth(h ledger.Health) {
	m.ErrorRate24h.Set(h.ErrorRate24h)
	m.Decisions24h.Set(float64(h.Total24h))
}

// SetLicenseDaysLeft records the license TTL.
func (m *Metrics) SetLicenseDaysLeft(days int) {
	m.LicenseDaysLeft.Set(float64(days))
}
