package observability

import (
	"fmt"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Metrics exports run-tracking counters to Prometheus. A nil *Metrics is
// valid and records nothing, so components can take metrics optionally.
type Metrics struct {
	eventsAggregated      promclient.Counter
	reconnectAttempts     promclient.Counter
	revokesIssued         promclient.Counter
	incompleteSynthesized promclient.Counter
	sweepDuration         promclient.Histogram
}

// NewMetrics registers run-tracking collectors under the given namespace.
func NewMetrics(namespace string, reg promclient.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "runtrack"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	m := &Metrics{
		eventsAggregated: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "events_aggregated_total",
			Help:      "Count of bus events folded into task projections.",
		}),
		reconnectAttempts: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnect_attempts_total",
			Help:      "Count of event bus connection attempts after a failure.",
		}),
		revokesIssued: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "revokes_issued_total",
			Help:      "Count of terminate-revoke requests sent to the control plane.",
		}),
		incompleteSynthesized: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "incomplete_events_synthesized_total",
			Help:      "Count of synthetic terminal events generated for straggler tasks.",
		}),
		sweepDuration: promclient.NewHistogram(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "revoke_sweep_duration_seconds",
			Help:      "Wall time of revoke sweeps over active tasks.",
			Buckets:   promclient.DefBuckets,
		}),
	}

	for _, c := range []promclient.Collector{
		m.eventsAggregated,
		m.reconnectAttempts,
		m.revokesIssued,
		m.incompleteSynthesized,
		m.sweepDuration,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(promclient.AlreadyRegisteredError); ok {
				continue
			}
			return nil, fmt.Errorf("register runtrack collector: %w", err)
		}
	}
	return m, nil
}

// EventAggregated records one delivered bus event.
func (m *Metrics) EventAggregated() {
	if m != nil {
		m.eventsAggregated.Inc()
	}
}

// ReconnectAttempt records one bus connection attempt after a failure.
func (m *Metrics) ReconnectAttempt() {
	if m != nil {
		m.reconnectAttempts.Inc()
	}
}

// RevokeIssued records one terminate-revoke request.
func (m *Metrics) RevokeIssued() {
	if m != nil {
		m.revokesIssued.Inc()
	}
}

// IncompleteSynthesized records n synthetic terminal events.
func (m *Metrics) IncompleteSynthesized(n int) {
	if m != nil {
		m.incompleteSynthesized.Add(float64(n))
	}
}

// SweepObserved records the wall time of one revoke sweep.
func (m *Metrics) SweepObserved(seconds float64) {
	if m != nil {
		m.sweepDuration.Observe(seconds)
	}
}
