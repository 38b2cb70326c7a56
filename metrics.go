package durable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the supervisor's operational counters. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sagasStarted     prometheus.Counter
	sagasCompleted   prometheus.Counter
	sagasCompensated prometheus.Counter
	sagasFailed      prometheus.Counter
	activities       prometheus.Counter
	activityFailures *prometheus.CounterVec
}

// NewMetrics creates supervisor metrics registered against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sagasStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_sagas_started_total",
			Help: "Saga instances started.",
		}),
		sagasCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_sagas_completed_total",
			Help: "Saga instances that completed successfully.",
		}),
		sagasCompensated: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_sagas_compensated_total",
			Help: "Saga instances that failed and unwound cleanly.",
		}),
		sagasFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_sagas_failed_total",
			Help: "Saga instances that ended in a failed state.",
		}),
		activities: factory.NewCounter(prometheus.CounterOpts{
			Name: "ledgerflow_activities_dispatched_total",
			Help: "Activity calls dispatched by the supervisor.",
		}),
		activityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledgerflow_activity_failures_total",
			Help: "Activity calls that resolved to a failure, by kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) observeStarted() {
	if m == nil {
		return
	}
	m.sagasStarted.Inc()
}

func (m *Metrics) observeDispatch() {
	if m == nil {
		return
	}
	m.activities.Inc()
}

func (m *Metrics) observeActivityFailure(kind FailureKind) {
	if m == nil {
		return
	}
	m.activityFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) observeTerminal(status Status, result *Result) {
	if m == nil {
		return
	}
	switch {
	case status == StatusFailed:
		m.sagasFailed.Inc()
	case result != nil && result.Success:
		m.sagasCompleted.Inc()
	default:
		m.sagasCompensated.Inc()
	}
}
