package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	EventsRecorded     *prometheus.CounterVec
	EventsIgnored      *prometheus.CounterVec
	Assignments        *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	AutoCompletions    prometheus.Counter
	SignificanceChecks *prometheus.CounterVec
}

// New registers every collector on reg. Pass prometheus.NewRegistry() in
// tests to keep registrations isolated.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		EventsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgoat_events_recorded_total",
				Help: "Tracking events counted against a variation",
			},
			[]string{"event"},
		),
		EventsIgnored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgoat_events_ignored_total",
				Help: "Tracking events dropped because the test or variation was unknown or not collecting",
			},
			[]string{"event"},
		),
		Assignments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgoat_assignments_total",
				Help: "Variation assignment requests by outcome",
			},
			[]string{"result"},
		),
		Transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgoat_transitions_total",
				Help: "Test state transitions by target state",
			},
			[]string{"to"},
		),
		AutoCompletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "postgoat_auto_completions_total",
			Help: "Tests completed automatically on significance",
		}),
		SignificanceChecks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "postgoat_significance_checks_total",
				Help: "Auto-end significance checks by outcome",
			},
			[]string{"outcome"},
		),
	}
}
