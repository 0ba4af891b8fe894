// Package telemetry exposes Prometheus collectors for rule evaluation.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for rule evaluation.
type Metrics struct {
	// Run outcomes
	runs     *prometheus.CounterVec
	timeouts prometheus.Counter

	// Matched rules and triggered actions
	ruleMatches *prometheus.CounterVec
	actions     *prometheus.CounterVec

	// Input truncation by reason
	truncations *prometheus.CounterVec

	// Compiled ruleset state
	rulesLoaded prometheus.Gauge
	builds      *prometheus.CounterVec

	// Evaluation latency
	runDuration prometheus.Histogram
}

// NewMetrics creates a Metrics instance registered on reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapet_runs_total",
				Help: "Total number of rule evaluations performed",
			},
			[]string{"result"},
		),

		timeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parapet_run_timeouts_total",
				Help: "Total number of evaluations cut short by the time budget",
			},
		),

		ruleMatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapet_rule_matches_total",
				Help: "Total number of rule matches by rule id",
			},
			[]string{"rule_id"},
		),

		actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapet_actions_total",
				Help: "Total number of triggered actions by type",
			},
			[]string{"action_type"},
		),

		truncations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapet_input_truncations_total",
				Help: "Total number of input values cut to fit encoder limits",
			},
			[]string{"reason"},
		),

		rulesLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parapet_rules_loaded",
				Help: "Number of rules in the active handle",
			},
		),

		builds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parapet_builds_total",
				Help: "Total number of handle builds",
			},
			[]string{"result"},
		),

		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parapet_run_duration_seconds",
				Help:    "Engine time spent per evaluation in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
		),
	}
}

// RecordRun records the outcome of one evaluation. All Record methods are
// no-ops on a nil receiver so telemetry can stay unset.
func (m *Metrics) RecordRun(matched, timedOut bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "clean"
	if matched {
		result = "match"
	}
	m.runs.WithLabelValues(result).Inc()
	if timedOut {
		m.timeouts.Inc()
	}
	m.runDuration.Observe(duration.Seconds())
}

// RecordMatch records a matched rule.
func (m *Metrics) RecordMatch(ruleID string) {
	if m == nil {
		return
	}
	m.ruleMatches.WithLabelValues(ruleID).Inc()
}

// RecordAction records a triggered action.
func (m *Metrics) RecordAction(actionType string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType).Inc()
}

// RecordTruncation records n values cut for the given reason.
func (m *Metrics) RecordTruncation(reason string, n int) {
	if m == nil {
		return
	}
	m.truncations.WithLabelValues(reason).Add(float64(n))
}

// RecordBuild records a handle build and the resulting rule count.
func (m *Metrics) RecordBuild(ok bool, rules int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "rejected"
	}
	m.builds.WithLabelValues(result).Inc()
	if ok {
		m.rulesLoaded.Set(float64(rules))
	}
}
