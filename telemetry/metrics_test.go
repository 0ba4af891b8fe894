package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordRun(true, false, 120*time.Microsecond)
	m.RecordRun(false, true, 5*time.Millisecond)
	m.RecordMatch("ua-scanner")
	m.RecordMatch("ua-scanner")
	m.RecordAction("block_request")
	m.RecordTruncation("string_length", 3)
	m.RecordBuild(true, 12)
	m.RecordBuild(false, 0)

	if got := testutil.ToFloat64(m.runs.WithLabelValues("match")); got != 1 {
		t.Errorf("runs{match} = %v", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("clean")); got != 1 {
		t.Errorf("runs{clean} = %v", got)
	}
	if got := testutil.ToFloat64(m.timeouts); got != 1 {
		t.Errorf("timeouts = %v", got)
	}
	if got := testutil.ToFloat64(m.ruleMatches.WithLabelValues("ua-scanner")); got != 2 {
		t.Errorf("ruleMatches = %v", got)
	}
	if got := testutil.ToFloat64(m.actions.WithLabelValues("block_request")); got != 1 {
		t.Errorf("actions = %v", got)
	}
	if got := testutil.ToFloat64(m.truncations.WithLabelValues("string_length")); got != 3 {
		t.Errorf("truncations = %v", got)
	}
	if got := testutil.ToFloat64(m.rulesLoaded); got != 12 {
		t.Errorf("rulesLoaded = %v", got)
	}
	if got := testutil.ToFloat64(m.builds.WithLabelValues("rejected")); got != 1 {
		t.Errorf("builds{rejected} = %v", got)
	}
}

func TestMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordRun(false, false, time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"parapet_runs_total", "parapet_run_duration_seconds"} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestNilMetricsNoOp(t *testing.T) {
	var m *Metrics
	m.RecordRun(true, true, time.Second)
	m.RecordMatch("r1")
	m.RecordAction("block_request")
	m.RecordTruncation("string_length", 1)
	m.RecordBuild(true, 1)
}
