package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/runplane/runplane/pkg/engine"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	return m
}

func TestMetricsRunLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunCreated("job", false)
	m.RecordRunCreated("job", false)
	m.RecordRunCreated("dbt", true)
	m.RecordRunTransition("CREATED", "BUILT")
	m.RecordPollTick("transient")
	m.SetActivePollers(3)
	m.RecordEventPublished("run.ready")

	if got := testutil.ToFloat64(m.runsCreated.WithLabelValues("job", "false")); got != 2 {
		t.Errorf("runs_created{job,false} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runsCreated.WithLabelValues("dbt", "true")); got != 1 {
		t.Errorf("runs_created{dbt,true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.runTransitions.WithLabelValues("CREATED", "BUILT")); got != 1 {
		t.Errorf("run_transitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pollTicks.WithLabelValues("transient")); got != 1 {
		t.Errorf("poll_ticks{transient} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.activePollers); got != 3 {
		t.Errorf("active_pollers = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.eventsPublished.WithLabelValues("run.ready")); got != 1 {
		t.Errorf("events_published = %v, want 1", got)
	}
}

func TestMetricsRecordEngineCall(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordEngineCall("http", "submit", 10*time.Millisecond, nil)
	m.RecordEngineCall("http", "status", 10*time.Millisecond,
		engine.NewExternalEngineError("timeout", nil))
	m.RecordEngineCall("http", "status", 10*time.Millisecond,
		engine.NewExternalEngineFatalError("bad request", nil))

	if got := testutil.ToFloat64(m.engineCalls.WithLabelValues("http", "status")); got != 2 {
		t.Errorf("engine_calls{status} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("transient")); got != 1 {
		t.Errorf("errors_by_class{transient} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues(engine.ErrCodeExternalEngineFatal)); got != 1 {
		t.Errorf("errors_by_code{fatal} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.engineDuration); got != 2 {
		t.Errorf("engine_call_duration series = %d, want 2", got)
	}
}

func TestMetricsRecordFailureUnclassified(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordFailure(context.DeadlineExceeded)

	if got := testutil.ToFloat64(m.errorsByClass.WithLabelValues("unknown")); got != 1 {
		t.Errorf("errors_by_class{unknown} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 0 {
		t.Errorf("errors_by_code series = %d, want 0", got)
	}
}

func TestMetricsDisabledAndNil(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	disabled, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	var none *Metrics
	for _, m := range []*Metrics{disabled, none} {
		m.RecordRunCreated("job", false)
		m.RecordRunTransition("CREATED", "BUILT")
		m.RecordPollTick("ok")
		m.SetActivePollers(1)
		m.RecordEventPublished("run.ready")
		m.RecordEngineCall("http", "submit", time.Second, nil)
		m.RecordError("transient", "")
		if m.Registry() != nil {
			t.Error("Registry() should be nil when metrics are disabled")
		}
		if err := m.StartMetricsServer(); err != nil {
			t.Errorf("StartMetricsServer() error = %v", err)
		}
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	}
}

func TestMetricsHandler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRunCreated("job", false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `runplane_runs_created_total{kind="job",local="false"} 1`) {
		t.Errorf("metrics body missing runs_created_total:\n%s", rec.Body.String())
	}
}
