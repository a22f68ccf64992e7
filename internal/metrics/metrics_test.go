package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	// Verify run metrics
	if m.RunsStartedTotal == nil {
		t.Error("RunsStartedTotal is nil")
	}
	if m.RunsCompletedTotal == nil {
		t.Error("RunsCompletedTotal is nil")
	}
	if m.RunDuration == nil {
		t.Error("RunDuration is nil")
	}
	if m.RunsActive == nil {
		t.Error("RunsActive is nil")
	}
	if m.StepsTotal == nil {
		t.Error("StepsTotal is nil")
	}

	// Verify recovery metrics
	if m.SessionRotationsTotal == nil {
		t.Error("SessionRotationsTotal is nil")
	}
	if m.SessionRefreshesTotal == nil {
		t.Error("SessionRefreshesTotal is nil")
	}
	if m.DrainFailuresTotal == nil {
		t.Error("DrainFailuresTotal is nil")
	}

	if m.ConcurrencyRejectionsTotal == nil {
		t.Error("ConcurrencyRejectionsTotal is nil")
	}
	if m.FollowUpRebuildsTotal == nil {
		t.Error("FollowUpRebuildsTotal is nil")
	}
	if m.LLMSwapsTotal == nil {
		t.Error("LLMSwapsTotal is nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()

	// Record some sample metrics so they appear in output
	m.RunsStartedTotal.Inc()
	m.RunsCompletedTotal.WithLabelValues("success").Inc()
	m.RunDuration.Observe(12.5)
	m.RunsActive.Set(1)
	m.StepsTotal.Add(7)
	m.ConcurrencyRejectionsTotal.Inc()
	m.SessionRotationsTotal.Inc()
	m.DrainFailuresTotal.Inc()
	m.FollowUpRebuildsTotal.Inc()
	m.LLMSwapsTotal.WithLabelValues("openai").Inc()

	handler := m.Handler()
	if handler == nil {
		t.Fatal("Handler returned nil")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"agent_runs_started_total",
		"agent_runs_completed_total",
		"agent_run_duration_seconds",
		"agent_runs_active",
		"agent_steps_total",
		"agent_concurrency_rejections_total",
		"browser_session_rotations_total",
		"event_bus_drain_failures_total",
		"agent_followup_rebuilds_total",
		"llm_swaps_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

func TestMetricsRegistry(t *testing.T) {
	m := NewMetrics()

	if m.Registry() != m.registry {
		t.Error("Registry() did not return the underlying registry")
	}
}
