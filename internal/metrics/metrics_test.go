package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics

	m.CacheLookup("hit")
	m.TransformFailed()
	m.ObserveTransform(0.1)
	m.AssetResponse("200")
	m.Delivered("ok")
	m.SequenceViolation()
	m.AddPending(1)
	m.AddConnections(1)

	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("expected 404 from nil handler, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.CacheLookup("miss")
	m.CacheLookup("hit")
	m.Delivered("failed")
	m.SequenceViolation()
	m.AddPending(3)
	m.AddPending(-1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`testproxy_instrumentation_cache_lookups_total{result="hit"} 1`,
		`testproxy_event_deliveries_total{outcome="failed"} 1`,
		`testproxy_sequence_violations_total 1`,
		`testproxy_pending_events 2`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
