package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsExposition(t *testing.T) {
	m := New()
	m.RoundsStarted.Inc()
	m.ScanBytes.Add(1 << 20)
	m.BestDeadline.Set(1234)
	m.Submissions.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"karite_rounds_started_total 1",
		"karite_scan_bytes_total 1.048576e+06",
		"karite_best_deadline_seconds 1234",
		`karite_submissions_total{outcome="accepted"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestNewIsSelfContained(t *testing.T) {
	// Two instances must not collide in a shared default registry.
	a := New()
	b := New()
	a.RoundsStarted.Inc()
	a.RoundsStarted.Inc()
	b.RoundsStarted.Inc()

	rec := httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "karite_rounds_started_total 1") {
		t.Error("registries are not independent")
	}
}
