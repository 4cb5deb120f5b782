package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slosched/internal/sched"
)

type staticStats struct {
	snap sched.Snapshot
}

func (s *staticStats) Snapshot() sched.Snapshot { return s.snap }

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsAttachment(t *testing.T) {
	s := New(":0", &staticStats{}, nil)

	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	s.SetAttached(true)
	for _, path := range []string{"/health", "/healthz", "/ready", "/readyz"} {
		rec := get(t, s, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	s.SetAttached(false)
	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsSchema(t *testing.T) {
	stats := &staticStats{snap: sched.Snapshot{
		Misses:           3,
		TotalMissNS:      15_000_000,
		AvgMissNS:        5_000_000,
		FastDispatches:   10,
		QueuedDispatches: 20,
		DroppedEvents:    1,
	}}
	s := New(":0", stats, nil)
	s.SetAttached(true)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "slosched_deadline_misses_total 3")
	assert.Contains(t, body, "slosched_fast_path_dispatches_total 10")
	assert.Contains(t, body, "slosched_queued_dispatches_total 20")
	assert.Contains(t, body, "slosched_dropped_events_total 1")
	assert.Contains(t, body, "slosched_avg_miss_duration_seconds 0.005000")
	assert.Contains(t, body, "slosched_scheduler_attached 1")
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
}

func TestUnknownRoute(t *testing.T) {
	s := New(":0", &staticStats{}, nil)
	rec := get(t, s, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
