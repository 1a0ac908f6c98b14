package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alertRecorder struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (r *alertRecorder) record(e AlertEvent) {
	r.mu.Lock()
	r.alerts = append(r.alerts, e)
	r.mu.Unlock()
}

func (r *alertRecorder) snapshot() []AlertEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AlertEvent(nil), r.alerts...)
}

func TestLoginFailureSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginSpike.threshold = 5

	// Passphrase and passkey failures share one window.
	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
		collector.recordEvent(AuditPasskeyLoginFailure)
	}
	assert.Empty(t, rec.snapshot(), "no alert below threshold")

	collector.recordEvent(AuditLoginFailure)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLoginFailureSpike, alerts[0].Type)
	assert.Equal(t, 5, alerts[0].Count)
	assert.Equal(t, 5, alerts[0].Threshold)
}

func TestRateLimitSpikeAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.rejectionSpike.threshold = 3

	collector.recordEvent(AuditRateLimited)
	collector.recordEvent(AuditRateLimited)
	assert.Empty(t, rec.snapshot())

	collector.recordEvent(AuditRateLimited)
	alerts := rec.snapshot()
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRateLimitSpike, alerts[0].Type)
}

func TestMetricsNoAlertWithoutCallback(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditLoginFailure)
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.authAttempts.WithLabelValues("passphrase", "failure")))
}

func TestMetricsNilCollector(t *testing.T) {
	var collector *metricsCollector
	collector.recordEvent(AuditLoginFailure)
	collector.recordRateLimited("auth")
}

func TestMetricsSlidingWindowExpiry(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginSpike.threshold = 5
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	collector.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		collector.recordEvent(AuditLoginFailure)
	}

	now = now.Add(collector.loginSpike.window + time.Second)
	collector.recordEvent(AuditLoginFailure)
	assert.Empty(t, rec.snapshot(), "old failures should not count after window expiry")
}

func TestMetricsResetAfterAlert(t *testing.T) {
	rec := &alertRecorder{}
	collector := newMetricsCollector(rec.record)
	collector.loginSpike.threshold = 3

	for i := 0; i < 3; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	require.Len(t, rec.snapshot(), 1, "first alert triggered")

	for i := 0; i < 2; i++ {
		collector.recordEvent(AuditLoginFailure)
	}
	assert.Len(t, rec.snapshot(), 1, "no second alert yet")

	collector.recordEvent(AuditLoginFailure)
	assert.Len(t, rec.snapshot(), 2, "second alert triggered")
}

func TestAuthAttemptCounters(t *testing.T) {
	collector := newMetricsCollector(nil)
	collector.recordEvent(AuditLoginSuccess)
	collector.recordEvent(AuditPasskeyLoginSuccess)
	collector.recordEvent(AuditPasskeyLoginSuccess)
	collector.recordEvent(AuditPasskeyLoginFailure)
	collector.recordRateLimited("passphrase")

	assert.Equal(t, float64(1), testutil.ToFloat64(collector.authAttempts.WithLabelValues("passphrase", "success")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.authAttempts.WithLabelValues("passkey", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.authAttempts.WithLabelValues("passkey", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.rateLimitDenied.WithLabelValues("passphrase")))
}

func TestInstrumentUsesRoutePattern(t *testing.T) {
	collector := newMetricsCollector(nil)
	r := chi.NewRouter()
	r.Use(collector.instrument)
	r.Get("/api/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", collector.handler())

	for _, id := range []string{"a", "b"} {
		req := httptest.NewRequest(http.MethodGet, "/api/devices/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.requests.WithLabelValues(http.MethodGet, "/api/devices/{id}", "418")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.True(t, strings.Contains(string(body), `polar_http_requests_total{method="GET",route="/api/devices/{id}",status="418"} 2`))
}

func TestSpikeWindowObserve(t *testing.T) {
	w := &spikeWindow{kind: AlertRateLimitSpike, window: time.Minute, threshold: 3}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		offset time.Duration
		fired  bool
		count  int
	}{
		{0, false, 0},
		{30 * time.Second, false, 0},
		{2 * time.Minute, false, 0}, // first two fall out of the window
		{2*time.Minute + time.Second, false, 0},
		{2*time.Minute + 2*time.Second, true, 3},
		{2*time.Minute + 3*time.Second, false, 0},
	}
	for _, tt := range tests {
		evt, fired := w.observe(base.Add(tt.offset))
		require.Equal(t, tt.fired, fired, "offset %s", tt.offset)
		if fired {
			assert.Equal(t, tt.count, evt.Count)
			assert.Equal(t, AlertRateLimitSpike, evt.Type)
			assert.Equal(t, base.Add(tt.offset), evt.Timestamp)
		}
	}
	assert.Len(t, w.hits, 1)
}
