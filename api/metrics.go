package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// spikeWindow counts occurrences over a trailing window and fires once the
// count reaches threshold. The window empties after firing so one burst
// raises one alert.
type spikeWindow struct {
	kind      AlertType
	message   string
	window    time.Duration
	threshold int
	hits      []time.Time
}

func (w *spikeWindow) observe(now time.Time) (AlertEvent, bool) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.hits) && w.hits[i].Before(cutoff) {
		i++
	}
	w.hits = append(w.hits[i:], now)
	if len(w.hits) < w.threshold {
		return AlertEvent{}, false
	}
	evt := AlertEvent{
		Type:      w.kind,
		Message:   w.message,
		Count:     len(w.hits),
		Threshold: w.threshold,
		Timestamp: now,
	}
	w.hits = w.hits[:0]
	return evt, true
}

// metricsCollector owns the Prometheus collectors exposed on /metrics and
// the spike detectors that feed alerts.
type metricsCollector struct {
	mu             sync.Mutex
	loginSpike     *spikeWindow
	rejectionSpike *spikeWindow
	alertFn        AlertFunc
	now            func() time.Time

	registry        *prometheus.Registry
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	authAttempts    *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
}

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	m := &metricsCollector{
		loginSpike: &spikeWindow{
			kind:      AlertLoginFailureSpike,
			message:   "login failure rate exceeds threshold",
			window:    time.Minute,
			threshold: 50,
		},
		rejectionSpike: &spikeWindow{
			kind:      AlertRateLimitSpike,
			message:   "rate limit rejections exceed threshold",
			window:    time.Minute,
			threshold: 100,
		},
		alertFn:  alertFn,
		now:      time.Now,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polar",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "polar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polar",
			Name:      "http_in_flight_requests",
			Help:      "In-flight HTTP requests.",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polar",
			Name:      "auth_attempts_total",
			Help:      "Authentication attempts by method and outcome.",
		}, []string{"method", "outcome"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polar",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"class"}),
	}
	m.registry.MustRegister(
		m.requests, m.duration, m.inFlight, m.authAttempts, m.rateLimitDenied,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// handler serves the collector's registry in the Prometheus text format.
func (m *metricsCollector) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// instrument records request counts and latencies labelled by the matched
// chi route pattern, so path parameters do not explode cardinality.
func (m *metricsCollector) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.inFlight.Inc()
		defer m.inFlight.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.requests.WithLabelValues(labels...).Inc()
		m.duration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil {
		return
	}
	switch event {
	case AuditLoginSuccess:
		m.authAttempts.WithLabelValues("passphrase", "success").Inc()
	case AuditLoginFailure:
		m.authAttempts.WithLabelValues("passphrase", "failure").Inc()
		m.observe(m.loginSpike)
	case AuditPasskeyLoginSuccess:
		m.authAttempts.WithLabelValues("passkey", "success").Inc()
	case AuditPasskeyLoginFailure:
		m.authAttempts.WithLabelValues("passkey", "failure").Inc()
		m.observe(m.loginSpike)
	case AuditRateLimited:
		m.observe(m.rejectionSpike)
	}
}

// recordRateLimited counts a rejection for the given limiter class.
func (m *metricsCollector) recordRateLimited(class string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(class).Inc()
}

// observe feeds one occurrence into w and raises an alert when it fires.
func (m *metricsCollector) observe(w *spikeWindow) {
	if m.alertFn == nil {
		return
	}
	m.mu.Lock()
	evt, fired := w.observe(m.now())
	m.mu.Unlock()
	if fired {
		m.alertFn(evt)
	}
}
