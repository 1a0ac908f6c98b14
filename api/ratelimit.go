package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jmcleod/polar/ratelimit"
)

// limit admits a request against the policy for class and reports the
// remaining budget in response headers.
func (a *API) limit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := a.limiter.Check(r.Context(), class, a.clientIP(r))
			if err != nil {
				a.writeFailure(w, r, err)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.UnixMilli(), 10))

			if !res.Allowed {
				a.metrics.recordRateLimited(string(class))
				a.audit.log(AuditRateLimited, r, slog.String("class", string(class)))
				writeRateLimited(w, res.RetryAfter(time.Now()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// throttle applies the global token bucket. Health checks and metrics
// scrapes are never throttled.
func (a *API) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.global == nil || r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !a.global.Allow() {
			a.metrics.recordRateLimited("global")
			writeRateLimited(w, time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too many requests")
}

// retryAfterString renders d as whole seconds, rounding up.
func retryAfterString(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
