package api

import (
	"net/http"
	"strings"

	"github.com/jmcleod/polar/internal/cookies"
)

const (
	contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; connect-src 'self'; frame-ancestors 'none'"
	// The Swagger UI page loads its bundle from unpkg and boots inline.
	docsSecurityPolicy = "default-src 'self'; script-src 'self' 'unsafe-inline' https://unpkg.com; style-src 'self' 'unsafe-inline' https://unpkg.com; img-src 'self' data: https://unpkg.com; connect-src 'self'; frame-ancestors 'none'"
)

// securityHeaders sets standard security response headers on every
// response. HSTS is sent in production or when the request itself is secure.
func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		if strings.HasPrefix(r.URL.Path, "/api/docs") {
			h.Set("Content-Security-Policy", docsSecurityPolicy)
		} else {
			h.Set("Content-Security-Policy", contentSecurityPolicy)
		}

		if a.sessions.Secure() || cookies.RequestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}
