// Package api serves Polar's authentication endpoints and guards every
// other route behind a valid session.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-openapi/runtime/middleware"
	"golang.org/x/time/rate"

	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/passphrase"
	"github.com/jmcleod/polar/ratelimit"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	store    storage.Store
	sessions *session.Manager
	passkeys *passkey.Service
	hasher   *passphrase.Hasher

	limiter        *ratelimit.Limiter
	global         *rate.Limiter
	trustedProxies []netip.Prefix
	allowReset     bool
	web            http.Handler

	logger  *slog.Logger
	audit   *auditLogger
	metrics *metricsCollector
	alertFn AlertFunc
	webhook *auditWebhook

	webhookURL    string
	webhookHeader string

	dummyOnce sync.Once
	dummyHash string
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit logs.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithHasher sets the passphrase hasher.
func WithHasher(h *passphrase.Hasher) Option {
	return func(a *API) { a.hasher = h }
}

// WithLimiter sets the per-class rate limiter. The default counts in
// process memory.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *API) { a.limiter = l }
}

// WithTrustedProxies restricts which peers may supply X-Forwarded-For and
// X-Real-IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

// WithAllowReset enables POST /api/reset.
func WithAllowReset(allow bool) Option {
	return func(a *API) { a.allowReset = allow }
}

// WithGlobalRate installs a process-wide token bucket in front of the
// per-class limits.
func WithGlobalRate(perSecond float64, burst int) Option {
	return func(a *API) { a.global = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithWebHandler serves non-API paths that match no route.
func WithWebHandler(h http.Handler) Option {
	return func(a *API) { a.web = h }
}

// WithAlertFunc is called when an anomaly is detected. Alerts are always
// written to the audit log as well.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithWebhook forwards audit events to url. header is an optional
// "Name: Value" pair sent with each request.
func WithWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

// New creates a new API instance.
func New(store storage.Store, sessions *session.Manager, passkeys *passkey.Service, opts ...Option) *API {
	a := &API{
		store:    store,
		sessions: sessions,
		passkeys: passkeys,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.hasher == nil {
		a.hasher = passphrase.NewHasher()
	}
	if a.limiter == nil {
		a.limiter = ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.WithLogger(a.logger))
	}

	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}

	a.audit = newAuditLogger(a.logger, a.clientIP)
	a.audit.webhook = a.webhook
	a.metrics = newMetricsCollector(func(e AlertEvent) {
		a.audit.alert(e)
		if a.alertFn != nil {
			a.alertFn(e)
		}
	})
	a.audit.metrics = a.metrics
	return a
}

// Close flushes queued audit webhook deliveries. Audit events recorded
// afterwards, for example by requests still draining, are dropped.
func (a *API) Close() {
	if a.webhook != nil {
		a.webhook.close()
	}
}

func (a *API) clientIP(r *http.Request) string {
	return ratelimit.ClientIdentifier(r, a.trustedProxies)
}

// Router returns the root handler: operational endpoints, the JSON API and
// the web shell, all behind the gatekeeper.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(a.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(a.metrics.instrument)
	r.Use(a.securityHeaders)
	r.Use(a.throttle)
	r.Use(a.gatekeeper)

	r.Get("/healthz", a.Health)
	r.Method(http.MethodGet, "/metrics", a.metrics.handler())

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/api/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/openapi.yaml",
		Path:    "api/docs",
	}, nil))

	r.Route("/api/auth", func(r chi.Router) {
		r.With(a.limit(ratelimit.Auth)).Post("/register", a.Register)
		r.With(a.limit(ratelimit.Passphrase)).Post("/login", a.Login)
		r.With(a.limit(ratelimit.Passphrase)).Post("/passphrase", a.PassphraseLogin)
		r.Post("/logout", a.Logout)

		r.With(a.limit(ratelimit.Passkey)).Get("/passkey/login", a.BeginPasskeyLogin)
		r.With(a.limit(ratelimit.Passkey)).Post("/passkey/login/verify", a.FinishPasskeyLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireSession)
			r.With(a.limit(ratelimit.API)).Get("/session", a.Session)
			r.With(a.limit(ratelimit.Auth)).Get("/passkey/register", a.BeginPasskeyRegistration)
			r.With(a.limit(ratelimit.Auth)).Post("/passkey/register/verify", a.FinishPasskeyRegistration)
			r.With(a.limit(ratelimit.API)).Get("/devices", a.ListDevices)
			r.With(a.limit(ratelimit.API)).Delete("/devices", a.RevokeDevice)
		})
	})
	r.With(a.requireSession, a.limit(ratelimit.API)).Post("/api/reset", a.Reset)

	r.NotFound(a.notFound)
	return r
}

// notFound answers unknown API paths with JSON and hands everything else to
// the web shell.
func (a *API) notFound(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(r.URL.Path) || a.web == nil {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	a.web.ServeHTTP(w, r)
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/")
}
