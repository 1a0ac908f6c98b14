// Package session carries access and refresh tokens in cookies and
// resolves the caller's session from an incoming request.
package session

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jmcleod/polar/internal/cookies"
	"github.com/jmcleod/polar/token"
)

// Cookie names.
const (
	AccessCookie  = "access_token"
	RefreshCookie = "refresh_token"
)

// ErrUnauthorized is returned by RequireAuth when the request carries no
// usable session.
var ErrUnauthorized = errors.New("unauthorized")

// Status tags a Result.
type Status int

const (
	Unauthenticated Status = iota
	Authenticated
	Refreshed
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Refreshed:
		return "refreshed"
	default:
		return "unauthenticated"
	}
}

// Result is the outcome of Get. Claims is set for Authenticated and
// Refreshed; Cookies holds the rotated pair for Refreshed and must be
// written with Apply.
type Result struct {
	Status  Status
	Claims  *token.Claims
	Cookies []*http.Cookie
}

// OK reports whether the request is authenticated.
func (r Result) OK() bool {
	return r.Status != Unauthenticated && r.Claims != nil
}

// Manager issues, reads and clears session cookies.
type Manager struct {
	tokens *token.Service
	secure bool
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithSecure sets the Secure attribute on every cookie written.
func WithSecure(secure bool) Option {
	return func(m *Manager) { m.secure = secure }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager backed by tokens.
func NewManager(tokens *token.Service, opts ...Option) *Manager {
	m := &Manager{tokens: tokens, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Secure reports whether cookies are marked Secure.
func (m *Manager) Secure() bool {
	return m.secure
}

// Issue mints a fresh access and refresh pair and returns the cookies
// carrying them.
func (m *Manager) Issue(userID, credentialID string) ([]*http.Cookie, error) {
	access, err := m.tokens.IssueAccess(userID, credentialID)
	if err != nil {
		return nil, err
	}
	refresh, err := m.tokens.IssueRefresh(userID, credentialID)
	if err != nil {
		return nil, err
	}
	return []*http.Cookie{
		cookies.New(AccessCookie, access.Value, m.tokens.TTL(token.ClassAccess), m.secure),
		cookies.New(RefreshCookie, refresh.Value, m.tokens.TTL(token.ClassRefresh), m.secure),
	}, nil
}

// Set issues a session for userID and writes both cookies.
func (m *Manager) Set(w http.ResponseWriter, userID, credentialID string) error {
	cs, err := m.Issue(userID, credentialID)
	if err != nil {
		return err
	}
	for _, c := range cs {
		http.SetCookie(w, c)
	}
	return nil
}

// Clear deletes both session cookies.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, cookies.Expired(AccessCookie, m.secure))
	http.SetCookie(w, cookies.Expired(RefreshCookie, m.secure))
}

// Get resolves the session on r. A valid access cookie authenticates the
// request as is. Otherwise a valid refresh cookie mints a new pair, and the
// result carries the new access token's claims and the cookies to write.
func (m *Manager) Get(r *http.Request) Result {
	if raw := cookies.Value(r, AccessCookie); raw != "" {
		if claims, err := m.tokens.VerifyAccess(raw); err == nil {
			return Result{Status: Authenticated, Claims: claims}
		}
	}

	raw := cookies.Value(r, RefreshCookie)
	if raw == "" {
		return Result{Status: Unauthenticated}
	}
	refresh, err := m.tokens.VerifyRefresh(raw)
	if err != nil {
		return Result{Status: Unauthenticated}
	}

	access, err := m.tokens.IssueAccess(refresh.Subject, refresh.CredentialID)
	if err != nil {
		m.logger.Error("rotating access token", "error", err)
		return Result{Status: Unauthenticated}
	}
	next, err := m.tokens.IssueRefresh(refresh.Subject, refresh.CredentialID)
	if err != nil {
		m.logger.Error("rotating refresh token", "error", err)
		return Result{Status: Unauthenticated}
	}
	return Result{
		Status: Refreshed,
		Claims: access.Claims,
		Cookies: []*http.Cookie{
			cookies.New(AccessCookie, access.Value, m.tokens.TTL(token.ClassAccess), m.secure),
			cookies.New(RefreshCookie, next.Value, m.tokens.TTL(token.ClassRefresh), m.secure),
		},
	}
}

// Apply writes any cookies carried by res.
func (m *Manager) Apply(w http.ResponseWriter, res Result) {
	for _, c := range res.Cookies {
		http.SetCookie(w, c)
	}
}

// RequireAuth resolves the session, writes rotated cookies and returns the
// caller's claims, or ErrUnauthorized.
func (m *Manager) RequireAuth(w http.ResponseWriter, r *http.Request) (*token.Claims, error) {
	res := m.Get(r)
	if !res.OK() {
		return nil, ErrUnauthorized
	}
	m.Apply(w, res)
	return res.Claims, nil
}

// Valid reports whether r carries a valid access cookie or, failing that, a
// valid refresh cookie. It never rotates tokens.
func (m *Manager) Valid(r *http.Request) bool {
	if raw := cookies.Value(r, AccessCookie); raw != "" {
		if _, err := m.tokens.VerifyAccess(raw); err == nil {
			return true
		}
	}
	if raw := cookies.Value(r, RefreshCookie); raw != "" {
		if _, err := m.tokens.VerifyRefresh(raw); err == nil {
			return true
		}
	}
	return false
}

// LoginRedirect returns the login page URL that sends the user back to r's
// path and query after signing in.
func LoginRedirect(r *http.Request) string {
	return "/login?from=" + url.QueryEscape(r.URL.RequestURI())
}
