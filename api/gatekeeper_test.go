package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/polar/internal/util"
	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/passphrase"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage/memory"
	"github.com/jmcleod/polar/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// newTestAPI builds an API over an in-memory store with a cheap hasher.
func newTestAPI(t *testing.T, opts ...Option) (*API, *token.Service) {
	t.Helper()
	tokens, err := token.NewService([]byte(testSecret))
	require.NoError(t, err)
	store := memory.New()
	hasher := passphrase.NewHasher(passphrase.WithParams(util.Argon2idParams{
		MemoryKiB: 64, Time: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32,
	}))
	opts = append([]Option{WithHasher(hasher)}, opts...)
	a := New(store, session.NewManager(tokens), passkey.NewService(nil, store, tokens), opts...)
	t.Cleanup(a.Close)
	return a, tokens
}

func TestIsPublicPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/login", true},
		{"/login/", true},
		{"/loginx", false},
		{"/register", true},
		{"/api/auth/login", true},
		{"/api/auth/passkey/login", true},
		{"/api/auth/passkey/login/verify", true},
		{"/api/auth/passkey/register", false},
		{"/api/auth/session", false},
		{"/api/auth/logout", true},
		{"/api/docs", true},
		{"/api/docs/index.html", true},
		{"/healthz", true},
		{"/metrics", true},
		{"/", false},
		{"/page/abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, isPublicPath(tt.path))
		})
	}
}

func TestIsStaticAsset(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/static/app.js", true},
		{"/favicon.ico", true},
		{"/robots.txt", true},
		{"/images/logo.png", true},
		{"/api/export.json", false},
		{"/page/abc", false},
		{"/", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, isStaticAsset(tt.path))
		})
	}
}

func TestGatekeeper(t *testing.T) {
	a, tokens := newTestAPI(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := a.gatekeeper(ok)

	access, err := tokens.IssueAccess("user-1", "")
	require.NoError(t, err)
	refresh, err := tokens.IssueRefresh("user-1", "")
	require.NoError(t, err)

	t.Run("public path passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("api path without session is 401", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/devices", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Unauthorized"}`, rec.Body.String())
	})

	t.Run("page without session redirects", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/page/abc?tab=1", nil))
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.Equal(t, "/login?from=%2Fpage%2Fabc%3Ftab%3D1", rec.Header().Get("Location"))
	})

	t.Run("dot segments cannot borrow a public prefix", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login/../anything", nil))
		assert.Equal(t, http.StatusSeeOther, rec.Code)
		assert.True(t, strings.HasPrefix(rec.Header().Get("Location"), "/login?from="))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/auth/login/../../auth/devices", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("trailing slash on a public path still passes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("access cookie passes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/devices", nil)
		req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: access.Value})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("refresh cookie passes without rotation", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: session.RefreshCookie, Value: refresh.Value})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Empty(t, rec.Result().Cookies())
	})

	t.Run("refresh token in access cookie is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
		req.AddCookie(&http.Cookie{Name: session.AccessCookie, Value: refresh.Value})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestSecurityHeaders(t *testing.T) {
	a, _ := newTestAPI(t)
	h := a.securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, contentSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	req := httptest.NewRequest(http.MethodGet, "/api/docs", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, docsSecurityPolicy, rec.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
