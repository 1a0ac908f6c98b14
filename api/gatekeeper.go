package api

import (
	"net/http"
	"path"
	"strings"
)

// publicPaths are reachable without a session. Each entry also admits its
// sub-paths.
var publicPaths = []string{
	"/login",
	"/register",
	"/api/auth/login",
	"/api/auth/register",
	"/api/auth/passphrase",
	"/api/auth/passkey/login",
	"/api/auth/logout",
	"/healthz",
	"/api/docs",
	"/api/openapi.yaml",
	"/metrics",
}

func isPublicPath(p string) bool {
	for _, entry := range publicPaths {
		if p == entry || strings.HasPrefix(p, entry+"/") {
			return true
		}
	}
	return false
}

// isStaticAsset matches paths served verbatim by the web shell.
func isStaticAsset(p string) bool {
	if strings.HasPrefix(p, "/static/") || p == "/favicon.ico" || p == "/robots.txt" {
		return true
	}
	if isAPIPath(p) {
		return false
	}
	return path.Ext(path.Base(p)) != ""
}

// gatekeeper rejects requests without a valid session before they reach
// any handler. It only checks token validity; rotation is left to the
// handlers that need the session. Paths are classified after cleaning, as
// the web shell resolves them, so dot segments cannot borrow a public prefix.
func (a *API) gatekeeper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if isPublicPath(p) || isStaticAsset(p) || a.sessions.Valid(r) {
			next.ServeHTTP(w, r)
			return
		}
		a.unauthorized(w, r)
	})
}
