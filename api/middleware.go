package api

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/token"
)

type contextKey int

const claimsKey contextKey = iota

// requireSession resolves the caller's session, writing rotated cookies
// when only the refresh token was still valid, and stores the claims on the
// request context.
func (a *API) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.sessions.RequireAuth(w, r)
		if err != nil {
			a.unauthorized(w, r)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// unauthorized answers API paths with 401 JSON and sends browsers to the
// login page.
func (a *API) unauthorized(w http.ResponseWriter, r *http.Request) {
	if isAPIPath(path.Clean("/" + r.URL.Path)) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	http.Redirect(w, r, session.LoginRedirect(r), http.StatusSeeOther)
}

func claimsFromContext(ctx context.Context) *token.Claims {
	claims, _ := ctx.Value(claimsKey).(*token.Claims)
	return claims
}

// requestLogger writes one access log line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		a.logger.LogAttrs(r.Context(), level, "http request",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("client_ip", a.clientIP(r)),
		)
	})
}
