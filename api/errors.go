package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errResetDisabled      = errors.New("reset is disabled")
)

// ValidationError reports a malformed or unacceptable request field.
type ValidationError struct {
	Field   string
	Message string
	Details []string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, msg string, details ...string) error {
	return &ValidationError{Field: field, Message: msg, Details: details}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// failure is the public face of an error class.
type failure struct {
	status int
	msg    string
	field  string
}

var failures = []struct {
	target error
	failure
}{
	{session.ErrUnauthorized, failure{http.StatusUnauthorized, "Unauthorized", ""}},
	{errInvalidCredentials, failure{http.StatusUnauthorized, "Invalid credentials", ""}},
	{passkey.ErrChallengeExpired, failure{http.StatusBadRequest, "Challenge expired", ""}},
	{passkey.ErrRegistrationFailed, failure{http.StatusBadRequest, "Registration failed", ""}},
	{passkey.ErrAuthenticationFailed, failure{http.StatusUnauthorized, "Authentication failed", ""}},
	{passkey.ErrCurrentDevice, failure{http.StatusConflict, "Cannot revoke the device used for the current session", ""}},
	{storage.ErrEmailTaken, failure{http.StatusConflict, "Email already registered", "email"}},
	{storage.ErrUsernameTaken, failure{http.StatusConflict, "Username already taken", "username"}},
	{storage.ErrNotFound, failure{http.StatusNotFound, "Not found", ""}},
	{errResetDisabled, failure{http.StatusForbidden, "Reset is disabled", ""}},
}

// writeFailure is the single place where domain errors become responses.
// Detail goes to the log; the client sees only the public message of the
// error's class.
func (a *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	reqID := middleware.GetReqID(r.Context())

	var verr *ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: verr.Message, Field: verr.Field, Details: verr.Details})
		return
	}

	for _, f := range failures {
		if errors.Is(err, f.target) {
			a.logger.LogAttrs(r.Context(), slog.LevelWarn, "request failed",
				slog.String("request_id", reqID),
				slog.String("path", r.URL.Path),
				slog.Int("status", f.status),
				slog.String("error", err.Error()),
			)
			writeJSON(w, f.status, ErrorResponse{Error: f.msg, Field: f.field})
			return
		}
	}

	a.logger.LogAttrs(r.Context(), slog.LevelError, "internal error",
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}
