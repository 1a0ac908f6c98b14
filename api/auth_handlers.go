package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jmcleod/polar/internal/uuid"
	"github.com/jmcleod/polar/passphrase"
	"github.com/jmcleod/polar/session"
	"github.com/jmcleod/polar/storage"
)

// maxAuthBodySize bounds auth request bodies. Passkey responses carry
// attestation objects and are the largest.
const maxAuthBodySize = 64 << 10

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

// decodeJSON reads a single JSON value of type T from the request body.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, error) {
	var v T
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return v, invalid("body", "Content-Type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return v, invalid("body", "Request body is required")
		}
		return v, invalid("body", "Invalid request body")
	}
	return v, nil
}

func validateRegistration(req RegisterRequest) error {
	email := strings.TrimSpace(req.Email)
	if email == "" {
		return invalid("email", "Email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return invalid("email", "Invalid email address")
	}
	if !usernamePattern.MatchString(req.Username) {
		return invalid("username", "Username must be 3 to 32 letters, digits, underscores or hyphens")
	}
	if s := passphrase.ValidateStrength(req.Passphrase); !s.Valid {
		return invalid("passphrase", s.Errors[0], s.Errors...)
	}
	return nil
}

// Register handles POST /api/auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if err == nil {
		err = validateRegistration(req)
	}
	if err != nil {
		a.audit.logFailure(AuditRegisterFailure, r, err.Error())
		a.writeFailure(w, r, err)
		return
	}

	hash, err := a.hasher.Hash(req.Passphrase)
	if err != nil {
		a.writeFailure(w, r, fmt.Errorf("hashing passphrase: %w", err))
		return
	}
	now := time.Now().UTC()
	user := storage.User{
		ID:             uuid.New(),
		Email:          storage.NormalizeEmail(req.Email),
		Username:       req.Username,
		PassphraseHash: hash,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.store.CreateUser(r.Context(), user); err != nil {
		a.audit.logFailure(AuditRegisterFailure, r, err.Error())
		a.writeFailure(w, r, err)
		return
	}

	if err := a.sessions.Set(w, user.ID, ""); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.audit.logUser(AuditRegister, r, user.ID, "")
	writeJSON(w, http.StatusOK, UserResponse{User: publicUser(user)})
}

// Login handles POST /api/auth/login. The identifier may be an email
// address or a username.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	identifier := strings.TrimSpace(req.Identifier)
	if identifier == "" {
		a.writeFailure(w, r, invalid("identifier", "Email or username is required"))
		return
	}
	if req.Passphrase == "" {
		a.writeFailure(w, r, invalid("passphrase", "Passphrase is required"))
		return
	}
	if strings.Contains(identifier, "@") {
		identifier = storage.NormalizeEmail(identifier)
	}

	user, err := a.store.FindUserByIdentifier(r.Context(), identifier)
	a.completeLogin(w, r, user, err, req.Passphrase, slog.String("method", "identifier"))
}

// PassphraseLogin handles POST /api/auth/passphrase. It signs in the first
// registered account with its passphrase alone.
func (a *API) PassphraseLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[PassphraseRequest](w, r, maxAuthBodySize)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	if req.Passphrase == "" {
		a.writeFailure(w, r, invalid("passphrase", "Passphrase is required"))
		return
	}

	user, err := a.store.FirstUser(r.Context())
	a.completeLogin(w, r, user, err, req.Passphrase, slog.String("method", "single_account"))
}

// completeLogin verifies pass against the looked-up user and starts a
// session. Unknown users still pay for one hash verification so response
// timing does not reveal which identifiers exist.
func (a *API) completeLogin(w http.ResponseWriter, r *http.Request, user storage.User, lookupErr error, pass string, method slog.Attr) {
	switch {
	case errors.Is(lookupErr, storage.ErrNotFound):
		a.hasher.Verify(pass, a.timingHash())
		a.audit.logFailure(AuditLoginFailure, r, "unknown identifier", method)
		a.writeFailure(w, r, errInvalidCredentials)
		return
	case lookupErr != nil:
		a.writeFailure(w, r, lookupErr)
		return
	}

	if !a.hasher.Verify(pass, user.PassphraseHash) {
		a.audit.logFailure(AuditLoginFailure, r, "wrong passphrase", slog.String("user_id", user.ID), method)
		a.writeFailure(w, r, errInvalidCredentials)
		return
	}

	if a.hasher.NeedsRehash(user.PassphraseHash) {
		a.rehash(r, user.ID, pass)
	}

	if err := a.sessions.Set(w, user.ID, ""); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.audit.logUser(AuditLoginSuccess, r, user.ID, "", method)
	writeJSON(w, http.StatusOK, UserResponse{User: publicUser(user)})
}

// rehash upgrades a stored digest to the current cost. Failure only costs
// another rehash on the next login.
func (a *API) rehash(r *http.Request, userID, pass string) {
	hash, err := a.hasher.Hash(pass)
	if err == nil {
		err = a.store.UpdateUserPassphrase(r.Context(), userID, hash, time.Now().UTC())
	}
	if err != nil {
		a.logger.Warn("passphrase rehash failed", "user_id", userID, "error", err)
	}
}

func (a *API) timingHash() string {
	a.dummyOnce.Do(func() {
		hash, err := a.hasher.Hash(uuid.New())
		if err != nil {
			a.logger.Error("creating timing hash", "error", err)
			return
		}
		a.dummyHash = hash
	})
	return a.dummyHash
}

// Logout handles POST /api/auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var attrs []slog.Attr
	if res := a.sessions.Get(r); res.OK() {
		attrs = append(attrs, slog.String("user_id", res.Claims.UserID()))
	}
	a.sessions.Clear(w)
	a.audit.log(AuditLogout, r, attrs...)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Session handles GET /api/auth/session.
func (a *API) Session(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	user, err := a.store.GetUser(r.Context(), claims.UserID())
	if errors.Is(err, storage.ErrNotFound) {
		a.sessions.Clear(w)
		err = fmt.Errorf("session user %s: %w", claims.UserID(), session.ErrUnauthorized)
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{User: publicUser(user), CredentialID: claims.CredentialID})
}
