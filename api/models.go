package api

import (
	"encoding/json"
	"time"

	"github.com/jmcleod/polar/passkey"
	"github.com/jmcleod/polar/storage"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Field   string   `json:"field,omitempty"`
	Details []string `json:"details,omitempty"`
}

// User is the public view of an account.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

func publicUser(u storage.User) User {
	return User{ID: u.ID, Email: u.Email, Username: u.Username, CreatedAt: u.CreatedAt}
}

// RegisterRequest is the JSON body for POST /api/auth/register.
type RegisterRequest struct {
	Email      string `json:"email"`
	Username   string `json:"username"`
	Passphrase string `json:"passphrase"`
}

// LoginRequest is the JSON body for POST /api/auth/login. Identifier is
// an email address or a username.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Passphrase string `json:"passphrase"`
}

// PassphraseRequest is the JSON body for POST /api/auth/passphrase.
type PassphraseRequest struct {
	Passphrase string `json:"passphrase"`
}

// UserResponse is returned by the endpoints that establish a session.
type UserResponse struct {
	User User `json:"user"`
}

// SessionResponse is returned from GET /api/auth/session.
type SessionResponse struct {
	User         User   `json:"user"`
	CredentialID string `json:"credentialId,omitempty"`
}

// PasskeyRegisterRequest is the JSON body for
// POST /api/auth/passkey/register/verify.
type PasskeyRegisterRequest struct {
	Response   json.RawMessage `json:"response"`
	DeviceName string          `json:"deviceName,omitempty"`
}

// PasskeyRegisterResponse is returned after a passkey is registered.
type PasskeyRegisterResponse struct {
	Success      bool   `json:"success"`
	CredentialID string `json:"credentialId"`
}

// PasskeyLoginRequest is the JSON body for
// POST /api/auth/passkey/login/verify.
type PasskeyLoginRequest struct {
	Response json.RawMessage `json:"response"`
}

// DevicesResponse is returned from GET /api/auth/devices.
type DevicesResponse struct {
	Devices []passkey.Device `json:"devices"`
}

// ResetRequest is the JSON body for POST /api/reset.
type ResetRequest struct {
	Confirm string `json:"confirm"`
}

// SuccessResponse acknowledges a request with no other result.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// HealthResponse is returned from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}
