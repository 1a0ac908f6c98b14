package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/polar/internal/util"
)

// BeginPasskeyRegistration handles GET /api/auth/passkey/register.
func (a *API) BeginPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	opts, err := a.passkeys.BeginRegistration(r.Context(), w, claims.UserID())
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// FinishPasskeyRegistration handles POST /api/auth/passkey/register/verify.
// On success the session is re-issued bound to the new credential.
func (a *API) FinishPasskeyRegistration(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := claims.UserID()

	req, err := decodeJSON[PasskeyRegisterRequest](w, r, maxAuthBodySize)
	if err == nil && len(req.Response) == 0 {
		err = invalid("response", "Response is required")
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	cred, err := a.passkeys.FinishRegistration(r.Context(), w, r, userID, req.Response, req.DeviceName)
	if err != nil {
		a.audit.logFailure(AuditPasskeyRegistrationFailure, r, err.Error(), slog.String("user_id", userID))
		a.writeFailure(w, r, err)
		return
	}

	credID := util.EncodeID(cred.ID)
	if err := a.sessions.Set(w, userID, credID); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.audit.logUser(AuditPasskeyRegistered, r, userID, credID, slog.String("device_name", cred.DeviceName))
	writeJSON(w, http.StatusOK, PasskeyRegisterResponse{Success: true, CredentialID: credID})
}

// BeginPasskeyLogin handles GET /api/auth/passkey/login.
func (a *API) BeginPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	opts, err := a.passkeys.BeginLogin(r.Context(), w)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// FinishPasskeyLogin handles POST /api/auth/passkey/login/verify.
func (a *API) FinishPasskeyLogin(w http.ResponseWriter, r *http.Request) {
	req, err := decodeJSON[PasskeyLoginRequest](w, r, maxAuthBodySize)
	if err == nil && len(req.Response) == 0 {
		err = invalid("response", "Response is required")
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	login, err := a.passkeys.FinishLogin(r.Context(), w, r, req.Response)
	if err != nil {
		a.audit.logFailure(AuditPasskeyLoginFailure, r, err.Error())
		a.writeFailure(w, r, err)
		return
	}

	user, err := a.store.GetUser(r.Context(), login.UserID)
	if err != nil {
		a.writeFailure(w, r, fmt.Errorf("loading user for credential %s: %w", login.CredentialID, err))
		return
	}
	if err := a.sessions.Set(w, user.ID, login.CredentialID); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.audit.logUser(AuditPasskeyLoginSuccess, r, user.ID, login.CredentialID)
	writeJSON(w, http.StatusOK, UserResponse{User: publicUser(user)})
}

// ListDevices handles GET /api/auth/devices.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	devices, err := a.passkeys.ListDevices(r.Context(), claims.UserID(), claims.CredentialID)
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DevicesResponse{Devices: devices})
}

// RevokeDevice handles DELETE /api/auth/devices?id=.
func (a *API) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := r.URL.Query().Get("id")
	if id == "" {
		a.writeFailure(w, r, invalid("id", "Device id is required"))
		return
	}

	if err := a.passkeys.RevokeDevice(r.Context(), claims.UserID(), claims.CredentialID, id); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.audit.logUser(AuditDeviceRevoked, r, claims.UserID(), claims.CredentialID, slog.String("revoked_id", id))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
