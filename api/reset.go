package api

import (
	"fmt"
	"net/http"
)

// resetConfirmation must be sent verbatim to POST /api/reset.
const resetConfirmation = "DELETE ALL DATA"

// Reset handles POST /api/reset. It deletes every user and credential and
// ends the caller's session.
func (a *API) Reset(w http.ResponseWriter, r *http.Request) {
	if !a.allowReset {
		a.writeFailure(w, r, errResetDisabled)
		return
	}
	req, err := decodeJSON[ResetRequest](w, r, maxAuthBodySize)
	if err == nil && req.Confirm != resetConfirmation {
		err = invalid("confirm", fmt.Sprintf("Confirmation must be %q", resetConfirmation))
	}
	if err != nil {
		a.writeFailure(w, r, err)
		return
	}

	claims := claimsFromContext(r.Context())
	if err := a.store.Reset(r.Context()); err != nil {
		a.writeFailure(w, r, err)
		return
	}
	a.sessions.Clear(w)
	a.audit.logUser(AuditReset, r, claims.UserID(), claims.CredentialID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}
