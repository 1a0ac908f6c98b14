package passkey

//go:generate mockgen -source=verifier.go -destination=passkeymock/verifier.go -package=passkeymock

import (
	"context"

	"github.com/jmcleod/polar/storage"
)

// Ceremony is the browser-facing half of a started ceremony together with
// the server state needed to finish it.
type Ceremony struct {
	// Options is marshalled to JSON and handed to navigator.credentials.
	Options any
	// Challenge is the base64url challenge embedded in Options.
	Challenge string
	// State is opaque to callers and must be passed back unchanged.
	State []byte
}

// Assertion is the result of a verified authentication response.
type Assertion struct {
	UserID       string
	CredentialID []byte
	// Counter is the signature counter reported by the authenticator.
	Counter uint32
	// CloneWarning is set when the reported counter did not advance.
	CloneWarning bool
}

// CredentialLookup resolves the credential named in an authentication
// response. userHandle is the user id the authenticator returned.
type CredentialLookup func(ctx context.Context, credentialID, userHandle []byte) (storage.Credential, error)

// Verifier performs the cryptographic half of WebAuthn ceremonies.
type Verifier interface {
	// BeginRegistration starts a registration for user. Credentials in
	// exclude are listed so the authenticator refuses to register twice.
	BeginRegistration(user storage.User, exclude []storage.Credential) (*Ceremony, error)
	// FinishRegistration verifies an attestation response. The returned
	// credential has no owner, device name or creation time set.
	FinishRegistration(user storage.User, state, response []byte) (*storage.Credential, error)
	// BeginLogin starts a discoverable authentication.
	BeginLogin() (*Ceremony, error)
	// FinishLogin verifies an assertion response against the credential
	// returned by lookup.
	FinishLogin(ctx context.Context, state, response []byte, lookup CredentialLookup) (*Assertion, error)
}
