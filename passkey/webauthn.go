package passkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/token"
)

// Config describes the relying party.
type Config struct {
	RPID    string
	RPName  string
	Origins []string
}

// WebAuthnVerifier implements Verifier with go-webauthn.
type WebAuthnVerifier struct {
	wa *webauthn.WebAuthn
}

var _ Verifier = (*WebAuthnVerifier)(nil)

// NewWebAuthnVerifier validates cfg and returns a verifier. Registration
// prefers resident keys and user verification and asks for no attestation.
func NewWebAuthnVerifier(cfg Config) (*WebAuthnVerifier, error) {
	timeout := webauthn.TimeoutConfig{
		Enforce:    true,
		Timeout:    token.CeremonyTTL,
		TimeoutUVD: token.CeremonyTTL,
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  cfg.RPID,
		RPDisplayName:         cfg.RPName,
		RPOrigins:             cfg.Origins,
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			ResidentKey:      protocol.ResidentKeyRequirementPreferred,
			UserVerification: protocol.VerificationPreferred,
		},
		Timeouts: webauthn.TimeoutsConfig{
			Login:        timeout,
			Registration: timeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &WebAuthnVerifier{wa: wa}, nil
}

// webauthnUser adapts a stored user and its credentials to webauthn.User.
type webauthnUser struct {
	id          []byte
	name        string
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return u.id }
func (u *webauthnUser) WebAuthnName() string                       { return u.name }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.name }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func newWebAuthnUser(user storage.User, creds []storage.Credential) *webauthnUser {
	u := &webauthnUser{id: []byte(user.ID), name: user.Username}
	for _, c := range creds {
		u.credentials = append(u.credentials, toWebAuthnCredential(c))
	}
	return u
}

func toWebAuthnCredential(c storage.Credential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
	for _, t := range c.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(t))
	}
	return webauthn.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    c.AAGUID,
			SignCount: c.Counter,
		},
	}
}

func fromWebAuthnCredential(c *webauthn.Credential) *storage.Credential {
	var transports []string
	for _, t := range c.Transport {
		transports = append(transports, string(t))
	}
	return &storage.Credential{
		ID:              c.ID,
		PublicKey:       c.PublicKey,
		Counter:         c.Authenticator.SignCount,
		Transports:      transports,
		AttestationType: c.AttestationType,
		AAGUID:          c.Authenticator.AAGUID,
		Flags: storage.CredentialFlags{
			UserPresent:    c.Flags.UserPresent,
			UserVerified:   c.Flags.UserVerified,
			BackupEligible: c.Flags.BackupEligible,
			BackupState:    c.Flags.BackupState,
		},
	}
}

func (v *WebAuthnVerifier) BeginRegistration(user storage.User, exclude []storage.Credential) (*Ceremony, error) {
	wu := newWebAuthnUser(user, exclude)
	creation, session, err := v.wa.BeginRegistration(wu,
		webauthn.WithExclusions(webauthn.Credentials(wu.credentials).CredentialDescriptors()),
	)
	if err != nil {
		return nil, err
	}
	return newCeremony(creation, session)
}

func (v *WebAuthnVerifier) FinishRegistration(user storage.User, state, response []byte) (*storage.Credential, error) {
	session, err := decodeSession(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("parsing attestation: %w", describe(err))
	}
	cred, err := v.wa.CreateCredential(newWebAuthnUser(user, nil), *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("verifying attestation: %w", describe(err))
	}
	return fromWebAuthnCredential(cred), nil
}

func (v *WebAuthnVerifier) BeginLogin() (*Ceremony, error) {
	assertion, session, err := v.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, err
	}
	return newCeremony(assertion, session)
}

func (v *WebAuthnVerifier) FinishLogin(ctx context.Context, state, response []byte, lookup CredentialLookup) (*Assertion, error) {
	session, err := decodeSession(state)
	if err != nil {
		return nil, err
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return nil, fmt.Errorf("parsing assertion: %w", describe(err))
	}

	var owner string
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		stored, err := lookup(ctx, rawID, userHandle)
		if err != nil {
			return nil, err
		}
		owner = stored.UserID
		return newWebAuthnUser(storage.User{ID: stored.UserID}, []storage.Credential{stored}), nil
	}

	_, cred, err := v.wa.ValidatePasskeyLogin(handler, *session, parsed)
	if err != nil {
		return nil, fmt.Errorf("verifying assertion: %w", describe(err))
	}
	return &Assertion{
		UserID:       owner,
		CredentialID: cred.ID,
		Counter:      cred.Authenticator.SignCount,
		CloneWarning: cred.Authenticator.CloneWarning,
	}, nil
}

func newCeremony(options any, session *webauthn.SessionData) (*Ceremony, error) {
	state, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encoding ceremony state: %w", err)
	}
	return &Ceremony{Options: options, Challenge: session.Challenge, State: state}, nil
}

func decodeSession(state []byte) (*webauthn.SessionData, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal(state, &session); err != nil {
		return nil, fmt.Errorf("decoding ceremony state: %w", err)
	}
	if session.Challenge == "" {
		return nil, errors.New("ceremony state has no challenge")
	}
	if !session.Expires.IsZero() && time.Now().After(session.Expires) {
		return nil, ErrChallengeExpired
	}
	return &session, nil
}

// describe folds the developer detail of a protocol error into its message
// so it reaches the logs.
func describe(err error) error {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.DevInfo != "" {
		return fmt.Errorf("%w (%s)", err, perr.DevInfo)
	}
	return err
}
