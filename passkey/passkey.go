// Package passkey runs WebAuthn registration and authentication ceremonies
// and manages the registered devices of a user.
//
// Ceremony state never lives on the server. It is sealed into a short-lived
// signed token and carried in an HttpOnly cookie that is deleted as soon as
// the browser submits its response.
package passkey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jmcleod/polar/internal/cookies"
	"github.com/jmcleod/polar/internal/util"
	"github.com/jmcleod/polar/storage"
	"github.com/jmcleod/polar/token"
)

// Challenge cookie names.
const (
	RegistrationCookie   = "webauthn_challenge"
	AuthenticationCookie = "webauthn_auth_challenge"
)

const (
	// DefaultDeviceName is used when the caller names no device.
	DefaultDeviceName = "Unknown Device"
	// MaxDeviceNameLen is the longest device name kept, in runes.
	MaxDeviceNameLen = 64
)

var (
	ErrChallengeExpired     = errors.New("challenge expired")
	ErrRegistrationFailed   = errors.New("registration failed")
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrCurrentDevice is returned when revoking the credential that backs
	// the caller's own session.
	ErrCurrentDevice = errors.New("cannot revoke the current device")

	errUserHandleMismatch = errors.New("user handle does not match credential owner")
)

// Device is a registered credential as shown to its owner.
type Device struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	LastUsed  *time.Time `json:"lastUsed"`
	CreatedAt time.Time  `json:"createdAt"`
	IsCurrent bool       `json:"isCurrent"`
}

// Login identifies who completed an authentication ceremony.
type Login struct {
	UserID       string
	CredentialID string
}

// Service owns the ceremony lifecycle, counter enforcement and credential
// persistence. Cryptographic checks are delegated to a Verifier.
type Service struct {
	verifier Verifier
	store    storage.Store
	tokens   *token.Service
	secure   bool
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithSecure sets the Secure attribute on challenge cookies.
func WithSecure(secure bool) Option {
	return func(s *Service) { s.secure = secure }
}

// WithClock sets the time source used for credential timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService returns a Service.
func NewService(verifier Verifier, store storage.Store, tokens *token.Service, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		store:    store,
		tokens:   tokens,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BeginRegistration starts a registration ceremony for userID, writes the
// challenge cookie and returns the creation options.
func (s *Service) BeginRegistration(ctx context.Context, w http.ResponseWriter, userID string) (any, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	existing, err := s.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	ceremony, err := s.verifier.BeginRegistration(user, existing)
	if err != nil {
		return nil, fmt.Errorf("beginning registration: %w", err)
	}
	if err := s.setChallenge(w, RegistrationCookie, token.ClassRegistrationCeremony, userID, ceremony.State); err != nil {
		return nil, err
	}
	return ceremony.Options, nil
}

// FinishRegistration verifies the browser's attestation response and stores
// the new credential for userID under deviceName.
func (s *Service) FinishRegistration(ctx context.Context, w http.ResponseWriter, r *http.Request, userID string, response []byte, deviceName string) (*storage.Credential, error) {
	claims, err := s.ConsumeChallenge(w, r, RegistrationCookie, token.ClassRegistrationCeremony)
	if err != nil {
		return nil, err
	}
	if claims.Subject != userID {
		return nil, fmt.Errorf("%w: challenge issued to another user", ErrRegistrationFailed)
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}

	cred, err := s.verifier.FinishRegistration(user, claims.State, response)
	if err != nil {
		if errors.Is(err, ErrChallengeExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	cred.UserID = userID
	cred.DeviceName = NormalizeDeviceName(deviceName)
	cred.CreatedAt = s.now().UTC()
	cred.LastUsedAt = nil

	if err := s.store.CreateCredential(ctx, *cred); err != nil {
		if errors.Is(err, storage.ErrCredentialExists) {
			return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
		}
		return nil, fmt.Errorf("storing credential: %w", err)
	}
	s.logger.Info("passkey registered", "user_id", userID, "credential_id", util.EncodeID(cred.ID))
	return cred, nil
}

// BeginLogin starts a discoverable authentication ceremony.
func (s *Service) BeginLogin(ctx context.Context, w http.ResponseWriter) (any, error) {
	ceremony, err := s.verifier.BeginLogin()
	if err != nil {
		return nil, fmt.Errorf("beginning login: %w", err)
	}
	if err := s.setChallenge(w, AuthenticationCookie, token.ClassAuthenticationCeremony, "", ceremony.State); err != nil {
		return nil, err
	}
	return ceremony.Options, nil
}

// FinishLogin verifies the browser's assertion response, advances the
// credential's counter and reports who signed in.
func (s *Service) FinishLogin(ctx context.Context, w http.ResponseWriter, r *http.Request, response []byte) (*Login, error) {
	claims, err := s.ConsumeChallenge(w, r, AuthenticationCookie, token.ClassAuthenticationCeremony)
	if err != nil {
		return nil, err
	}

	assertion, err := s.verifier.FinishLogin(ctx, claims.State, response, s.lookup)
	if err != nil {
		if errors.Is(err, ErrChallengeExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	if assertion.CloneWarning {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, storage.ErrCounterRegression)
	}

	err = s.store.UpdateCredentialUsage(ctx, assertion.CredentialID, assertion.Counter, s.now().UTC())
	switch {
	case errors.Is(err, storage.ErrCounterRegression), errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	case err != nil:
		return nil, fmt.Errorf("updating credential: %w", err)
	}

	return &Login{UserID: assertion.UserID, CredentialID: util.EncodeID(assertion.CredentialID)}, nil
}

func (s *Service) lookup(ctx context.Context, credentialID, userHandle []byte) (storage.Credential, error) {
	cred, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return storage.Credential{}, err
	}
	if len(userHandle) > 0 && string(userHandle) != cred.UserID {
		return storage.Credential{}, errUserHandleMismatch
	}
	return cred, nil
}

// ListDevices returns userID's credentials, marking the one whose encoded
// id equals currentCredentialID.
func (s *Service) ListDevices(ctx context.Context, userID, currentCredentialID string) ([]Device, error) {
	creds, err := s.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	devices := make([]Device, 0, len(creds))
	for _, c := range creds {
		id := util.EncodeID(c.ID)
		devices = append(devices, Device{
			ID:        id,
			Name:      c.DeviceName,
			LastUsed:  c.LastUsedAt,
			CreatedAt: c.CreatedAt,
			IsCurrent: currentCredentialID != "" && id == currentCredentialID,
		})
	}
	return devices, nil
}

// RevokeDevice deletes one of userID's credentials. Unknown ids and ids
// owned by someone else yield storage.ErrNotFound, which takes precedence
// over ErrCurrentDevice.
func (s *Service) RevokeDevice(ctx context.Context, userID, currentCredentialID, id string) error {
	raw, err := util.DecodeID(id)
	if err != nil || len(raw) == 0 {
		return fmt.Errorf("credential %q: %w", id, storage.ErrNotFound)
	}
	cred, err := s.store.GetCredential(ctx, raw)
	if err != nil {
		return err
	}
	if cred.UserID != userID {
		return fmt.Errorf("credential %q: %w", id, storage.ErrNotFound)
	}
	if currentCredentialID != "" && util.EncodeID(raw) == currentCredentialID {
		return ErrCurrentDevice
	}
	return s.store.DeleteCredential(ctx, userID, raw)
}

// ConsumeChallenge reads and deletes the named challenge cookie. The cookie
// is deleted whether or not it verifies.
func (s *Service) ConsumeChallenge(w http.ResponseWriter, r *http.Request, name string, class token.Class) (*token.Claims, error) {
	http.SetCookie(w, cookies.Expired(name, s.secure))

	raw := cookies.Value(r, name)
	if raw == "" {
		return nil, ErrChallengeExpired
	}
	claims, err := s.tokens.VerifyClass(raw, class)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrChallengeExpired, err)
	}
	if len(claims.State) == 0 {
		return nil, ErrChallengeExpired
	}
	return claims, nil
}

func (s *Service) setChallenge(w http.ResponseWriter, name string, class token.Class, subject string, state []byte) error {
	sealed, err := s.tokens.IssueCeremony(class, subject, state)
	if err != nil {
		return fmt.Errorf("sealing ceremony state: %w", err)
	}
	http.SetCookie(w, cookies.New(name, sealed.Value, s.tokens.TTL(class), s.secure))
	return nil
}

// NormalizeDeviceName trims name, substitutes DefaultDeviceName for an
// empty name and truncates to MaxDeviceNameLen runes.
func NormalizeDeviceName(name string) string {
	name = strings.TrimSpace(name)
	if utf8.RuneCountInString(name) > MaxDeviceNameLen {
		name = strings.TrimSpace(string([]rune(name)[:MaxDeviceNameLen]))
	}
	if name == "" {
		return DefaultDeviceName
	}
	return name
}
