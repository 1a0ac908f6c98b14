// Package token issues and verifies the signed, time-bound tokens that carry
// Polar sessions and WebAuthn ceremony state.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"
	"github.com/oklog/ulid/v2"

	"github.com/jmcleod/polar/internal/util"
)

// Class distinguishes token purposes. Classes are never interchangeable.
type Class string

const (
	ClassAccess                 Class = "access"
	ClassRefresh                Class = "refresh"
	ClassRegistrationCeremony   Class = "registration_ceremony"
	ClassAuthenticationCeremony Class = "authentication_ceremony"
)

// Default lifetimes.
const (
	AccessTTL   = 15 * time.Minute
	RefreshTTL  = 7 * 24 * time.Hour
	CeremonyTTL = 5 * time.Minute
)

// MinSecretLen is the minimum HMAC key length accepted by NewService.
const MinSecretLen = 32

const (
	defaultIssuer = "polar"
	clockSkew     = 5 * time.Second
)

var (
	// ErrInvalidToken indicates the token failed validation for any reason.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWeakSecret is returned by NewService for short keys.
	ErrWeakSecret = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLen)
)

// Claims is the JWT payload.
type Claims struct {
	CredentialID string `json:"credentialId,omitempty"`
	Type         Class  `json:"type"`
	State        []byte `json:"state,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Token is a signed token together with the claims it carries.
type Token struct {
	Value     string
	Claims    *Claims
	ExpiresAt time.Time
}

// Service signs and verifies tokens with a single HMAC-SHA256 key.
type Service struct {
	secret *memguard.Enclave
	issuer string
	now    func() time.Time
	ttls   map[Class]time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithIssuer sets the iss claim written and required.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		s.issuer = issuer
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTTL overrides the lifetime of a class.
func WithTTL(class Class, ttl time.Duration) Option {
	return func(s *Service) {
		s.ttls[class] = ttl
	}
}

// NewService returns a Service keyed by secret. The secret is copied into a
// guarded enclave; the caller keeps ownership of the slice passed in.
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, ErrWeakSecret
	}
	s := &Service{
		secret: memguard.NewEnclave(util.CopyBytes(secret)),
		issuer: defaultIssuer,
		now:    time.Now,
		ttls: map[Class]time.Duration{
			ClassAccess:                 AccessTTL,
			ClassRefresh:                RefreshTTL,
			ClassRegistrationCeremony:   CeremonyTTL,
			ClassAuthenticationCeremony: CeremonyTTL,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the configured lifetime for class.
func (s *Service) TTL(class Class) time.Duration {
	return s.ttls[class]
}

// IssueAccess mints an access token for userID. credentialID may be empty
// for sessions established without a passkey.
func (s *Service) IssueAccess(userID, credentialID string) (*Token, error) {
	return s.issue(ClassAccess, userID, credentialID, nil)
}

// IssueRefresh mints a refresh token for userID.
func (s *Service) IssueRefresh(userID, credentialID string) (*Token, error) {
	return s.issue(ClassRefresh, userID, credentialID, nil)
}

// IssueCeremony seals WebAuthn ceremony state. subject is the user the
// ceremony belongs to, or empty for a discoverable login.
func (s *Service) IssueCeremony(class Class, subject string, state []byte) (*Token, error) {
	if !isCeremony(class) {
		return nil, fmt.Errorf("token class %q is not a ceremony class", class)
	}
	return s.issue(class, subject, "", state)
}

func (s *Service) issue(class Class, subject, credentialID string, state []byte) (*Token, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" && !isCeremony(class) {
		return nil, errors.New("subject is required")
	}
	ttl, ok := s.ttls[class]
	if !ok || ttl <= 0 {
		return nil, fmt.Errorf("no lifetime configured for token class %q", class)
	}

	now := s.now().UTC()
	claims := &Claims{
		CredentialID: credentialID,
		Type:         class,
		State:        state,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        ulid.Make().String(),
		},
	}

	key, err := s.secret.Open()
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}
	defer key.Destroy()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &Token{Value: signed, Claims: claims, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Verify checks signature, issuer and lifetime and returns the claims of a
// token of any class. Every failure is reported as ErrInvalidToken.
func (s *Service) Verify(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}

	key, err := s.secret.Open()
	if err != nil {
		return nil, ErrInvalidToken
	}
	defer key.Destroy()

	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return key.Bytes(), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyClass verifies raw and additionally requires its class to be class.
func (s *Service) VerifyClass(raw string, class Class) (*Claims, error) {
	claims, err := s.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != class {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyAccess accepts only access-class tokens.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	return s.VerifyClass(raw, ClassAccess)
}

// VerifyRefresh accepts only refresh-class tokens.
func (s *Service) VerifyRefresh(raw string) (*Claims, error) {
	return s.VerifyClass(raw, ClassRefresh)
}

func (s *Service) validateClaims(c *Claims) error {
	if c.Issuer != s.issuer {
		return fmt.Errorf("unexpected issuer: %s", c.Issuer)
	}
	switch c.Type {
	case ClassAccess, ClassRefresh:
		if strings.TrimSpace(c.Subject) == "" {
			return errors.New("subject missing")
		}
	case ClassRegistrationCeremony, ClassAuthenticationCeremony:
	default:
		return fmt.Errorf("unknown token class %q", c.Type)
	}
	if c.ExpiresAt == nil || c.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := s.now().UTC()
	if !now.Before(c.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	if c.NotBefore != nil && now.Before(c.NotBefore.Time) {
		return errors.New("token not yet valid")
	}
	if c.IssuedAt.Time.After(now.Add(clockSkew)) {
		return errors.New("token issued in the future")
	}
	if c.ExpiresAt.Time.Before(c.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

func isCeremony(c Class) bool {
	return c == ClassRegistrationCeremony || c == ClassAuthenticationCeremony
}
