// Package storage defines persistence for Polar users and their WebAuthn
// credentials, plus the errors every backend reports.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a user or credential does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned by CreateUser for a duplicate email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrUsernameTaken is returned by CreateUser for a duplicate username.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrCredentialExists is returned by CreateCredential for a duplicate id.
	ErrCredentialExists = errors.New("credential already registered")
	// ErrCounterRegression is returned by UpdateCredentialUsage when the new
	// signature counter does not advance past the stored one.
	ErrCounterRegression = errors.New("signature counter did not increase")
)

// User is an account holder.
type User struct {
	ID             string
	Email          string
	Username       string
	PassphraseHash string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CredentialFlags mirrors the authenticator data flags recorded at
// registration.
type CredentialFlags struct {
	UserPresent    bool `json:"userPresent"`
	UserVerified   bool `json:"userVerified"`
	BackupEligible bool `json:"backupEligible"`
	BackupState    bool `json:"backupState"`
}

const (
	flagUserPresent uint8 = 1 << iota
	flagUserVerified
	flagBackupEligible
	flagBackupState
)

// Bits packs the flags for column storage.
func (f CredentialFlags) Bits() uint8 {
	var b uint8
	if f.UserPresent {
		b |= flagUserPresent
	}
	if f.UserVerified {
		b |= flagUserVerified
	}
	if f.BackupEligible {
		b |= flagBackupEligible
	}
	if f.BackupState {
		b |= flagBackupState
	}
	return b
}

// FlagsFromBits is the inverse of CredentialFlags.Bits.
func FlagsFromBits(b uint8) CredentialFlags {
	return CredentialFlags{
		UserPresent:    b&flagUserPresent != 0,
		UserVerified:   b&flagUserVerified != 0,
		BackupEligible: b&flagBackupEligible != 0,
		BackupState:    b&flagBackupState != 0,
	}
}

// Credential is a registered WebAuthn public key. ID is the identifier
// chosen by the authenticator.
type Credential struct {
	ID              []byte
	UserID          string
	PublicKey       []byte
	Counter         uint32
	DeviceName      string
	Transports      []string
	AttestationType string
	AAGUID          []byte
	Flags           CredentialFlags
	LastUsedAt      *time.Time
	CreatedAt       time.Time
}

// UserStore persists users.
type UserStore interface {
	// CreateUser inserts u. Duplicate emails or usernames fail with
	// ErrEmailTaken or ErrUsernameTaken.
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id string) (User, error)
	// FindUserByIdentifier matches identifier against email, then username.
	FindUserByIdentifier(ctx context.Context, identifier string) (User, error)
	// FirstUser returns the earliest registered user (single-account mode).
	FirstUser(ctx context.Context) (User, error)
	UpdateUserPassphrase(ctx context.Context, id, hash string, at time.Time) error
}

// CredentialStore persists WebAuthn credentials. Writes are atomic per
// credential id.
type CredentialStore interface {
	CreateCredential(ctx context.Context, c Credential) error
	GetCredential(ctx context.Context, id []byte) (Credential, error)
	// ListCredentials returns a user's credentials ordered by creation time.
	ListCredentials(ctx context.Context, userID string) ([]Credential, error)
	// UpdateCredentialUsage stores counter and usedAt if CounterAdvances
	// holds for the stored counter, otherwise ErrCounterRegression.
	UpdateCredentialUsage(ctx context.Context, id []byte, counter uint32, usedAt time.Time) error
	// DeleteCredential removes a credential owned by userID.
	DeleteCredential(ctx context.Context, userID string, id []byte) error
}

// Store is the full persistence surface.
type Store interface {
	UserStore
	CredentialStore
	// Reset deletes every user and credential.
	Reset(ctx context.Context) error
	Close() error
}

// CounterAdvances reports whether next is an acceptable successor to the
// stored counter. Authenticators that do not implement counters always
// report zero; that pair is allowed.
func CounterAdvances(stored, next uint32) bool {
	if stored == 0 && next == 0 {
		return true
	}
	return next > stored
}

// NormalizeEmail lower-cases and trims an email address for storage and
// lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// JoinTransports and SplitTransports encode transport hints for text columns.
func JoinTransports(t []string) string {
	return strings.Join(t, ",")
}

func SplitTransports(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
