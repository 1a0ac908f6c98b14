// Package passphrase hashes and verifies account passphrases with Argon2id
// and enforces the passphrase strength policy.
package passphrase

import (
	"fmt"

	"github.com/jmcleod/polar/internal/util"
)

// Hasher produces and checks encoded Argon2id digests.
type Hasher struct {
	params util.Argon2idParams
}

// Option configures a Hasher.
type Option func(*Hasher)

// WithParams overrides the Argon2id cost parameters.
func WithParams(p util.Argon2idParams) Option {
	return func(h *Hasher) {
		h.params = p
	}
}

// NewHasher returns a Hasher using the default (moderate) cost unless
// overridden.
func NewHasher(opts ...Option) *Hasher {
	h := &Hasher{params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(h)
	}
	if h.params.KeyLen == 0 {
		h.params.KeyLen = 32
	}
	if h.params.SaltLen == 0 {
		h.params.SaltLen = 16
	}
	return h
}

// Hash returns the encoded digest of passphrase. The salt and cost
// parameters are embedded in the result.
func (h *Hasher) Hash(passphrase string) (string, error) {
	encoded, err := util.EncodeArgon2idHash(util.Normalize(passphrase), h.params)
	if err != nil {
		return "", fmt.Errorf("hashing passphrase: %w", err)
	}
	return encoded, nil
}

// Verify reports whether passphrase matches encoded. A malformed digest
// yields false.
func (h *Hasher) Verify(passphrase, encoded string) bool {
	ok, err := util.VerifyArgon2idHash(util.Normalize(passphrase), encoded)
	return err == nil && ok
}

// NeedsRehash reports whether encoded was produced with different cost
// parameters than the hasher currently uses.
func (h *Hasher) NeedsRehash(encoded string) bool {
	p, _, _, err := util.DecodeArgon2idHash(encoded)
	if err != nil {
		return true
	}
	return p.Time != h.params.Time || p.MemoryKiB != h.params.MemoryKiB || p.Parallelism != h.params.Parallelism
}
