package util

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	SaltLen     uint32 `json:"salt_len"`
	KeyLen      uint32 `json:"key_len"`
}

// Named cost profiles.
const (
	KDFProfileInteractive = "interactive" // sub-second, dev/testing
	KDFProfileModerate    = "moderate"    // production default
	KDFProfileSensitive   = "sensitive"
)

// Lower bounds accepted by ValidateArgon2idParams.
const (
	MinArgon2Time      uint32 = 1
	MinArgon2MemoryKiB uint32 = 19 * 1024
	MinArgon2Parallel  uint8  = 1
)

// ErrMalformedHash is returned when an encoded hash cannot be parsed.
var ErrMalformedHash = errors.New("malformed argon2id hash")

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        3,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// Argon2idProfile returns the parameters for a named profile.
func Argon2idProfile(name string) (Argon2idParams, error) {
	p := DefaultArgon2idParams()
	switch name {
	case KDFProfileInteractive:
		p.Time, p.MemoryKiB, p.Parallelism = 2, 19*1024, 1
	case KDFProfileModerate:
	case KDFProfileSensitive:
		p.Time, p.MemoryKiB = 4, 128*1024
	default:
		return Argon2idParams{}, fmt.Errorf("unknown argon2id profile %q", name)
	}
	return p, nil
}

// ValidateArgon2idParams checks that p meets the minimum acceptable thresholds.
func ValidateArgon2idParams(p Argon2idParams) error {
	switch {
	case p.KeyLen != 32:
		return fmt.Errorf("argon2id key length must be 32 bytes")
	case p.Time < MinArgon2Time:
		return fmt.Errorf("argon2id time must be at least %d", MinArgon2Time)
	case p.MemoryKiB < MinArgon2MemoryKiB:
		return fmt.Errorf("argon2id memory must be at least %d KiB", MinArgon2MemoryKiB)
	case p.Parallelism < MinArgon2Parallel:
		return fmt.Errorf("argon2id parallelism must be at least %d", MinArgon2Parallel)
	case p.SaltLen < 16:
		return fmt.Errorf("argon2id salt must be at least 16 bytes")
	}
	return nil
}

func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

func CompareArgon2idKey(passphrase string, salt []byte, params Argon2idParams, expectedKey []byte) (bool, error) {
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expectedKey) == 1, nil
}

// EncodeArgon2idHash derives a key with a fresh random salt and returns it in
// the PHC string format: $argon2id$v=19$m=<mem>,t=<time>,p=<par>$<salt>$<key>.
func EncodeArgon2idHash(passphrase string, params Argon2idParams) (string, error) {
	if params.SaltLen == 0 {
		params.SaltLen = 16
	}
	salt, err := RandomBytes(int(params.SaltLen))
	if err != nil {
		return "", err
	}
	key, err := DeriveArgon2idKey(passphrase, salt, params)
	if err != nil {
		return "", err
	}
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.MemoryKiB, params.Time, params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// DecodeArgon2idHash parses a PHC encoded hash back into its parameters,
// salt and derived key.
func DecodeArgon2idHash(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	var p Argon2idParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.MemoryKiB, &p.Time, &p.Parallelism); err != nil {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil || len(key) != 32 {
		return Argon2idParams{}, nil, nil, ErrMalformedHash
	}
	p.SaltLen = uint32(len(salt))
	p.KeyLen = uint32(len(key))
	return p, salt, key, nil
}

// VerifyArgon2idHash reports whether passphrase matches the encoded hash.
func VerifyArgon2idHash(passphrase, encoded string) (bool, error) {
	params, salt, key, err := DecodeArgon2idHash(encoded)
	if err != nil {
		return false, err
	}
	return CompareArgon2idKey(passphrase, salt, params, key)
}
