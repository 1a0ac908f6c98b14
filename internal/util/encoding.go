package util

import (
	"encoding/base64"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies Unicode NFKC so visually identical input compares equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// EncodeID renders a binary identifier (e.g. a WebAuthn credential id) as
// unpadded base64url, the form browsers use for rawId.
func EncodeID(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeID accepts padded or unpadded base64url.
func DecodeID(s string) ([]byte, error) {
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(s)
}
