package passphrase

import (
	"regexp"
	"unicode/utf8"

	"github.com/jmcleod/polar/internal/util"
)

// Length bounds, in Unicode code points.
const (
	MinLength = 12
	MaxLength = 128
)

// Strength policy messages.
const (
	ErrTooShort    = "Passphrase must be at least 12 characters long"
	ErrTooLong     = "Passphrase must be at most 128 characters long"
	ErrPredictable = "Passphrase contains predictable patterns"
)

// Strength is the outcome of ValidateStrength.
type Strength struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

var predictablePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:012|123|234|345|456|567|678|789|890)+$`),
	regexp.MustCompile(`(?i)^(?:abc|bcd|cde|def|efg|fgh|ghi|hij|ijk|jkl|klm|lmn|mno|nop|opq|pqr|qrs|rst|stu|tuv|uvw|vwx|wxy|xyz)+$`),
}

// ValidateStrength checks passphrase against the length bounds and the
// predictable pattern list. All failures are reported together; the pattern
// failure appears at most once.
func ValidateStrength(passphrase string) Strength {
	normalized := util.Normalize(passphrase)
	n := utf8.RuneCountInString(normalized)

	var errs []string
	if n < MinLength {
		errs = append(errs, ErrTooShort)
	}
	if n > MaxLength {
		errs = append(errs, ErrTooLong)
	}
	if isPredictable(normalized) {
		errs = append(errs, ErrPredictable)
	}
	return Strength{Valid: len(errs) == 0, Errors: errs}
}

func isPredictable(s string) bool {
	if repeatsSingleRune(s) {
		return true
	}
	for _, re := range predictablePatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// repeatsSingleRune reports whether s is at least two copies of one rune.
func repeatsSingleRune(s string) bool {
	first, size := utf8.DecodeRuneInString(s)
	if size == 0 || len(s) == size {
		return false
	}
	for _, r := range s[size:] {
		if r != first {
			return false
		}
	}
	return true
}
