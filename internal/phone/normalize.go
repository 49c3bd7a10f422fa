package phone

import (
	"strings"

	"github.com/vera-market/vera/internal/apperror"
)

const (
	nationalDigits = 10
	codeDigits     = 6
	minCodeDigits  = 4
	countryPrefix  = "+1"
)

func digitsOnly(raw string, max int) string {
	var b strings.Builder
	for _, r := range raw {
		if r < '0' || r > '9' {
			continue
		}
		if b.Len() == max {
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeNumber strips everything but digits and keeps the first ten.
func NormalizeNumber(raw string) string {
	return digitsOnly(raw, nationalDigits)
}

// ValidateNumber normalizes raw and requires exactly ten national digits.
// Only US numbers are accepted.
func ValidateNumber(raw string) (string, error) {
	national := NormalizeNumber(raw)
	if len(national) != nationalDigits {
		return "", apperror.ErrInvalidNumber
	}
	return national, nil
}

// E164 formats ten national digits as a US E.164 number.
func E164(national string) string {
	return countryPrefix + national
}

// NormalizeCode strips non-digits and keeps the first six.
func NormalizeCode(raw string) string {
	return digitsOnly(raw, codeDigits)
}
