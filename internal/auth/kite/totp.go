package kite

import (
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/yanun0323/errors"
)

// TOTPNow returns the current 6-digit code for a base32 seed.
// Seeds are often displayed in spaced groups; whitespace is stripped.
func TOTPNow(seed string) (string, error) {
	return TOTPAt(seed, time.Now())
}

// TOTPAt returns the code for a specific instant.
func TOTPAt(seed string, at time.Time) (string, error) {
	code, err := totp.GenerateCode(normalizeSeed(seed), at)
	if err != nil {
		return "", errors.Wrap(err, "generate totp")
	}
	return code, nil
}

func normalizeSeed(seed string) string {
	return strings.ToUpper(strings.Join(strings.Fields(seed), ""))
}
