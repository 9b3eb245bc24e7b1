package registry

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidFingerprint is returned when a fingerprint cannot be normalized
// into a valid MAC address.
var ErrInvalidFingerprint = errors.New("registry: invalid fingerprint")

var fingerprintRE = regexp.MustCompile(`^[0-9A-F]{2}(:[0-9A-F]{2}){5}$`)

// NormalizeFingerprint canonicalizes a MAC address to uppercase,
// colon-separated, six two-hex-digit groups. Dash separators and bare
// twelve-digit hex are accepted on input; anything else fails.
func NormalizeFingerprint(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", ":")

	if len(s) == 12 && !strings.Contains(s, ":") {
		var b strings.Builder
		b.Grow(17)
		for i := 0; i < 12; i += 2 {
			if i > 0 {
				b.WriteByte(':')
			}
			b.WriteString(s[i : i+2])
		}
		s = b.String()
	}

	if !fingerprintRE.MatchString(s) {
		return "", ErrInvalidFingerprint
	}
	return s, nil
}
