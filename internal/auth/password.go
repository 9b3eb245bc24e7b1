package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Kept at the owasp-recommended interactive profile;
// bumping them is safe because hashes embed their own parameters and
// NeedsRehash flags old ones for upgrade on next successful login.
const (
	argon2Time    = 3
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4
	argon2KeyLen  = 32
	argon2SaltLen = 16
)

var errMalformedHash = errors.New("auth: malformed password hash")

// HashPassword returns a PHC-format Argon2id hash of the given plaintext:
//
//	$argon2id$v=19$m=65536,t=3,p=4$<b64 salt>$<b64 hash>
//
// The parameters travel inside the string, so verification never depends on
// the process configuration matching the one that produced the hash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argon2Memory, argon2Time, argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword checks a plaintext password against a stored PHC hash using
// the parameters embedded in the hash. A malformed hash verifies false
// rather than erroring, since in either case authentication must fail.
func VerifyPassword(password, stored string) bool {
	params, salt, expected, err := parsePHC(stored)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, params.time, params.memory, params.threads, uint32(len(expected)))

	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// NeedsRehash reports whether the stored hash was produced with outdated
// parameters and should be recomputed after the next successful verify.
func NeedsRehash(stored string) bool {
	params, _, expected, err := parsePHC(stored)
	if err != nil {
		return true
	}
	return params.time != argon2Time ||
		params.memory != argon2Memory ||
		params.threads != argon2Threads ||
		len(expected) != argon2KeyLen
}

type phcParams struct {
	memory  uint32
	time    uint32
	threads uint8
}

// parsePHC splits a $argon2id$v=19$m=..,t=..,p=..$salt$hash string into its
// parameters, salt, and digest.
func parsePHC(stored string) (phcParams, []byte, []byte, error) {
	parts := strings.Split(stored, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return phcParams{}, nil, nil, errMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return phcParams{}, nil, nil, errMalformedHash
	}

	var params phcParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.time, &params.threads); err != nil {
		return phcParams{}, nil, nil, errMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return phcParams{}, nil, nil, errMalformedHash
	}

	hash, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return phcParams{}, nil, nil, errMalformedHash
	}

	return params, salt, hash, nil
}
