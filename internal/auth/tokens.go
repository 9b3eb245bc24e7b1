package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// AgentTokenPrefix tags every agent bearer token so leaked credentials
	// are recognizable in logs and scanners without exposing the secret.
	AgentTokenPrefix = "agt_"

	// tokenBytes is the entropy of refresh and agent tokens before encoding.
	tokenBytes = 32
)

// GenerateAgentToken returns a new raw agent token: the fixed prefix plus
// 32 bytes of URL-safe random. Only its digest is ever persisted.
func GenerateAgentToken() (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("auth: generating agent token: %w", err)
	}
	return AgentTokenPrefix + raw, nil
}

// GenerateRefreshToken returns a new raw refresh token, URL-safe encoded.
func GenerateRefreshToken() (string, error) {
	raw, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("auth: generating refresh token: %w", err)
	}
	return raw, nil
}

// HashToken returns the SHA-256 hex digest of a raw token. This is the only
// form that ever reaches storage; lookups compare digests, never raw values.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsAgentToken reports whether a presented credential carries the agent
// token prefix, which routes it to agent auth instead of JWT parsing.
func IsAgentToken(raw string) bool {
	return strings.HasPrefix(raw, AgentTokenPrefix)
}

func randomToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
