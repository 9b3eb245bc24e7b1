package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// accessTokenDuration defines how long an access token remains valid.
	// Refresh tokens handle session continuity past this window.
	accessTokenDuration = 15 * time.Minute

	// minSecretLen is the minimum HS256 signing secret length in bytes.
	minSecretLen = 32
)

// Claims holds the custom JWT claims embedded in every access token.
// Standard claims (exp, iat, iss, jti) are included via jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	// UserID is the UUID of the authenticated operator.
	UserID string `json:"uid"`

	// Username is included so the frontend can display the logged-in
	// identity without an extra profile fetch.
	Username string `json:"username"`

	// Role is the operator's role at token issuance time. Access tokens are
	// short-lived so role staleness is acceptable.
	Role string `json:"role"`
}

// JWTManager handles HS256 signing and verification of access tokens.
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager returns a JWTManager signing with the given shared secret.
// Returns ErrWeakSecret when the secret is shorter than 32 bytes; the server
// refuses to start rather than sign with weak material.
func NewJWTManager(secret []byte, issuer string) (*JWTManager, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	return &JWTManager{secret: secret, issuer: issuer}, nil
}

// GenerateAccessToken creates a signed HS256 JWT for the given operator and
// returns it together with its expiry time, which login responses expose as
// expires_at.
func (m *JWTManager) GenerateAccessToken(userID, username, role string) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(accessTokenDuration)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			// JTI gives each token a unique identity, ready for a denylist
			// should revocation of individual access tokens be needed.
			ID: uuid.NewString(),
		},
		UserID:   userID,
		Username: username,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing access token: %w", err)
	}

	return signed, expiresAt, nil
}

// ValidateAccessToken parses and verifies a JWT string.
// Returns the embedded Claims on success, or a sentinel error on failure.
//
// Callers should use errors.Is(err, auth.ErrTokenExpired) to distinguish
// expired tokens from tampered or malformed ones.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Reject tokens signed with anything other than HMAC. This
			// blocks the alg:none and asymmetric-confusion attacks.
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.secret, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}
