package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTokenTTL is used when ACCESS_TOKEN_EXPIRE_MINUTES is unset.
	DefaultAccessTokenTTL = 30 * time.Minute

	// DefaultRefreshTokenTTL bounds how long a login survives without
	// re-entering credentials.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour

	tokenIssuer = "kubedeck"
)

// Claims is the JWT payload carried by access tokens.
type Claims struct {
	UserID   int64  `json:"uid"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// Verifier issues and validates HS256 access tokens.
type Verifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithAccessTokenTTL overrides the access token lifetime.
func WithAccessTokenTTL(ttl time.Duration) VerifierOption {
	return func(v *Verifier) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// withVerifierClock replaces the time source in tests.
func withVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier creates a Verifier. The signing secret is mandatory; starting
// without one would let anyone mint admin tokens.
func NewVerifier(secret string, opts ...VerifierOption) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT signing secret is required")
	}
	v := &Verifier{
		secret: []byte(secret),
		ttl:    DefaultAccessTokenTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Issue signs a new access token for the user.
func (v *Verifier) Issue(userID int64, username string, role Role, tenantID string) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(v.ttl)

	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     string(role),
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Parse validates a presented token and returns its claims. Every failure
// mode — bad signature, wrong algorithm, expiry — collapses into
// ErrUnauthorized so the response never explains what was wrong with the
// token.
func (v *Verifier) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	if _, err := ParseRole(claims.Role); err != nil {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// HashAPIKey returns the sha256 hex digest under which an API key or
// refresh token is stored. Raw secrets never reach the database.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewRefreshToken generates an opaque refresh token and the digest to store
// for it.
func NewRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	token = hex.EncodeToString(buf)
	return token, HashAPIKey(token), nil
}
