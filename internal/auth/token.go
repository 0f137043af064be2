// Package auth implements credential checking and the two-token
// (bearer + release) design from spec.md §4.1.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BearerTTL is the bearer token's validity window.
const BearerTTL = 24 * time.Hour

// Claims is the signed, self-describing bearer payload: subject, session
// id, issued-at, expires-at.
type Claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Issuer signs and verifies bearer tokens with a process-wide HMAC key.
type Issuer struct {
	key []byte
}

// NewIssuer generates a fresh random signing key. The key is process-wide
// and not persisted: a restart invalidates all outstanding bearers, which
// is acceptable because sessions themselves do not survive a broker
// restart either (in-memory registry, documented limitation).
func NewIssuer() (*Issuer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("auth: generate signing key: %w", err)
	}
	return &Issuer{key: key}, nil
}

// Issue mints a bearer for subject/sessionID with a fresh 24h expiry.
func (iss *Issuer) Issue(subject, sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(BearerTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(iss.key)
	return signed, expiresAt, err
}

// Verify parses and validates a bearer, returning its claims. An expired
// or malformed token is always Unauthorized — the taxonomy mapping
// happens at the HTTP layer, not here.
func (iss *Issuer) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return iss.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: verify bearer: %w", err)
	}
	if !tok.Valid {
		return nil, fmt.Errorf("auth: invalid bearer")
	}
	return claims, nil
}

// Refresh issues a new bearer for a still-valid one. The prior bearer is
// not blacklisted — it remains valid until its own expiry, per spec.md
// §3's documented no-blacklist design.
func (iss *Issuer) Refresh(tokenStr string) (string, time.Time, error) {
	claims, err := iss.Verify(tokenStr)
	if err != nil {
		return "", time.Time{}, err
	}
	return iss.Issue(claims.Subject, claims.SessionID)
}

// NewReleaseToken generates an opaque 256-bit release token, base64url
// encoded without padding.
func NewReleaseToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate release token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ConstantTimeEqual compares two secrets (release tokens, etc). The
// length check is explicit and exact, not a truncating XOR of the two
// lengths — a naive `byte(len(a)) ^ byte(len(b)) == 0` check compares
// equal whenever the lengths differ by a multiple of 256, which would
// wrongly accept some unequal-length pairs as equal.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
