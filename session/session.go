// Package session issues and verifies end-user session tokens. This is the
// simple symmetric scheme for browser sessions; task callbacks use the
// asymmetric verifier in the oidc package instead.
package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long a browser session stays valid.
const DefaultTTL = 30 * 24 * time.Hour

// CookieName carries the session token in browser requests.
const CookieName = "midpen_token"

var errInvalidToken = errors.New("session: invalid token")

// Issue creates a signed session token for the given Strava athlete.
func Issue(athleteID uint64, signingKey []byte, ttl time.Duration) (string, error) {
	if len(signingKey) == 0 {
		return "", errors.New("session: signing key is empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(athleteID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("session: signing token: %w", err)
	}
	return signed, nil
}

// Parse verifies a session token and returns the athlete id it names. Any
// failure (wrong method, bad signature, expired, malformed subject) is
// reported as an invalid token.
func Parse(token string, signingKey []byte) (uint64, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return 0, errInvalidToken
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		return 0, errInvalidToken
	}
	athleteID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, errInvalidToken
	}
	return athleteID, nil
}
