package oidc

import (
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Accepted issuer forms. Google has historically emitted both.
var acceptedIssuers = []string{
	"accounts.google.com",
	"https://accounts.google.com",
}

// canonicalizeAudience strips trailing slashes so that audience comparison is
// trailing-slash-insensitive. Applied both at config construction and to the
// token's aud claim.
func canonicalizeAudience(audience string) string {
	return strings.TrimRight(audience, "/")
}

// validateClaims applies the claim policy to an already-signature-verified
// token. It is pure: no I/O, no shared state. The first violated rule is
// returned as a Forbidden error.
//
// The email equality check is the actual authorization decision: exactly one
// service-account principal is trusted to invoke task handlers.
func validateClaims(token jwt.Token, expectedAudience, expectedEmail string, now time.Time) (Principal, error) {
	issuer := token.Issuer()
	if !issuerAccepted(issuer) {
		return Principal{}, Forbidden("unexpected issuer: %q", issuer)
	}

	audience := firstAudience(token.Audience())
	if audience == "" {
		return Principal{}, Forbidden("missing aud claim")
	}
	if canonicalizeAudience(audience) != expectedAudience {
		return Principal{}, Forbidden("unexpected audience: %q", audience)
	}

	if token.Subject() == "" {
		return Principal{}, Forbidden("missing sub claim")
	}
	if token.Expiration().IsZero() {
		return Principal{}, Forbidden("missing exp claim")
	}

	issuedAt := token.IssuedAt()
	if issuedAt.IsZero() {
		return Principal{}, Forbidden("missing iat claim")
	}
	if issuedAt.After(now.Add(clockSkew)) {
		return Principal{}, Forbidden("iat claim is in the future")
	}

	email, _ := token.Get("email")
	emailStr, ok := email.(string)
	if !ok || emailStr == "" {
		return Principal{}, Forbidden("missing email claim")
	}
	if emailStr != expectedEmail {
		return Principal{}, Forbidden("unexpected service account email: %s", emailStr)
	}

	verified, present := token.Get("email_verified")
	if !present {
		return Principal{}, Forbidden("email_verified claim is missing")
	}
	verifiedBool, ok := verified.(bool)
	if !ok || !verifiedBool {
		return Principal{}, Forbidden("email_verified claim is not true")
	}

	return Principal{
		Email:    emailStr,
		Subject:  token.Subject(),
		Audience: audience,
	}, nil
}

func issuerAccepted(issuer string) bool {
	for _, accepted := range acceptedIssuers {
		if issuer == accepted {
			return true
		}
	}
	return false
}

func firstAudience(aud []string) string {
	if len(aud) == 0 {
		return ""
	}
	return aud[0]
}
