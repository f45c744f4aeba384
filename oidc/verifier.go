// Package oidc verifies the OIDC ID tokens that Google Cloud Tasks attaches
// to task callbacks. Verification keys are discovered from Google's published
// metadata and cached in-process; nothing is persisted across restarts.
//
// Every failure is classified as either Forbidden (the token is untrusted;
// retrying is pointless) or Transient (key resolution infrastructure failed;
// the dispatcher may retry). Callers map these to 403 and 500 respectively,
// which in turn drives Cloud Tasks' retry behavior.
package oidc

import (
	"context"
	"crypto/rsa"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
)

const (
	// GoogleDiscoveryURL is the well-known OpenID configuration document.
	GoogleDiscoveryURL = "https://accounts.google.com/.well-known/openid-configuration"
	// DefaultJWKSURL is used when discovery fails and nothing is cached.
	DefaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

	// DefaultCacheTTL applies when a discovery or JWKS response carries no
	// parseable Cache-Control max-age directive.
	DefaultCacheTTL = 5 * time.Minute

	defaultHTTPTimeout = 5 * time.Second
	clockSkew          = 60 * time.Second
	bearerPrefix       = "Bearer "
)

// Principal is the verified identity extracted from a valid token. It is
// freshly constructed per call and shares nothing with cached state.
type Principal struct {
	Email    string
	Subject  string
	Audience string
}

// Config fixes a verifier's policy for the process lifetime.
type Config struct {
	// Audience is the expected aud claim, typically the service's own URL.
	// Trailing slashes are insignificant.
	Audience string
	// ServiceAccountEmail is the single principal trusted to call task
	// handlers.
	ServiceAccountEmail string
	// CacheTTL overrides DefaultCacheTTL as the fallback cache lifetime.
	// Key-rotation cadence varies by deployment, so this is a tunable.
	CacheTTL time.Duration
	// DiscoveryURL overrides GoogleDiscoveryURL, for local verification
	// against a fake issuer.
	DiscoveryURL string
	// HTTPClient overrides the default 5s-timeout client for the two
	// outbound fetches.
	HTTPClient *http.Client
}

// keyResolver is the one capability that differs between the two operating
// modes. The mode is fixed at construction; the verification pipeline itself
// never branches on it.
type keyResolver interface {
	resolveKey(ctx context.Context, kid string) (jwk.Key, error)
}

// staticResolver serves a single fixed key, for deterministic tests.
type staticResolver struct {
	kid string
	key jwk.Key
}

func (r *staticResolver) resolveKey(_ context.Context, kid string) (jwk.Key, error) {
	if kid != r.kid {
		return nil, Forbidden("unknown kid %q for static verifier", kid)
	}
	return r.key, nil
}

// Verifier authenticates Cloud Tasks callback tokens.
type Verifier struct {
	audience string
	email    string
	resolver keyResolver
}

// New builds a verifier that discovers and caches Google's signing keys.
func New(cfg Config) (*Verifier, error) {
	v, client, err := newBase(cfg)
	if err != nil {
		return nil, err
	}

	discoveryURL := cfg.DiscoveryURL
	if discoveryURL == "" {
		discoveryURL = GoogleDiscoveryURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	discovery := newDiscoveryCache(client, discoveryURL, DefaultJWKSURL, ttl)
	v.resolver = newKeyCache(client, discovery, ttl)

	logrus.WithFields(logrus.Fields{
		"expected_audience":              v.audience,
		"expected_service_account_email": v.email,
	}).Info("Initialized Cloud Tasks OIDC verifier")
	return v, nil
}

// NewWithStaticKey builds a verifier that trusts a single fixed RSA public
// key and never touches the network. Intended for local and integration
// tests.
func NewWithStaticKey(cfg Config, kid string, pub *rsa.PublicKey) (*Verifier, error) {
	v, _, err := newBase(cfg)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(kid) == "" {
		return nil, errors.New("oidc: static kid must not be empty")
	}
	if pub == nil {
		return nil, errors.New("oidc: static public key must not be nil")
	}

	key, err := jwk.FromRaw(pub)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}

	v.resolver = &staticResolver{kid: kid, key: key}
	return v, nil
}

func newBase(cfg Config) (*Verifier, *http.Client, error) {
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, nil, errors.New("oidc: expected audience must not be empty")
	}
	if strings.TrimSpace(cfg.ServiceAccountEmail) == "" {
		return nil, nil, errors.New("oidc: expected service account email must not be empty")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Verifier{
		audience: canonicalizeAudience(cfg.Audience),
		email:    cfg.ServiceAccountEmail,
	}, client, nil
}

// Verify authenticates the Authorization header of a task callback. An empty
// authHeader means the header was absent. On success the verified principal
// is returned; on failure the error is always an *Error of one of the two
// kinds.
func (v *Verifier) Verify(ctx context.Context, authHeader string) (Principal, error) {
	token, err := extractBearerToken(authHeader)
	if err != nil {
		return Principal{}, err
	}

	// Read alg and kid from the unverified header. Rejecting unsupported
	// algorithms before key lookup closes algorithm-confusion paths.
	alg, kid, err := parseTokenHeader(token)
	if err != nil {
		return Principal{}, err
	}
	if alg != jwa.RS256 {
		return Principal{}, Forbidden("unexpected JWT alg: %s", alg)
	}
	if kid == "" {
		return Principal{}, Forbidden("missing JWT kid")
	}

	key, err := v.resolver.resolveKey(ctx, kid)
	if err != nil {
		return Principal{}, err
	}

	// Signature plus standard temporal claims (exp, nbf) in one pass.
	parsed, err := jwt.ParseString(token,
		jwt.WithContext(ctx),
		jwt.WithKey(jwa.RS256, key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkew),
	)
	if err != nil {
		return Principal{}, Forbidden("JWT validation failed: %v", err)
	}

	principal, err := validateClaims(parsed, v.audience, v.email, time.Now())
	if err != nil {
		return Principal{}, err
	}

	logrus.WithFields(logrus.Fields{
		"email":    principal.Email,
		"subject":  principal.Subject,
		"audience": principal.Audience,
	}).Debug("Cloud Tasks OIDC token verified")
	return principal, nil
}

func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", Forbidden("missing Authorization header")
	}
	token, ok := strings.CutPrefix(authHeader, bearerPrefix)
	if !ok {
		return "", Forbidden("Authorization header must be a Bearer token")
	}
	if token == "" {
		return "", Forbidden("Bearer token is empty")
	}
	return token, nil
}

func parseTokenHeader(token string) (jwa.SignatureAlgorithm, string, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", "", Forbidden("invalid JWT header: %v", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", "", Forbidden("JWT carries no signature")
	}
	headers := sigs[0].ProtectedHeaders()
	return headers.Algorithm(), headers.KeyID(), nil
}
