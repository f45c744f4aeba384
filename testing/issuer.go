// Package testing provides a mock Google-style OIDC issuer for tests. It
// runs an HTTP server exposing an OpenID discovery document and a JWKS
// endpoint, and signs RS256 ID tokens that validate against the served keys,
// so task-callback authentication can be exercised without Google.
//
// Example usage:
//
//	issuer := testing.NewIssuer()
//	defer issuer.Close()
//
//	verifier, _ := oidc.New(oidc.Config{
//		Audience:            "https://api.example.com",
//		ServiceAccountEmail: issuer.ServiceAccountEmail,
//		DiscoveryURL:        issuer.DiscoveryURL(),
//	})
//	token := issuer.CloudTasksToken("https://api.example.com")
package testing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// DefaultKID is the key id the issuer signs with unless rotated.
const DefaultKID = "test-key-1"

// Issuer is a fake identity provider for Cloud Tasks OIDC tokens.
type Issuer struct {
	// ServiceAccountEmail is the email claim stamped into CloudTasksToken
	// tokens.
	ServiceAccountEmail string

	server *httptest.Server

	mu           sync.Mutex
	key          *rsa.PrivateKey
	kid          string
	jwksStatus   int
	cacheControl string

	discoveryFetches atomic.Int64
	jwksFetches      atomic.Int64
}

// NewIssuer generates an RSA key pair and starts the discovery and JWKS
// endpoints. Call Close when done.
func NewIssuer() *Issuer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("testing: failed to generate RSA key: " + err.Error())
	}

	iss := &Issuer{
		ServiceAccountEmail: "midpen-tracker-api@test-project.iam.gserviceaccount.com",
		key:                 key,
		kid:                 DefaultKID,
		jwksStatus:          http.StatusOK,
		cacheControl:        "public, max-age=300",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", iss.handleDiscovery)
	mux.HandleFunc("/oauth2/v3/certs", iss.handleJWKS)
	iss.server = httptest.NewServer(mux)
	return iss
}

// URL returns the issuer's base URL.
func (i *Issuer) URL() string { return i.server.URL }

// DiscoveryURL returns the OpenID configuration endpoint.
func (i *Issuer) DiscoveryURL() string {
	return i.server.URL + "/.well-known/openid-configuration"
}

// KID returns the current signing key id.
func (i *Issuer) KID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.kid
}

// PublicKey returns the current RSA public key, for static-key verifiers.
func (i *Issuer) PublicKey() *rsa.PublicKey {
	i.mu.Lock()
	defer i.mu.Unlock()
	return &i.key.PublicKey
}

// Close shuts down the HTTP server.
func (i *Issuer) Close() {
	i.server.Close()
}

// DiscoveryFetches returns how many times the discovery document was served.
func (i *Issuer) DiscoveryFetches() int { return int(i.discoveryFetches.Load()) }

// JWKSFetches returns how many times the JWKS endpoint was hit.
func (i *Issuer) JWKSFetches() int { return int(i.jwksFetches.Load()) }

// SetJWKSStatus makes the JWKS endpoint answer with the given status code.
// Non-2xx responses carry no body.
func (i *Issuer) SetJWKSStatus(code int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.jwksStatus = code
}

// SetCacheControl overrides the Cache-Control header on both endpoints.
func (i *Issuer) SetCacheControl(value string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cacheControl = value
}

// RotateKey generates a fresh key pair under a new kid. Tokens signed before
// the rotation no longer validate against the served JWKS.
func (i *Issuer) RotateKey(kid string) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("testing: failed to generate RSA key: " + err.Error())
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.key = key
	i.kid = kid
}

// SignClaims signs arbitrary claims with the current key, stamping the kid
// header.
func (i *Issuer) SignClaims(claims jwt.MapClaims) string {
	i.mu.Lock()
	key, kid := i.key, i.kid
	i.mu.Unlock()
	return signRS256(key, kid, claims)
}

// SignClaimsWithKID signs claims under an explicit kid header, which need not
// match any key the JWKS serves.
func (i *Issuer) SignClaimsWithKID(kid string, claims jwt.MapClaims) string {
	i.mu.Lock()
	key := i.key
	i.mu.Unlock()
	return signRS256(key, kid, claims)
}

func signRS256(key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		panic("testing: failed to sign token: " + err.Error())
	}
	return signed
}

// CloudTasksToken builds a token with the claim shape Cloud Tasks produces:
// Google issuer, the issuer's service-account email, verified, five minutes
// of validity.
func (i *Issuer) CloudTasksToken(audience string) string {
	return i.CloudTasksTokenWithClaims(audience, nil)
}

// CloudTasksTokenWithClaims is CloudTasksToken with claim overrides merged
// in. Setting an override to nil removes the claim entirely.
func (i *Issuer) CloudTasksTokenWithClaims(audience string, overrides map[string]any) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            audience,
		"sub":            "117391429913829272941",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
		"email":          i.ServiceAccountEmail,
		"email_verified": true,
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return i.SignClaims(claims)
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	i.discoveryFetches.Add(1)

	i.mu.Lock()
	cacheControl := i.cacheControl
	i.mu.Unlock()

	doc := map[string]string{
		"issuer":   "https://accounts.google.com",
		"jwks_uri": i.server.URL + "/oauth2/v3/certs",
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControl)
	_ = json.NewEncoder(w).Encode(doc)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksFetches.Add(1)

	i.mu.Lock()
	status := i.jwksStatus
	cacheControl := i.cacheControl
	pub := i.key.PublicKey
	kid := i.kid
	i.mu.Unlock()

	if status < 200 || status >= 300 {
		w.WriteHeader(status)
		return
	}

	ks := jwksDocument{Keys: []jwkEntry{rsaPublicJWK(&pub, kid)}}
	b, _ := json.Marshal(ks)
	sum := sha256.Sum256(b)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", cacheControl)
	w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
	_, _ = w.Write(b)
}

// jwkEntry carries the minimal JWK fields for an RSA signing key.
type jwkEntry struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n"` // base64url
	E   string `json:"e"` // base64url
}

type jwksDocument struct {
	Keys []jwkEntry `json:"keys"`
}

func rsaPublicJWK(pub *rsa.PublicKey, kid string) jwkEntry {
	return jwkEntry{
		Kty: "RSA",
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
		N:   base64URLEncode(pub.N),
		E:   base64URLEncode(big.NewInt(int64(pub.E))),
	}
}

func base64URLEncode(i *big.Int) string {
	b := i.Bytes()
	// Remove leading zeros for canonical form
	for len(b) > 0 && b[0] == 0x00 {
		b = b[1:]
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
