package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type openIDConfiguration struct {
	JWKSURI string `json:"jwks_uri"`
}

// discoveryCache caches the jwks_uri advertised by the provider's discovery
// document. The value is a location, not key material, so on fetch failure we
// prefer a stale (or hardcoded default) URI over failing the verification.
type discoveryCache struct {
	client       *http.Client
	discoveryURL string
	defaultJWKS  string
	fallbackTTL  time.Duration

	mu        sync.RWMutex
	jwksURI   string
	expiresAt time.Time
}

func newDiscoveryCache(client *http.Client, discoveryURL, defaultJWKS string, fallbackTTL time.Duration) *discoveryCache {
	return &discoveryCache{
		client:       client,
		discoveryURL: discoveryURL,
		defaultJWKS:  defaultJWKS,
		fallbackTTL:  fallbackTTL,
	}
}

// resolve returns the key-publication URI, fetching the discovery document
// when the cached entry is missing, expired, or a refresh is forced.
func (c *discoveryCache) resolve(ctx context.Context, force bool) (string, error) {
	c.mu.RLock()
	cached := c.jwksURI
	live := cached != "" && time.Now().Before(c.expiresAt)
	c.mu.RUnlock()

	if !force && live {
		return cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.discoveryURL, nil)
	if err != nil {
		return "", Transient("building discovery request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		logrus.WithError(err).Warn("OIDC discovery request failed; using fallback JWKS URI")
		return c.fallback(cached), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.WithField("status", resp.Status).
			Warn("OIDC discovery returned non-success status; using fallback JWKS URI")
		return c.fallback(cached), nil
	}

	ttl := responseTTL(resp, c.fallbackTTL)

	var doc openIDConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", Transient("invalid discovery JSON: %v", err)
	}
	if doc.JWKSURI == "" {
		return "", Transient("discovery document is missing jwks_uri")
	}

	c.mu.Lock()
	c.jwksURI = doc.JWKSURI
	c.expiresAt = time.Now().Add(ttl)
	c.mu.Unlock()

	return doc.JWKSURI, nil
}

func (c *discoveryCache) fallback(cached string) string {
	if cached != "" {
		return cached
	}
	return c.defaultJWKS
}
