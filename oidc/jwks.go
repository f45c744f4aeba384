package oidc

import (
	"context"
	"crypto/rsa"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
)

// keySnapshot is an immutable view of the provider's signing keys. It is
// replaced wholesale on refresh, never mutated, so concurrent readers always
// see an internally consistent key set.
type keySnapshot struct {
	keys      map[string]jwk.Key
	expiresAt time.Time
}

func (s *keySnapshot) live(now time.Time) bool {
	return s != nil && now.Before(s.expiresAt)
}

// keyCache resolves key ids to RSA verification keys, fetching the provider's
// JWKS on demand. Refreshes are single-flight: one caller performs the network
// work while the rest wait on the refresh mutex and reuse its result.
type keyCache struct {
	client      *http.Client
	discovery   *discoveryCache
	fallbackTTL time.Duration

	mu       sync.RWMutex
	snapshot *keySnapshot

	refreshMu sync.Mutex
}

func newKeyCache(client *http.Client, discovery *discoveryCache, fallbackTTL time.Duration) *keyCache {
	return &keyCache{
		client:      client,
		discovery:   discovery,
		fallbackTTL: fallbackTTL,
	}
}

// lookup is the lock-cheap fast path: no I/O, shared read lock only.
func (c *keyCache) lookup(kid string) (jwk.Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.snapshot.live(time.Now()) {
		return nil, false
	}
	key, ok := c.snapshot.keys[kid]
	return key, ok
}

// resolveKey returns the verification key for kid, refreshing the cache at
// most twice: once normally, then once with a forced discovery refresh in
// case the cached jwks_uri itself was stale. An id still unknown after the
// forced attempt is one the provider does not vouch for.
func (c *keyCache) resolveKey(ctx context.Context, kid string) (jwk.Key, error) {
	if key, ok := c.lookup(kid); ok {
		return key, nil
	}

	for _, force := range []bool{false, true} {
		snap, err := c.refresh(ctx, force)
		if err != nil {
			return nil, err
		}
		if key, ok := snap.keys[kid]; ok {
			return key, nil
		}
	}

	return nil, Forbidden("kid %q not found in JWKS after refresh", kid)
}

// refresh fetches a fresh key set and installs it, returning the snapshot it
// installed (or the live one another waiter installed first).
func (c *keyCache) refresh(ctx context.Context, force bool) (*keySnapshot, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Double-check after acquiring the mutex: another waiter may already
	// have refreshed while we were blocked.
	if !force {
		c.mu.RLock()
		snap := c.snapshot
		c.mu.RUnlock()
		if snap.live(time.Now()) {
			return snap, nil
		}
	}

	jwksURI, err := c.discovery.resolve(ctx, force)
	if err != nil {
		logrus.WithError(err).Error("Failed to resolve JWKS URI")
		return nil, err
	}

	logrus.WithField("jwks_uri", jwksURI).Debug("Refreshing JWKS cache")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, Transient("building JWKS request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient("JWKS request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, Transient("JWKS request returned status %s", resp.Status)
	}

	ttl := responseTTL(resp, c.fallbackTTL)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("reading JWKS response: %v", err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, Transient("invalid JWKS JSON: %v", err)
	}

	keys := filterSigningKeys(set)
	if len(keys) == 0 {
		// The endpoint answered but carried no usable material; a key
		// rotation may be mid-flight, so let the sender retry.
		return nil, Transient("JWKS response did not include any usable RSA keys")
	}

	snap := &keySnapshot{keys: keys, expiresAt: time.Now().Add(ttl)}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"keys":     len(keys),
		"ttl_secs": int(ttl.Seconds()),
	}).Debug("JWKS cache refreshed")
	return snap, nil
}

// filterSigningKeys keeps only RSA signing keys usable for RS256. Anything
// else in the set is skipped during ingestion and never stored.
func filterSigningKeys(set jwk.Set) map[string]jwk.Key {
	keys := make(map[string]jwk.Key, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyType() != jwa.RSA {
			continue
		}
		kid := key.KeyID()
		if kid == "" {
			continue
		}
		if alg := key.Algorithm(); alg != nil && alg.String() != "" && alg.String() != jwa.RS256.String() {
			continue
		}
		if use := key.KeyUsage(); use != "" && use != "sig" {
			continue
		}
		var pub rsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			logrus.WithError(err).WithField("kid", kid).Warn("Skipping invalid RSA JWKS key")
			continue
		}
		keys[kid] = key
	}
	return keys
}
