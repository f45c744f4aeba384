package oidc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestDiscoveryCachesResolvedURI(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		w.Header().Set("Cache-Control", "max-age=300")
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": "https://keys.example.com/certs"})
	}))
	defer srv.Close()

	cache := newDiscoveryCache(srv.Client(), srv.URL, DefaultJWKSURL, DefaultCacheTTL)
	for i := 0; i < 3; i++ {
		uri, err := cache.resolve(context.Background(), false)
		if err != nil {
			t.Fatalf("resolve #%d: %v", i+1, err)
		}
		if uri != "https://keys.example.com/certs" {
			t.Fatalf("uri = %q", uri)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetches = %d, want 1", n)
	}
}

func TestDiscoveryForceBypassesCache(t *testing.T) {
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": "https://keys.example.com/certs"})
	}))
	defer srv.Close()

	cache := newDiscoveryCache(srv.Client(), srv.URL, DefaultJWKSURL, DefaultCacheTTL)
	if _, err := cache.resolve(context.Background(), false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := cache.resolve(context.Background(), true); err != nil {
		t.Fatalf("forced resolve: %v", err)
	}
	if n := fetches.Load(); n != 2 {
		t.Errorf("fetches = %d, want 2", n)
	}
}

func TestDiscoveryFallsBackToDefaultWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	cache := newDiscoveryCache(&http.Client{Timeout: time.Second}, srv.URL, DefaultJWKSURL, DefaultCacheTTL)
	uri, err := cache.resolve(context.Background(), false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if uri != DefaultJWKSURL {
		t.Errorf("uri = %q, want default %q", uri, DefaultJWKSURL)
	}
}

func TestDiscoveryFallsBackToStaleCacheOnServerError(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		// Expire immediately so the next resolve must refetch.
		w.Header().Set("Cache-Control", "max-age=0")
		_ = json.NewEncoder(w).Encode(map[string]string{"jwks_uri": "https://keys.example.com/certs"})
	}))
	defer srv.Close()

	cache := newDiscoveryCache(srv.Client(), srv.URL, DefaultJWKSURL, DefaultCacheTTL)
	if _, err := cache.resolve(context.Background(), false); err != nil {
		t.Fatalf("initial resolve: %v", err)
	}

	failing.Store(true)
	uri, err := cache.resolve(context.Background(), false)
	if err != nil {
		t.Fatalf("degraded resolve: %v", err)
	}
	if uri != "https://keys.example.com/certs" {
		t.Errorf("uri = %q, want stale cached value", uri)
	}
}

func TestDiscoveryMissingJWKSURIIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"issuer": "https://accounts.google.com"})
	}))
	defer srv.Close()

	cache := newDiscoveryCache(srv.Client(), srv.URL, DefaultJWKSURL, DefaultCacheTTL)
	if _, err := cache.resolve(context.Background(), false); !IsTransient(err) {
		t.Fatalf("got %v, want Transient", err)
	}
}
