// Package memorystore keeps login state in process memory, for local
// development and tests where Redis is not configured.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/rolandd/midpen-tracker/authstate"
)

// StateCache is an in-memory authstate.Cache with TTL.
type StateCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	data   map[string]item
	closed chan struct{}
}

type item struct {
	v   authstate.StateData
	exp time.Time
}

// NewStateCache creates a new in-memory state cache with the given TTL.
// If ttl <= 0, authstate.DefaultTTL is used. Starts a background
// goroutine to clean up expired entries every minute.
func NewStateCache(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		ttl = authstate.DefaultTTL
	}
	c := &StateCache{ttl: ttl, data: make(map[string]item), closed: make(chan struct{})}
	go c.cleanupLoop()
	return c
}

func (s *StateCache) Put(ctx context.Context, state string, v authstate.StateData) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[state] = item{v: v, exp: time.Now().Add(s.ttl)}
	return nil
}

func (s *StateCache) Get(ctx context.Context, state string) (authstate.StateData, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.data[state]
	if !ok {
		return authstate.StateData{}, false, nil
	}
	if time.Now().After(it.exp) {
		delete(s.data, state)
		return authstate.StateData{}, false, nil
	}
	return it.v, true, nil
}

func (s *StateCache) Del(ctx context.Context, state string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, state)
	return nil
}

// cleanupLoop runs in the background and removes expired entries every minute.
func (s *StateCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.closed:
			return
		}
	}
}

// cleanup removes all expired entries from the cache.
func (s *StateCache) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.data {
		if now.After(v.exp) {
			delete(s.data, k)
		}
	}
}

// Close stops the background cleanup goroutine.
// Should be called when the cache is no longer needed.
func (s *StateCache) Close() error {
	close(s.closed)
	return nil
}
