// Package redisstore backs the login state cache with Redis so the
// OAuth flow survives instance restarts and works across replicas.
package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rolandd/midpen-tracker/authstate"
)

type StateCache struct {
	rdb   *redis.Client
	keyNS string
	ttl   time.Duration
}

func NewStateCache(rdb *redis.Client, keyPrefix string, ttl time.Duration) *StateCache {
	if keyPrefix == "" {
		keyPrefix = "midpen:oauth:state:"
	}
	if ttl <= 0 {
		ttl = authstate.DefaultTTL
	}
	return &StateCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (s *StateCache) key(state string) string { return s.keyNS + state }

func (s *StateCache) Put(ctx context.Context, state string, data authstate.StateData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(state), b, s.ttl).Err()
}

func (s *StateCache) Get(ctx context.Context, state string) (authstate.StateData, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(state)).Bytes()
	if err == redis.Nil {
		return authstate.StateData{}, false, nil
	}
	if err != nil {
		return authstate.StateData{}, false, err
	}
	var d authstate.StateData
	if err := json.Unmarshal(val, &d); err != nil {
		return authstate.StateData{}, false, err
	}
	return d, true, nil
}

func (s *StateCache) Del(ctx context.Context, state string) error {
	return s.rdb.Del(ctx, s.key(state)).Err()
}
