// Package authstate tracks in-flight OAuth logins. A random state token
// is handed to Strava with the authorize redirect and must come back on
// the callback; the cache makes each token single-use and short-lived.
package authstate

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// DefaultTTL bounds how long a login redirect may sit unfinished.
const DefaultTTL = 10 * time.Minute

// StateData is what we remember about a pending login.
type StateData struct {
	// ReturnTo is the frontend path to land on after the callback.
	ReturnTo  string    `json:"return_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache stores pending login states. Implementations live under
// storage/; Get on an expired or unknown state returns ok=false.
type Cache interface {
	Put(ctx context.Context, state string, data StateData) error
	Get(ctx context.Context, state string) (StateData, bool, error)
	Del(ctx context.Context, state string) error
}

// NewToken returns a fresh unguessable state token.
func NewToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("authstate: generating token: %w", err)
	}
	return base58.Encode(buf), nil
}

// Take consumes a state token: it is deleted whether or not it was
// found, so a replayed callback can never match twice.
func Take(ctx context.Context, cache Cache, state string) (StateData, bool, error) {
	data, ok, err := cache.Get(ctx, state)
	if err != nil {
		return StateData{}, false, err
	}
	if !ok {
		return StateData{}, false, nil
	}
	if err := cache.Del(ctx, state); err != nil {
		return StateData{}, false, err
	}
	return data, true, nil
}
