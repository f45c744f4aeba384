// Package authgin is the HTTP surface of the service: browser-facing
// auth and API routes, the Strava webhook, and the Cloud Tasks worker
// callbacks, all on gin.
package authgin

import (
	"context"

	"github.com/rolandd/midpen-tracker/activity"
	"github.com/rolandd/midpen-tracker/authstate"
	"github.com/rolandd/midpen-tracker/config"
	"github.com/rolandd/midpen-tracker/oidc"
	"github.com/rolandd/midpen-tracker/preserve"
	"github.com/rolandd/midpen-tracker/store"
	"github.com/rolandd/midpen-tracker/strava"
	"github.com/rolandd/midpen-tracker/tasks"
)

// Store is the slice of the persistence layer the handlers use.
type Store interface {
	GetUser(ctx context.Context, athleteID uint64) (*store.User, error)
	UpsertUser(ctx context.Context, user *store.User) error
	TouchLastActive(ctx context.Context, athleteID uint64) error
	ListActivitiesForUser(ctx context.Context, athleteID uint64, limit, offset int) ([]store.Activity, error)
	ListActivitiesForPreserve(ctx context.Context, athleteID uint64, preserveName string, limit int) ([]store.ActivityPreserve, error)
	GetUserStats(ctx context.Context, athleteID uint64) (*store.UserStats, error)
	UpdatePendingBackfill(ctx context.Context, athleteID uint64, delta int) error
	DeleteActivity(ctx context.Context, activityID, athleteID uint64) error
	DeleteUserData(ctx context.Context, athleteID uint64) (int, error)
}

// StravaService is what the handlers need from the Strava layer.
type StravaService interface {
	AuthCodeURL(redirectURI, state string) string
	HandleOAuthCallback(ctx context.Context, code string) (*strava.OAuthResult, error)
	GetActivity(ctx context.Context, athleteID, activityID uint64) (*strava.Activity, error)
	VerifyTokenActive(ctx context.Context, athleteID uint64) (bool, error)
	RevokeLocalTokens(ctx context.Context, athleteID uint64) (string, error)
	Deauthorize(ctx context.Context, accessToken string) error
}

// TaskQueue enqueues Cloud Tasks work.
type TaskQueue interface {
	QueueProcessActivity(ctx context.Context, payload tasks.ProcessActivityPayload) error
	QueueDeleteUser(ctx context.Context, payload tasks.DeleteUserPayload) error
	QueueDeleteActivity(ctx context.Context, payload tasks.DeleteActivityPayload) error
}

// Processor runs the activity workflow for task callbacks.
type Processor interface {
	Process(ctx context.Context, athleteID, activityID uint64, source string) (*activity.Result, error)
}

// BackfillRunner walks one page of backfill history.
type BackfillRunner interface {
	Start(ctx context.Context, athleteID uint64) error
	RunPage(ctx context.Context, athleteID uint64, page int, after int64) error
}

// TasksVerifier authenticates Cloud Tasks callbacks.
type TasksVerifier interface {
	Verify(ctx context.Context, authHeader string) (oidc.Principal, error)
}

// RateLimiter matches the limiters under ratelimit/.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// Deps wires the handlers to the rest of the application.
type Deps struct {
	Config    *config.Config
	DB        Store
	Strava    StravaService
	Preserves *preserve.Index
	Tasks     TaskQueue
	Processor Processor
	Backfill  BackfillRunner
	Verifier  TasksVerifier
	States    authstate.Cache
	Limiter   RateLimiter
}
