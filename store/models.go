// Package store persists users, tokens, activities, and aggregate statistics
// in Postgres via bun.
package store

import (
	"time"

	"github.com/uptrace/bun"
)

// User is a connected Strava athlete.
type User struct {
	bun.BaseModel `bun:"table:users"`

	StravaAthleteID uint64    `bun:"strava_athlete_id,pk"`
	Email           *string   `bun:"email"`
	Firstname       string    `bun:"firstname,notnull"`
	Lastname        string    `bun:"lastname,notnull"`
	ProfilePicture  *string   `bun:"profile_picture"`
	CreatedAt       time.Time `bun:"created_at,notnull"`
	LastActive      time.Time `bun:"last_active,notnull"`
}

// UserTokens holds an athlete's OAuth tokens, sealed by the secrets package
// before they ever reach this struct.
type UserTokens struct {
	bun.BaseModel `bun:"table:user_tokens"`

	StravaAthleteID      uint64    `bun:"strava_athlete_id,pk"`
	AccessTokenSealed    string    `bun:"access_token_sealed,notnull"`
	RefreshTokenSealed   string    `bun:"refresh_token_sealed,notnull"`
	AccessTokenExpiresAt time.Time `bun:"access_token_expires_at,notnull"`
	Scopes               []string  `bun:"scopes,array"`
}

// Activity is a processed Strava activity.
type Activity struct {
	bun.BaseModel `bun:"table:activities"`

	StravaActivityID uint64    `bun:"strava_activity_id,pk"`
	AthleteID        uint64    `bun:"athlete_id,notnull"`
	Name             string    `bun:"name,notnull"`
	SportType        string    `bun:"sport_type,notnull"`
	StartDate        time.Time `bun:"start_date,notnull"`
	DistanceMeters   float64   `bun:"distance_meters,notnull"`
	PreservesVisited []string  `bun:"preserves_visited,array"`
	Source           string    `bun:"source,notnull"` // "webhook" or "backfill"
	DeviceName       *string   `bun:"device_name"`
	AnnotationAdded  bool      `bun:"annotation_added,notnull"`
	ProcessedAt      time.Time `bun:"processed_at,notnull"`
}

// ActivityPreserve is the activity-to-preserve join row for per-preserve
// queries.
type ActivityPreserve struct {
	bun.BaseModel `bun:"table:activity_preserves"`

	AthleteID    uint64    `bun:"athlete_id,notnull"`
	ActivityID   uint64    `bun:"activity_id,notnull"`
	PreserveName string    `bun:"preserve_name,notnull"`
	StartDate    time.Time `bun:"start_date,notnull"`
	ActivityName string    `bun:"activity_name,notnull"`
	SportType    string    `bun:"sport_type,notnull"`
}

// UserStats is the per-athlete aggregate kept in step with activities.
type UserStats struct {
	bun.BaseModel `bun:"table:user_stats"`

	AthleteID       uint64         `bun:"athlete_id,pk"`
	TotalActivities int            `bun:"total_activities,notnull"`
	PreserveCounts  map[string]int `bun:"preserve_counts,type:jsonb"`
	PendingBackfill int            `bun:"pending_backfill,notnull"`
	UpdatedAt       time.Time      `bun:"updated_at,notnull"`
}
