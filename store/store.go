package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// Store wraps a bun DB handle with the queries the service needs.
type Store struct {
	db *bun.DB
}

// New builds a Store over an initialized bun DB.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for migrations and health checks.
func (s *Store) DB() *bun.DB { return s.db }

// GetUser returns the user or nil if not connected.
func (s *Store) GetUser(ctx context.Context, athleteID uint64) (*User, error) {
	user := new(User)
	err := s.db.NewSelect().Model(user).Where("strava_athlete_id = ?", athleteID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting user %d: %w", athleteID, err)
	}
	return user, nil
}

// UpsertUser inserts or replaces the user row.
func (s *Store) UpsertUser(ctx context.Context, user *User) error {
	_, err := s.db.NewInsert().
		Model(user).
		On("CONFLICT (strava_athlete_id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("firstname = EXCLUDED.firstname").
		Set("lastname = EXCLUDED.lastname").
		Set("profile_picture = EXCLUDED.profile_picture").
		Set("last_active = EXCLUDED.last_active").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: upserting user %d: %w", user.StravaAthleteID, err)
	}
	return nil
}

// TouchLastActive bumps the user's last activity timestamp.
func (s *Store) TouchLastActive(ctx context.Context, athleteID uint64) error {
	_, err := s.db.NewUpdate().
		Model((*User)(nil)).
		Set("last_active = ?", time.Now()).
		Where("strava_athlete_id = ?", athleteID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: touching user %d: %w", athleteID, err)
	}
	return nil
}

// GetTokens returns the athlete's sealed tokens or nil if absent.
func (s *Store) GetTokens(ctx context.Context, athleteID uint64) (*UserTokens, error) {
	tokens := new(UserTokens)
	err := s.db.NewSelect().Model(tokens).Where("strava_athlete_id = ?", athleteID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting tokens for %d: %w", athleteID, err)
	}
	return tokens, nil
}

// SetTokens inserts or replaces the athlete's sealed tokens.
func (s *Store) SetTokens(ctx context.Context, tokens *UserTokens) error {
	_, err := s.db.NewInsert().
		Model(tokens).
		On("CONFLICT (strava_athlete_id) DO UPDATE").
		Set("access_token_sealed = EXCLUDED.access_token_sealed").
		Set("refresh_token_sealed = EXCLUDED.refresh_token_sealed").
		Set("access_token_expires_at = EXCLUDED.access_token_expires_at").
		Set("scopes = EXCLUDED.scopes").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: setting tokens for %d: %w", tokens.StravaAthleteID, err)
	}
	return nil
}

// DeleteTokens removes the athlete's tokens, e.g. on deauthorization.
func (s *Store) DeleteTokens(ctx context.Context, athleteID uint64) error {
	_, err := s.db.NewDelete().
		Model((*UserTokens)(nil)).
		Where("strava_athlete_id = ?", athleteID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: deleting tokens for %d: %w", athleteID, err)
	}
	return nil
}

// GetActivity returns a stored activity or nil.
func (s *Store) GetActivity(ctx context.Context, activityID uint64) (*Activity, error) {
	activity := new(Activity)
	err := s.db.NewSelect().Model(activity).Where("strava_activity_id = ?", activityID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting activity %d: %w", activityID, err)
	}
	return activity, nil
}

// ExistingActivityIDs returns which of the given activity IDs are already
// stored for the athlete. Used by backfill to skip reprocessing.
func (s *Store) ExistingActivityIDs(ctx context.Context, athleteID uint64, activityIDs []uint64) (map[uint64]bool, error) {
	if len(activityIDs) == 0 {
		return map[uint64]bool{}, nil
	}
	var ids []uint64
	err := s.db.NewSelect().
		Model((*Activity)(nil)).
		Column("strava_activity_id").
		Where("athlete_id = ?", athleteID).
		Where("strava_activity_id IN (?)", bun.In(activityIDs)).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("store: checking existing activities for %d: %w", athleteID, err)
	}
	existing := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		existing[id] = true
	}
	return existing, nil
}

// ListActivitiesForUser returns the athlete's processed activities, newest
// first.
func (s *Store) ListActivitiesForUser(ctx context.Context, athleteID uint64, limit, offset int) ([]Activity, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var activities []Activity
	err := s.db.NewSelect().
		Model(&activities).
		Where("athlete_id = ?", athleteID).
		Order("start_date DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing activities for %d: %w", athleteID, err)
	}
	return activities, nil
}

// ListActivitiesForPreserve returns the athlete's visits to one preserve,
// newest first.
func (s *Store) ListActivitiesForPreserve(ctx context.Context, athleteID uint64, preserveName string, limit int) ([]ActivityPreserve, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []ActivityPreserve
	err := s.db.NewSelect().
		Model(&rows).
		Where("athlete_id = ? AND preserve_name = ?", athleteID, preserveName).
		Order("start_date DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: listing preserve activities for %d: %w", athleteID, err)
	}
	return rows, nil
}

// RecordProcessedActivity stores an activity with its preserve joins and
// keeps the stats aggregate in step, all in one transaction. Reprocessing an
// already-stored activity replaces its rows without double-counting stats.
func (s *Store) RecordProcessedActivity(ctx context.Context, activity *Activity) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(Activity)
		err := tx.NewSelect().
			Model(existing).
			Where("strava_activity_id = ?", activity.StravaActivityID).
			Scan(ctx)
		isNew := errors.Is(err, sql.ErrNoRows)
		if err != nil && !isNew {
			return fmt.Errorf("store: checking activity %d: %w", activity.StravaActivityID, err)
		}

		if _, err := tx.NewInsert().
			Model(activity).
			On("CONFLICT (strava_activity_id) DO UPDATE").
			Set("name = EXCLUDED.name").
			Set("sport_type = EXCLUDED.sport_type").
			Set("start_date = EXCLUDED.start_date").
			Set("distance_meters = EXCLUDED.distance_meters").
			Set("preserves_visited = EXCLUDED.preserves_visited").
			Set("source = EXCLUDED.source").
			Set("device_name = EXCLUDED.device_name").
			Set("annotation_added = EXCLUDED.annotation_added").
			Set("processed_at = EXCLUDED.processed_at").
			Exec(ctx); err != nil {
			return fmt.Errorf("store: upserting activity %d: %w", activity.StravaActivityID, err)
		}

		if _, err := tx.NewDelete().
			Model((*ActivityPreserve)(nil)).
			Where("activity_id = ?", activity.StravaActivityID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: clearing preserve joins for %d: %w", activity.StravaActivityID, err)
		}
		if len(activity.PreservesVisited) > 0 {
			joins := preserveJoins(activity)
			if _, err := tx.NewInsert().Model(&joins).Exec(ctx); err != nil {
				return fmt.Errorf("store: inserting preserve joins for %d: %w", activity.StravaActivityID, err)
			}
		}

		stats, err := statsForUpdate(ctx, tx, activity.AthleteID)
		if err != nil {
			return err
		}
		var previous *Activity
		if !isNew {
			previous = existing
		}
		applyActivityToStats(stats, previous, activity)
		return saveStats(ctx, tx, stats)
	})
}

// DeleteActivity removes an activity, its joins, and its stats contribution.
func (s *Store) DeleteActivity(ctx context.Context, activityID, athleteID uint64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(Activity)
		err := tx.NewSelect().
			Model(existing).
			Where("strava_activity_id = ? AND athlete_id = ?", activityID, athleteID).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: checking activity %d: %w", activityID, err)
		}

		if _, err := tx.NewDelete().
			Model((*ActivityPreserve)(nil)).
			Where("activity_id = ?", activityID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: deleting preserve joins for %d: %w", activityID, err)
		}
		if _, err := tx.NewDelete().
			Model((*Activity)(nil)).
			Where("strava_activity_id = ?", activityID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: deleting activity %d: %w", activityID, err)
		}

		stats, err := statsForUpdate(ctx, tx, athleteID)
		if err != nil {
			return err
		}
		removeActivityFromStats(stats, existing)
		return saveStats(ctx, tx, stats)
	})
}

// DeleteUserData removes everything stored for an athlete. Returns how many
// activities were removed.
func (s *Store) DeleteUserData(ctx context.Context, athleteID uint64) (int, error) {
	var removed int
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*Activity)(nil)).
			Where("athlete_id = ?", athleteID).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("store: deleting activities for %d: %w", athleteID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			removed = int(n)
		}

		for _, model := range []any{
			(*ActivityPreserve)(nil),
			(*UserStats)(nil),
		} {
			if _, err := tx.NewDelete().Model(model).Where("athlete_id = ?", athleteID).Exec(ctx); err != nil {
				return fmt.Errorf("store: deleting user data for %d: %w", athleteID, err)
			}
		}
		if _, err := tx.NewDelete().
			Model((*UserTokens)(nil)).
			Where("strava_athlete_id = ?", athleteID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: deleting tokens for %d: %w", athleteID, err)
		}
		if _, err := tx.NewDelete().
			Model((*User)(nil)).
			Where("strava_athlete_id = ?", athleteID).
			Exec(ctx); err != nil {
			return fmt.Errorf("store: deleting user %d: %w", athleteID, err)
		}
		return nil
	})
	return removed, err
}

func preserveJoins(activity *Activity) []ActivityPreserve {
	joins := make([]ActivityPreserve, 0, len(activity.PreservesVisited))
	for _, name := range activity.PreservesVisited {
		joins = append(joins, ActivityPreserve{
			AthleteID:    activity.AthleteID,
			ActivityID:   activity.StravaActivityID,
			PreserveName: name,
			StartDate:    activity.StartDate,
			ActivityName: activity.Name,
			SportType:    activity.SportType,
		})
	}
	return joins
}
