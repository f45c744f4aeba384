package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// GetUserStats returns the athlete's aggregate, or an empty one if none has
// been written yet.
func (s *Store) GetUserStats(ctx context.Context, athleteID uint64) (*UserStats, error) {
	stats := new(UserStats)
	err := s.db.NewSelect().Model(stats).Where("athlete_id = ?", athleteID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyStats(athleteID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting stats for %d: %w", athleteID, err)
	}
	if stats.PreserveCounts == nil {
		stats.PreserveCounts = map[string]int{}
	}
	return stats, nil
}

// UpdatePendingBackfill adjusts the pending-backfill counter by delta,
// clamping at zero.
func (s *Store) UpdatePendingBackfill(ctx context.Context, athleteID uint64, delta int) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		stats, err := statsForUpdate(ctx, tx, athleteID)
		if err != nil {
			return err
		}
		stats.PendingBackfill += delta
		if stats.PendingBackfill < 0 {
			stats.PendingBackfill = 0
		}
		return saveStats(ctx, tx, stats)
	})
}

// ResetPendingBackfill zeroes the pending-backfill counter, used by the
// nightly sweep to clear counters orphaned by lost tasks.
func (s *Store) ResetPendingBackfill(ctx context.Context, athleteID uint64) error {
	return s.UpdatePendingBackfill(ctx, athleteID, -1<<31)
}

// ListStalePendingBackfills returns athlete ids whose backfill counter is
// non-zero but whose stats row has not moved since the cutoff.
func (s *Store) ListStalePendingBackfills(ctx context.Context, cutoff time.Time) ([]uint64, error) {
	var ids []uint64
	err := s.db.NewSelect().
		Model((*UserStats)(nil)).
		Column("athlete_id").
		Where("pending_backfill > 0 AND updated_at < ?", cutoff).
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("store: listing stale backfills: %w", err)
	}
	return ids, nil
}

// statsForUpdate loads the stats row with a row lock inside tx, creating an
// empty aggregate when absent.
func statsForUpdate(ctx context.Context, tx bun.Tx, athleteID uint64) (*UserStats, error) {
	stats := new(UserStats)
	err := tx.NewSelect().
		Model(stats).
		Where("athlete_id = ?", athleteID).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return emptyStats(athleteID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: locking stats for %d: %w", athleteID, err)
	}
	if stats.PreserveCounts == nil {
		stats.PreserveCounts = map[string]int{}
	}
	return stats, nil
}

func saveStats(ctx context.Context, tx bun.Tx, stats *UserStats) error {
	stats.UpdatedAt = time.Now()
	_, err := tx.NewInsert().
		Model(stats).
		On("CONFLICT (athlete_id) DO UPDATE").
		Set("total_activities = EXCLUDED.total_activities").
		Set("preserve_counts = EXCLUDED.preserve_counts").
		Set("pending_backfill = EXCLUDED.pending_backfill").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("store: saving stats for %d: %w", stats.AthleteID, err)
	}
	return nil
}

func emptyStats(athleteID uint64) *UserStats {
	return &UserStats{
		AthleteID:      athleteID,
		PreserveCounts: map[string]int{},
	}
}

// applyActivityToStats folds an activity into the aggregate. When previous is
// non-nil the activity is being reprocessed and its old contribution is
// removed first, so reprocessing never double-counts.
func applyActivityToStats(stats *UserStats, previous, current *Activity) {
	if previous != nil {
		removeActivityFromStats(stats, previous)
	}
	stats.TotalActivities++
	for _, name := range current.PreservesVisited {
		stats.PreserveCounts[name]++
	}
}

// removeActivityFromStats subtracts an activity's contribution, dropping
// preserve entries that reach zero.
func removeActivityFromStats(stats *UserStats, activity *Activity) {
	if stats.TotalActivities > 0 {
		stats.TotalActivities--
	}
	for _, name := range activity.PreservesVisited {
		if stats.PreserveCounts[name] > 1 {
			stats.PreserveCounts[name]--
		} else {
			delete(stats.PreserveCounts, name)
		}
	}
}
