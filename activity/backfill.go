package activity

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/strava"
	"github.com/rolandd/midpen-tracker/tasks"
)

// BackfillPerPage is how many activities each backfill page fetches
// from Strava. A full page means another page may follow.
const BackfillPerPage = 100

// BackfillStart is the earliest activity date the backfill considers.
var BackfillStart = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// ActivityLister is the slice of the Strava service the backfill needs.
type ActivityLister interface {
	ListActivities(ctx context.Context, athleteID uint64, after int64, page, perPage int) ([]strava.ActivitySummary, error)
}

// BackfillStore tracks which activities exist and the pending counter
// shown to the user while the backfill runs.
type BackfillStore interface {
	ExistingActivityIDs(ctx context.Context, athleteID uint64, activityIDs []uint64) (map[uint64]bool, error)
	UpdatePendingBackfill(ctx context.Context, athleteID uint64, delta int) error
	ResetPendingBackfill(ctx context.Context, athleteID uint64) error
}

// BackfillQueue enqueues the follow-up work.
type BackfillQueue interface {
	QueueBackfillBatch(ctx context.Context, athleteID uint64, activityIDs []uint64) int
	QueueContinueBackfill(ctx context.Context, payload tasks.ContinueBackfillPayload) error
}

// Backfill walks an athlete's history one page per task, so a new login
// never bursts through the Strava rate limit.
type Backfill struct {
	strava ActivityLister
	db     BackfillStore
	queue  BackfillQueue
}

func NewBackfill(lister ActivityLister, db BackfillStore, queue BackfillQueue) *Backfill {
	return &Backfill{strava: lister, db: db, queue: queue}
}

// Start runs the first page inline, right after the OAuth callback.
func (b *Backfill) Start(ctx context.Context, athleteID uint64) error {
	return b.RunPage(ctx, athleteID, 1, BackfillStart.Unix())
}

// RunPage fetches one page of history, queues processing for activities
// we have not seen, and schedules the next page when the current one
// came back full. A short page ends the scan and resets the pending
// counter in case earlier tasks were lost.
func (b *Backfill) RunPage(ctx context.Context, athleteID uint64, page int, after int64) error {
	log := logrus.WithFields(logrus.Fields{"athlete_id": athleteID, "page": page})

	summaries, err := b.strava.ListActivities(ctx, athleteID, after, page, BackfillPerPage)
	if err != nil {
		if errors.Is(err, strava.ErrNoTokens) {
			// The athlete disconnected mid-backfill. Nothing to retry.
			log.Info("No tokens for backfill, stopping")
			return nil
		}
		return err
	}

	if len(summaries) == 0 {
		log.Info("Backfill complete, no more activities")
		if err := b.db.ResetPendingBackfill(ctx, athleteID); err != nil {
			log.WithError(err).Warn("Failed to reset pending count")
		}
		return nil
	}

	ids := make([]uint64, len(summaries))
	for i, s := range summaries {
		ids[i] = s.ID
	}
	existing, err := b.db.ExistingActivityIDs(ctx, athleteID, ids)
	if err != nil {
		log.WithError(err).Warn("Failed duplicate check, queuing all fetched activities")
		existing = map[uint64]bool{}
	}

	var newIDs []uint64
	for _, id := range ids {
		if !existing[id] {
			newIDs = append(newIDs, id)
		}
	}

	if len(newIDs) > 0 {
		if err := b.db.UpdatePendingBackfill(ctx, athleteID, len(newIDs)); err != nil {
			log.WithError(err).Warn("Failed to increment pending count")
		}
		queued := b.queue.QueueBackfillBatch(ctx, athleteID, newIDs)
		if dropped := len(newIDs) - queued; dropped > 0 {
			// Keep the counter honest for tasks that never made it out.
			if err := b.db.UpdatePendingBackfill(ctx, athleteID, -dropped); err != nil {
				log.WithError(err).Warn("Failed to roll back pending count")
			}
		}
	} else {
		log.Info("All fetched activities on this page already processed")
	}

	if len(summaries) >= BackfillPerPage {
		err := b.queue.QueueContinueBackfill(ctx, tasks.ContinueBackfillPayload{
			AthleteID:      athleteID,
			NextPage:       page + 1,
			AfterTimestamp: after,
		})
		if err != nil {
			return err
		}
	} else {
		log.Info("Backfill scan completed, resetting pending count")
		if err := b.db.ResetPendingBackfill(ctx, athleteID); err != nil {
			log.WithError(err).Warn("Failed to reset pending count")
		}
	}

	log.WithField("queued", len(newIDs)).Info("Queued backfill activities from page")
	return nil
}
