package authgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/tasks"
)

// Task callback handlers. Cloud Tasks retries on any 5xx, so handlers
// answer 500 for failures that a redelivery can fix and 200 for
// everything that must not be retried (including malformed payloads,
// which would fail identically forever).

// HandleProcessActivityPOST runs the activity workflow for a queued
// activity and, for backfill-sourced tasks, settles the pending counter.
func HandleProcessActivityPOST(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload tasks.ProcessActivityPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			logrus.WithError(err).Warn("Dropping malformed process-activity payload")
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}
		ctx := c.Request.Context()

		result, err := deps.Processor.Process(ctx, payload.AthleteID, payload.ActivityID, payload.Source)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"athlete_id":  payload.AthleteID,
				"activity_id": payload.ActivityID,
				"source":      payload.Source,
			}).Error("Activity processing failed")
			serverErr(c, "processing_failed")
			return
		}

		if payload.Source == "backfill" {
			if err := deps.DB.UpdatePendingBackfill(ctx, payload.AthleteID, -1); err != nil {
				logrus.WithError(err).WithField("athlete_id", payload.AthleteID).
					Warn("Could not decrement pending backfill counter")
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":           "processed",
			"activity_id":      result.ActivityID,
			"preserves":        result.PreservesVisited,
			"annotation_added": result.AnnotationAdded,
			"skipped":          result.Skipped,
		})
	}
}

// HandleContinueBackfillPOST fetches the next page of activity history.
func HandleContinueBackfillPOST(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload tasks.ContinueBackfillPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			logrus.WithError(err).Warn("Dropping malformed continue-backfill payload")
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}

		if err := deps.Backfill.RunPage(c.Request.Context(), payload.AthleteID, payload.NextPage, payload.AfterTimestamp); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"athlete_id": payload.AthleteID,
				"page":       payload.NextPage,
			}).Error("Backfill page failed")
			serverErr(c, "backfill_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleDeleteUserPOST removes everything we hold for an athlete. The
// local deletes must succeed before we answer 200; the outbound Strava
// deauthorization is best effort since the athlete may already have
// revoked us (that is how most of these tasks get queued).
func HandleDeleteUserPOST(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload tasks.DeleteUserPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			logrus.WithError(err).Warn("Dropping malformed delete-user payload")
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}
		ctx := c.Request.Context()
		log := logrus.WithFields(logrus.Fields{
			"athlete_id": payload.AthleteID,
			"source":     payload.Source,
		})

		accessToken, err := deps.Strava.RevokeLocalTokens(ctx, payload.AthleteID)
		if err != nil {
			log.WithError(err).Error("Could not revoke stored tokens")
			serverErr(c, "delete_failed")
			return
		}

		deleted, err := deps.DB.DeleteUserData(ctx, payload.AthleteID)
		if err != nil {
			log.WithError(err).Error("Could not delete user data")
			serverErr(c, "delete_failed")
			return
		}

		if accessToken != "" {
			if err := deps.Strava.Deauthorize(ctx, accessToken); err != nil {
				log.WithError(err).Warn("Strava deauthorization failed")
			}
		}

		log.WithField("activities_deleted", deleted).Info("Deleted user")
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "activities_deleted": deleted})
	}
}

// HandleDeleteActivityPOST removes a single activity and its stats
// contribution.
func HandleDeleteActivityPOST(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload tasks.DeleteActivityPayload
		if err := c.ShouldBindJSON(&payload); err != nil {
			logrus.WithError(err).Warn("Dropping malformed delete-activity payload")
			c.JSON(http.StatusOK, gin.H{"status": "dropped"})
			return
		}

		if err := deps.DB.DeleteActivity(c.Request.Context(), payload.ActivityID, payload.AthleteID); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"athlete_id":  payload.AthleteID,
				"activity_id": payload.ActivityID,
			}).Error("Activity delete failed")
			serverErr(c, "delete_failed")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}
