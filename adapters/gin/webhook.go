package authgin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/strava"
	"github.com/rolandd/midpen-tracker/tasks"
)

// WebhookEvent is Strava's push notification payload.
type WebhookEvent struct {
	ObjectType     string         `json:"object_type"` // "activity" or "athlete"
	ObjectID       uint64         `json:"object_id"`
	AspectType     string         `json:"aspect_type"` // "create", "update", "delete"
	OwnerID        uint64         `json:"owner_id"`
	SubscriptionID uint64         `json:"subscription_id"`
	Updates        map[string]any `json:"updates"`
}

// isDeauthorization detects the athlete update Strava sends when a user
// revokes the app: updates carries {"authorized": "false"}.
func isDeauthorization(event *WebhookEvent) bool {
	v, ok := event.Updates["authorized"]
	if !ok {
		return false
	}
	return v == false || v == "false"
}

// HandleWebhookVerifyGET answers Strava's subscription handshake.
func HandleWebhookVerifyGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("id") != deps.Config.WebhookPathID {
			logrus.WithField("path_id", c.Param("id")).Warn("Webhook path id mismatch")
			c.JSON(http.StatusNotFound, gin.H{})
			return
		}

		mode := c.Query("hub.mode")
		token := c.Query("hub.verify_token")
		if mode == "subscribe" && token == deps.Config.WebhookVerifyToken {
			logrus.Info("Webhook subscription verified")
			c.JSON(http.StatusOK, gin.H{"hub.challenge": c.Query("hub.challenge")})
			return
		}

		logrus.WithField("mode", mode).Warn("Webhook verification failed: invalid token")
		c.JSON(http.StatusForbidden, gin.H{})
	}
}

// HandleWebhookEventPOST ingests Strava events. Strava expects a fast
// 200 on anything it should not retry, so real work is pushed onto the
// task queue and malformed events are swallowed.
func HandleWebhookEventPOST(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("id") != deps.Config.WebhookPathID {
			logrus.WithField("path_id", c.Param("id")).Warn("Webhook path id mismatch")
			c.JSON(http.StatusNotFound, gin.H{})
			return
		}
		if !allowNamed(c, deps.Limiter, RLWebhook) {
			tooMany(c)
			return
		}

		var event WebhookEvent
		if err := c.ShouldBindJSON(&event); err != nil {
			logrus.WithError(err).Error("Failed to parse webhook event")
			c.JSON(http.StatusOK, gin.H{})
			return
		}

		if deps.Config.StravaSubscriptionID != 0 && event.SubscriptionID != deps.Config.StravaSubscriptionID {
			logrus.WithFields(logrus.Fields{
				"received": event.SubscriptionID,
				"expected": deps.Config.StravaSubscriptionID,
			}).Warn("Webhook subscription id mismatch")
			c.JSON(http.StatusForbidden, gin.H{})
			return
		}

		log := logrus.WithFields(logrus.Fields{
			"object_type": event.ObjectType,
			"object_id":   event.ObjectID,
			"aspect_type": event.AspectType,
			"owner_id":    event.OwnerID,
		})
		log.Info("Webhook event received")

		ctx := c.Request.Context()
		switch {
		case event.ObjectType == "activity" && event.AspectType == "create":
			err := deps.Tasks.QueueProcessActivity(ctx, tasks.ProcessActivityPayload{
				ActivityID: event.ObjectID,
				AthleteID:  event.OwnerID,
				Source:     "webhook",
			})
			if err != nil {
				log.WithError(err).Error("Failed to queue activity")
			}

		case event.ObjectType == "activity" && event.AspectType == "delete":
			if verifyActivityDeleted(ctx, deps, event.OwnerID, event.ObjectID) {
				err := deps.Tasks.QueueDeleteActivity(ctx, tasks.DeleteActivityPayload{
					ActivityID: event.ObjectID,
					AthleteID:  event.OwnerID,
					Source:     "webhook",
				})
				if err != nil {
					log.WithError(err).Error("Failed to queue activity deletion")
				}
			}

		case event.ObjectType == "athlete" && event.AspectType == "update" && isDeauthorization(&event):
			if verifyDeauthorized(ctx, deps, event.OwnerID) {
				err := deps.Tasks.QueueDeleteUser(ctx, tasks.DeleteUserPayload{
					AthleteID: event.OwnerID,
					Source:    "webhook",
				})
				if err != nil {
					log.WithError(err).Error("Failed to queue user deletion")
				} else {
					log.Info("User deletion queued")
				}
			}

		default:
			log.Debug("Ignoring unhandled event type")
		}

		c.JSON(http.StatusOK, gin.H{})
	}
}

// verifyActivityDeleted guards against forged deletion events by asking
// Strava whether the activity still exists. Only a confirmed-alive
// activity blocks the deletion; any doubt lets it proceed, since
// deleting an already-gone activity is harmless.
func verifyActivityDeleted(ctx context.Context, deps *Deps, athleteID, activityID uint64) bool {
	_, err := deps.Strava.GetActivity(ctx, athleteID, activityID)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"activity_id": activityID,
			"athlete_id":  athleteID,
		}).Warn("Ignoring forged activity deletion webhook, activity still exists")
		return false
	}
	if !errors.Is(err, strava.ErrNotFound) && !errors.Is(err, strava.ErrTokenInvalid) && !errors.Is(err, strava.ErrNoTokens) {
		logrus.WithError(err).Warn("Could not verify activity deletion, assuming real")
	}
	return true
}

// verifyDeauthorized guards against forged deauthorization events: if
// the athlete's grant still works, the webhook lied and nothing is
// deleted.
func verifyDeauthorized(ctx context.Context, deps *Deps, athleteID uint64) bool {
	active, err := deps.Strava.VerifyTokenActive(ctx, athleteID)
	if err != nil {
		logrus.WithError(err).Warn("Could not verify deauthorization, assuming real")
		return true
	}
	if active {
		logrus.WithField("athlete_id", athleteID).
			Warn("Ignoring forged deauthorization webhook, token still valid")
		return false
	}
	return true
}
