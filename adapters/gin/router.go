package authgin

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Router assembles the full route table on a fresh gin engine.
func Router(deps *Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), SecurityHeaders())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/auth/strava", HandleAuthStartGET(deps))
	r.GET("/auth/strava/callback", HandleAuthCallbackGET(deps))
	r.GET("/auth/logout", HandleLogoutGET(deps))

	api := r.Group("/api", RequireAuth(deps.Config.JWTSigningKey), RateLimit(deps, RLAPI))
	{
		api.GET("/me", HandleMeGET(deps))
		api.GET("/activities", HandleActivitiesGET(deps))
		api.GET("/stats/preserves", HandlePreserveStatsGET(deps))
		api.DELETE("/account", HandleAccountDELETE(deps))
	}

	r.GET("/webhook/:id", HandleWebhookVerifyGET(deps))
	r.POST("/webhook/:id", HandleWebhookEventPOST(deps))

	worker := r.Group("/tasks", RequireTasksAuth(deps.Verifier))
	{
		worker.POST("/process-activity", HandleProcessActivityPOST(deps))
		worker.POST("/continue-backfill", HandleContinueBackfillPOST(deps))
		worker.POST("/delete-user", HandleDeleteUserPOST(deps))
		worker.POST("/delete-activity", HandleDeleteActivityPOST(deps))
	}

	return r
}
