package authgin

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/tasks"
)

const maxPerPage = 100

// UserResponse is the /api/me body.
type UserResponse struct {
	AthleteID      uint64  `json:"athlete_id"`
	Firstname      string  `json:"firstname"`
	Lastname       string  `json:"lastname"`
	ProfilePicture *string `json:"profile_picture"`
}

// HandleMeGET returns the current user's profile.
func HandleMeGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		athleteID, _ := AthleteID(c)

		user, err := deps.DB.GetUser(c.Request.Context(), athleteID)
		if err != nil {
			serverErr(c, "profile_lookup_failed")
			return
		}
		if user == nil {
			errJSON(c, http.StatusNotFound, "user_not_found")
			return
		}

		if err := deps.DB.TouchLastActive(c.Request.Context(), athleteID); err != nil {
			logrus.WithError(err).Debug("Failed to touch last_active")
		}

		c.JSON(http.StatusOK, UserResponse{
			AthleteID:      user.StravaAthleteID,
			Firstname:      user.Firstname,
			Lastname:       user.Lastname,
			ProfilePicture: user.ProfilePicture,
		})
	}
}

// ActivitySummary is one row of the /api/activities response.
type ActivitySummary struct {
	ID        uint64   `json:"id"`
	Name      string   `json:"name"`
	SportType string   `json:"sport_type"`
	StartDate string   `json:"start_date"`
	Preserves []string `json:"preserves"`
}

// ActivitiesResponse is the /api/activities body.
type ActivitiesResponse struct {
	Activities []ActivitySummary `json:"activities"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
}

// HandleActivitiesGET lists the user's processed activities, optionally
// filtered to one preserve.
func HandleActivitiesGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		athleteID, _ := AthleteID(c)

		page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
		if err != nil || page < 1 {
			badRequest(c, "invalid_page")
			return
		}
		perPage, err := strconv.Atoi(c.DefaultQuery("per_page", "50"))
		if err != nil || perPage < 1 {
			badRequest(c, "invalid_per_page")
			return
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}

		var summaries []ActivitySummary
		if preserveName := c.Query("preserve"); preserveName != "" {
			rows, err := deps.DB.ListActivitiesForPreserve(c.Request.Context(), athleteID, preserveName, perPage)
			if err != nil {
				serverErr(c, "activity_lookup_failed")
				return
			}
			summaries = make([]ActivitySummary, 0, len(rows))
			for _, r := range rows {
				summaries = append(summaries, ActivitySummary{
					ID:        r.ActivityID,
					Name:      r.ActivityName,
					SportType: r.SportType,
					StartDate: r.StartDate.UTC().Format(time.RFC3339),
					Preserves: []string{r.PreserveName},
				})
			}
		} else {
			rows, err := deps.DB.ListActivitiesForUser(c.Request.Context(), athleteID, perPage, (page-1)*perPage)
			if err != nil {
				serverErr(c, "activity_lookup_failed")
				return
			}
			summaries = make([]ActivitySummary, 0, len(rows))
			for _, a := range rows {
				summaries = append(summaries, ActivitySummary{
					ID:        a.StravaActivityID,
					Name:      a.Name,
					SportType: a.SportType,
					StartDate: a.StartDate.UTC().Format(time.RFC3339),
					Preserves: a.PreservesVisited,
				})
			}
		}

		c.JSON(http.StatusOK, ActivitiesResponse{
			Activities: summaries,
			Page:       page,
			PerPage:    perPage,
		})
	}
}

// PreserveCount pairs a preserve with the user's visit count.
type PreserveCount struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Visits int    `json:"visits"`
}

// PreserveStatsResponse is the /api/stats/preserves body.
type PreserveStatsResponse struct {
	Preserves             []PreserveCount `json:"preserves"`
	TotalPreservesVisited int             `json:"total_preserves_visited"`
	TotalPreserves        int             `json:"total_preserves"`
	TotalActivities       int             `json:"total_activities"`
	PendingActivities     int             `json:"pending_activities"`
}

// HandlePreserveStatsGET reports visit counts across every preserve,
// from the precomputed per-user aggregate.
func HandlePreserveStatsGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		athleteID, _ := AthleteID(c)
		showUnvisited := c.Query("show_unvisited") == "true"

		stats, err := deps.DB.GetUserStats(c.Request.Context(), athleteID)
		if err != nil {
			serverErr(c, "stats_lookup_failed")
			return
		}

		counts := map[string]int{}
		totalActivities, pending := 0, 0
		if stats != nil {
			counts = stats.PreserveCounts
			totalActivities = stats.TotalActivities
			pending = stats.PendingBackfill
		}

		all := deps.Preserves.Preserves()
		out := make([]PreserveCount, 0, len(all))
		visited := 0
		for _, p := range all {
			n := counts[p.Name]
			if n > 0 {
				visited++
			}
			if n > 0 || showUnvisited {
				out = append(out, PreserveCount{Name: p.Name, URL: p.URL, Visits: n})
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Visits != out[j].Visits {
				return out[i].Visits > out[j].Visits
			}
			return out[i].Name < out[j].Name
		})

		c.JSON(http.StatusOK, PreserveStatsResponse{
			Preserves:             out,
			TotalPreservesVisited: visited,
			TotalPreserves:        len(all),
			TotalActivities:       totalActivities,
			PendingActivities:     pending,
		})
	}
}

// HandleAccountDELETE queues full data deletion and answers right away.
func HandleAccountDELETE(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		athleteID, _ := AthleteID(c)
		logrus.WithField("athlete_id", athleteID).Info("User-initiated account deletion")

		err := deps.Tasks.QueueDeleteUser(c.Request.Context(), tasks.DeleteUserPayload{
			AthleteID: athleteID,
			Source:    "user_request",
		})
		if err != nil {
			serverErr(c, "deletion_queue_failed")
			return
		}

		setSessionCookie(c, deps.Config, "", -1)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Account deletion initiated. All data will be removed.",
		})
	}
}
