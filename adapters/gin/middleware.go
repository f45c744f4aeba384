package authgin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/config"
	"github.com/rolandd/midpen-tracker/oidc"
	"github.com/rolandd/midpen-tracker/session"
)

const athleteIDKey = "auth.athlete_id"

// Rate limit bucket names; the limiter maps them to window/limit pairs.
const (
	RLAuthStart = "auth_start"
	RLWebhook   = "webhook"
	RLAPI       = "api"
)

func errJSON(c *gin.Context, status int, msg string, details ...string) {
	body := gin.H{"error": msg}
	if len(details) > 0 {
		body["details"] = details[0]
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, msg string)   { errJSON(c, http.StatusBadRequest, msg) }
func unauthorized(c *gin.Context, msg string) { errJSON(c, http.StatusUnauthorized, msg) }
func forbidden(c *gin.Context, msg string)    { errJSON(c, http.StatusForbidden, msg) }
func serverErr(c *gin.Context, msg string)    { errJSON(c, http.StatusInternalServerError, msg) }
func tooMany(c *gin.Context)                  { errJSON(c, http.StatusTooManyRequests, "rate_limited") }

// RequestID tags every request with an id for log correlation,
// honoring the one Cloud Run already assigned when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// SecurityHeaders sets standard hardening headers on every response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// allowNamed applies the limiter keyed by client IP. A nil limiter
// allows everything.
func allowNamed(c *gin.Context, rl RateLimiter, bucket string) bool {
	if rl == nil {
		return true
	}
	ok, err := rl.AllowNamed(bucket, c.ClientIP())
	if err != nil {
		// Fail open: a broken limiter backend must not take down auth.
		logrus.WithError(err).WithField("bucket", bucket).Warn("Rate limiter error")
		return true
	}
	return ok
}

// RateLimit applies the named bucket per client IP.
func RateLimit(deps *Deps, bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allowNamed(c, deps.Limiter, bucket) {
			tooMany(c)
			return
		}
		c.Next()
	}
}

// RequireAuth authenticates the end user from the session cookie or a
// bearer token and stores the athlete id on the context.
func RequireAuth(signingKey []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if cookie, err := c.Cookie(session.CookieName); err == nil {
			token = cookie
		}
		if token == "" {
			header := c.GetHeader("Authorization")
			if strings.HasPrefix(header, "Bearer ") {
				token = strings.TrimPrefix(header, "Bearer ")
			}
		}
		if token == "" {
			unauthorized(c, "missing_session")
			return
		}

		athleteID, err := session.Parse(token, signingKey)
		if err != nil {
			unauthorized(c, "invalid_session")
			return
		}
		c.Set(athleteIDKey, athleteID)
		c.Next()
	}
}

// AthleteID returns the authenticated athlete from the context.
func AthleteID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(athleteIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// RequireTasksAuth gates the /tasks endpoints. Two independent checks:
// the queue-name header Cloud Run strips from external traffic, and the
// OIDC token minted by Cloud Tasks for our service account. A forged or
// expired token is rejected for good with 403; infrastructure trouble
// during verification answers 500 so Cloud Tasks redelivers.
func RequireTasksAuth(verifier TasksVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		queueName := c.GetHeader("x-cloudtasks-queuename")
		if queueName != config.ActivityQueueName {
			logrus.WithFields(logrus.Fields{
				"path":   c.FullPath(),
				"header": queueName,
			}).Warn("Blocked task callback with missing or wrong queue header")
			forbidden(c, "forbidden")
			return
		}

		principal, err := verifier.Verify(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			if oidc.IsTransient(err) {
				logrus.WithError(err).Warn("Task token verification hit transient failure")
				serverErr(c, "verification_unavailable")
				return
			}
			logrus.WithError(err).WithField("path", c.FullPath()).
				Warn("Rejected task callback with invalid token")
			forbidden(c, "forbidden")
			return
		}

		logrus.WithFields(logrus.Fields{
			"email": principal.Email,
			"path":  c.FullPath(),
		}).Debug("Task callback authenticated")
		c.Next()
	}
}
