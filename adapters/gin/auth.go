package authgin

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/authstate"
	"github.com/rolandd/midpen-tracker/config"
	"github.com/rolandd/midpen-tracker/session"
)

// HandleAuthStartGET begins the OAuth flow: mint a single-use state
// token, remember where to send the user afterwards, and redirect to
// Strava.
func HandleAuthStartGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allowNamed(c, deps.Limiter, RLAuthStart) {
			tooMany(c)
			return
		}

		returnTo := c.Query("return_to")
		if !safeReturnPath(returnTo) {
			returnTo = ""
		}

		state, err := authstate.NewToken()
		if err != nil {
			serverErr(c, "state_generation_failed")
			return
		}
		err = deps.States.Put(c.Request.Context(), state, authstate.StateData{
			ReturnTo:  returnTo,
			CreatedAt: time.Now(),
		})
		if err != nil {
			logrus.WithError(err).Error("Failed to store OAuth state")
			serverErr(c, "state_store_failed")
			return
		}

		callback := deps.Config.APIURL + "/auth/strava/callback"
		logrus.WithField("return_to", returnTo).Info("Starting OAuth flow, redirecting to Strava")
		c.Redirect(http.StatusTemporaryRedirect, deps.Strava.AuthCodeURL(callback, state))
	}
}

// HandleAuthCallbackGET finishes the OAuth flow: validate the state,
// exchange the code, set the session cookie, kick off backfill, and
// send the user back to the frontend.
func HandleAuthCallbackGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		frontend := deps.Config.FrontendURL

		state := c.Query("state")
		data, ok, err := authstate.Take(c.Request.Context(), deps.States, state)
		if err != nil {
			logrus.WithError(err).Error("OAuth state lookup failed")
			serverErr(c, "state_lookup_failed")
			return
		}
		if !ok {
			logrus.Warn("OAuth callback with unknown or replayed state")
			forbidden(c, "invalid_state")
			return
		}

		if oauthErr := c.Query("error"); oauthErr != "" {
			logrus.WithField("error", oauthErr).Warn("OAuth error from Strava")
			c.Redirect(http.StatusTemporaryRedirect, frontend+"/?error="+url.QueryEscape(oauthErr))
			return
		}

		code := c.Query("code")
		if code == "" {
			badRequest(c, "missing_code")
			return
		}

		result, err := deps.Strava.HandleOAuthCallback(c.Request.Context(), code)
		if err != nil {
			logrus.WithError(err).Error("OAuth code exchange failed")
			serverErr(c, "oauth_exchange_failed")
			return
		}

		if err := deps.Backfill.Start(c.Request.Context(), result.AthleteID); err != nil {
			// The nightly sweep and the next login both retry this.
			logrus.WithError(err).WithField("athlete_id", result.AthleteID).
				Warn("Failed to trigger backfill, continuing anyway")
		}

		token, err := session.Issue(result.AthleteID, deps.Config.JWTSigningKey, session.DefaultTTL)
		if err != nil {
			serverErr(c, "session_issue_failed")
			return
		}
		setSessionCookie(c, deps.Config, token, int(session.DefaultTTL.Seconds()))

		dest := frontend + "/callback"
		if data.ReturnTo != "" {
			dest += "?return_to=" + url.QueryEscape(data.ReturnTo)
		}
		c.Redirect(http.StatusTemporaryRedirect, dest)
	}
}

// HandleLogoutGET clears the session cookie.
func HandleLogoutGET(deps *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		setSessionCookie(c, deps.Config, "", -1)
		c.Redirect(http.StatusTemporaryRedirect, deps.Config.FrontendURL)
	}
}

func setSessionCookie(c *gin.Context, cfg *config.Config, token string, maxAge int) {
	secure := strings.HasPrefix(cfg.APIURL, "https://")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(session.CookieName, token, maxAge, "/", "", secure, true)
}

// safeReturnPath accepts only same-site relative paths, so the state
// cache can never be used as an open redirect.
func safeReturnPath(p string) bool {
	return p == "" || (strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//"))
}
