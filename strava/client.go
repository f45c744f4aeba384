// Package strava wraps the Strava v3 API and manages per-athlete OAuth
// token lifecycle.
package strava

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	defaultBaseURL = "https://www.strava.com/api/v3"
	authorizeURL   = "https://www.strava.com/oauth/authorize"
	clientTimeout  = 15 * time.Second

	// Scopes requested at connect time. read_all covers private
	// activities, write lets us annotate descriptions.
	OAuthScopes = "activity:read_all,activity:write"
)

// Sentinel errors for responses the task layer treats specially. A rate
// limit should surface as a retryable failure so Cloud Tasks backs off,
// while an invalid token means the athlete revoked access.
var (
	ErrRateLimited  = errors.New("strava: rate limited")
	ErrTokenInvalid = errors.New("strava: access token rejected")
	ErrNotFound     = errors.New("strava: not found")
)

// Client is a low-level Strava API client. It knows nothing about token
// storage; callers supply a bearer token per request.
type Client struct {
	http         *http.Client
	baseURL      string
	oauthBaseURL string
	clientID     string
	clientSecret string
}

// ClientOption adjusts a Client, used by tests to point at a fake server.
type ClientOption func(*Client)

// WithBaseURL overrides both the API and OAuth endpoints.
func WithBaseURL(apiURL, oauthURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = apiURL
		c.oauthBaseURL = oauthURL
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func NewClient(clientID, clientSecret string, opts ...ClientOption) *Client {
	c := &Client{
		http:         &http.Client{Timeout: clientTimeout},
		baseURL:      defaultBaseURL,
		oauthBaseURL: "https://www.strava.com/oauth",
		clientID:     clientID,
		clientSecret: clientSecret,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL builds the Strava authorize redirect for the connect flow.
func (c *Client) AuthCodeURL(redirectURI, state string) string {
	cfg := oauth2.Config{
		ClientID:    c.clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  authorizeURL,
			TokenURL: c.oauthBaseURL + "/token",
		},
	}
	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("approval_prompt", "auto"),
		oauth2.SetAuthURLParam("scope", OAuthScopes),
	)
}

// Activity is a detailed activity from GET /activities/{id}.
type Activity struct {
	ID          uint64  `json:"id"`
	Name        string  `json:"name"`
	SportType   string  `json:"sport_type"`
	StartDate   string  `json:"start_date"`
	Distance    float64 `json:"distance"`
	Description *string `json:"description"`
	DeviceName  *string `json:"device_name"`
	Map         Map     `json:"map"`
}

// Map carries the encoded track polylines.
type Map struct {
	Polyline        *string `json:"polyline"`
	SummaryPolyline *string `json:"summary_polyline"`
}

// Polyline returns the detailed polyline, falling back to the summary.
// Empty string means the activity has no GPS track.
func (a *Activity) Polyline() string {
	if a.Map.Polyline != nil && *a.Map.Polyline != "" {
		return *a.Map.Polyline
	}
	if a.Map.SummaryPolyline != nil {
		return *a.Map.SummaryPolyline
	}
	return ""
}

// ActivitySummary is a row from the athlete activity list endpoint.
type ActivitySummary struct {
	ID        uint64  `json:"id"`
	Name      string  `json:"name"`
	SportType string  `json:"sport_type"`
	StartDate string  `json:"start_date"`
	Distance  float64 `json:"distance"`
}

// Athlete is the authenticated athlete profile.
type Athlete struct {
	ID        uint64  `json:"id"`
	Firstname string  `json:"firstname"`
	Lastname  string  `json:"lastname"`
	Profile   *string `json:"profile"`
}

// TokenResponse is returned by both the code exchange and the refresh
// grant. Athlete is only present on code exchange.
type TokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	Athlete      *Athlete `json:"athlete"`
}

// GetActivity fetches a detailed activity.
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID uint64) (*Activity, error) {
	var out Activity
	url := fmt.Sprintf("%s/activities/%d", c.baseURL, activityID)
	if err := c.getJSON(ctx, url, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListActivities pages through the athlete's activity feed. after is a
// Unix timestamp; Strava returns oldest-first when after is set.
func (c *Client) ListActivities(ctx context.Context, accessToken string, after int64, page, perPage int) ([]ActivitySummary, error) {
	q := url.Values{
		"after":    {strconv.FormatInt(after, 10)},
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	var out []ActivitySummary
	if err := c.getJSON(ctx, c.baseURL+"/athlete/activities?"+q.Encode(), accessToken, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateActivityDescription rewrites an activity's description.
func (c *Client) UpdateActivityDescription(ctx context.Context, accessToken string, activityID uint64, description string) error {
	body, err := json.Marshal(map[string]string{"description": description})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/activities/%d", c.baseURL, activityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("strava: update activity: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// GetAthlete fetches the authenticated athlete's profile.
func (c *Client) GetAthlete(ctx context.Context, accessToken string) (*Athlete, error) {
	var out Athlete
	if err := c.getJSON(ctx, c.baseURL+"/athlete", accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeCode trades an authorization code for tokens plus the athlete
// profile.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
	})
}

// RefreshToken trades a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	return c.tokenGrant(ctx, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
}

// Deauthorize revokes all of the athlete's tokens and removes the app
// from their Strava settings.
func (c *Client) Deauthorize(ctx context.Context, accessToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthBaseURL+"/deauthorize", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("strava: deauthorize: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	logrus.Info("Strava deauthorization successful")
	return nil
}

func (c *Client) tokenGrant(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauthBaseURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("strava: token grant: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if resp.StatusCode == http.StatusTooManyRequests {
			logrus.Warn("Strava rate limit hit (429)")
			return nil, ErrRateLimited
		}
		// Strava reports a consumed or revoked refresh token as a 400
		// with an invalid_grant error body.
		if resp.StatusCode == http.StatusUnauthorized ||
			(resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "invalid_grant")) {
			return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTokenInvalid, resp.StatusCode, body)
		}
		return nil, fmt.Errorf("strava: token grant failed: HTTP %d: %s", resp.StatusCode, body)
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("strava: parse token response: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, url, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("strava: request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("strava: parse response: %w", err)
	}
	return nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		logrus.Warn("Strava rate limit hit (429)")
		return ErrRateLimited
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrTokenInvalid, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body)
	default:
		return fmt.Errorf("strava: HTTP %d: %s", resp.StatusCode, body)
	}
}
