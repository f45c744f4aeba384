package strava

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/secrets"
	"github.com/rolandd/midpen-tracker/store"
)

// Access tokens within this margin of expiry are refreshed proactively
// so an in-flight API call never races the expiry.
const tokenRefreshMargin = 5 * time.Minute

// TokenStore is the slice of the persistence layer the service needs.
type TokenStore interface {
	GetTokens(ctx context.Context, athleteID uint64) (*store.UserTokens, error)
	SetTokens(ctx context.Context, tokens *store.UserTokens) error
	DeleteTokens(ctx context.Context, athleteID uint64) error
	UpsertUser(ctx context.Context, user *store.User) error
}

// ErrNoTokens is returned when an athlete has no stored tokens, either
// because they never connected or because deletion already ran.
var ErrNoTokens = errors.New("strava: no stored tokens for athlete")

type cachedToken struct {
	accessToken string
	expiresAt   time.Time
}

// Service layers token lifecycle management over the raw API client.
// Tokens are sealed at rest; the service unseals lazily, caches
// plaintext access tokens in memory, and serializes refreshes per
// athlete so concurrent tasks do not burn the single-use refresh token.
type Service struct {
	client *Client
	db     TokenStore
	box    *secrets.Box

	mu    sync.Mutex
	cache map[uint64]cachedToken
	locks map[uint64]*sync.Mutex
}

func NewService(client *Client, db TokenStore, box *secrets.Box) *Service {
	return &Service{
		client: client,
		db:     db,
		box:    box,
		cache:  map[uint64]cachedToken{},
		locks:  map[uint64]*sync.Mutex{},
	}
}

// Client exposes the underlying API client for calls that manage their
// own tokens, like deauthorization during account deletion.
func (s *Service) Client() *Client { return s.client }

// AuthCodeURL builds the Strava authorize redirect for the connect flow.
func (s *Service) AuthCodeURL(redirectURI, state string) string {
	return s.client.AuthCodeURL(redirectURI, state)
}

// Deauthorize revokes the given access token with Strava.
func (s *Service) Deauthorize(ctx context.Context, accessToken string) error {
	return s.client.Deauthorize(ctx, accessToken)
}

// VerifyTokenActive checks with Strava whether the athlete's grant is
// still live, bypassing the expiry timestamp's optimism. Used to vet
// deauthorization webhooks before destroying data on their say-so.
func (s *Service) VerifyTokenActive(ctx context.Context, athleteID uint64) (bool, error) {
	token, err := s.ValidAccessToken(ctx, athleteID)
	if errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrNoTokens) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.client.GetAthlete(ctx, token); err != nil {
		if errors.Is(err, ErrTokenInvalid) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ValidAccessToken returns a non-expired access token for the athlete,
// refreshing and re-sealing if the stored one is expired or close to it.
func (s *Service) ValidAccessToken(ctx context.Context, athleteID uint64) (string, error) {
	now := time.Now()

	if token, ok := s.cachedLive(athleteID, now); ok {
		return token, nil
	}

	lock := s.refreshLock(athleteID)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if token, ok := s.cachedLive(athleteID, now); ok {
		return token, nil
	}

	tokens, err := s.db.GetTokens(ctx, athleteID)
	if err != nil {
		return "", fmt.Errorf("load tokens: %w", err)
	}
	if tokens == nil {
		return "", ErrNoTokens
	}

	accessToken, err := s.box.Open(tokens.AccessTokenSealed, athleteID)
	if err != nil {
		return "", fmt.Errorf("unseal access token: %w", err)
	}

	if now.Add(tokenRefreshMargin).Before(tokens.AccessTokenExpiresAt) {
		s.cacheToken(athleteID, accessToken, tokens.AccessTokenExpiresAt)
		return accessToken, nil
	}

	logrus.WithField("athlete_id", athleteID).Info("Access token expired, refreshing")

	refreshToken, err := s.box.Open(tokens.RefreshTokenSealed, athleteID)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}

	refreshed, err := s.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		// Another server instance may have consumed the refresh token
		// first. Its new pair is already stored, so read that instead.
		if errors.Is(err, ErrTokenInvalid) {
			logrus.WithField("athlete_id", athleteID).
				Info("Refresh token race detected, loading winner's tokens")
			return s.loadStoredToken(ctx, athleteID)
		}
		return "", err
	}

	expiresAt := time.Unix(refreshed.ExpiresAt, 0)
	if err := s.storeTokens(ctx, athleteID, refreshed, tokens.Scopes); err != nil {
		return "", err
	}

	s.cacheToken(athleteID, refreshed.AccessToken, expiresAt)
	logrus.WithField("athlete_id", athleteID).Info("Token refreshed and cached")
	return refreshed.AccessToken, nil
}

// OAuthResult is what the auth callback handler needs after a code
// exchange.
type OAuthResult struct {
	AthleteID uint64
	Firstname string
	Lastname  string
}

// HandleOAuthCallback exchanges the authorization code, upserts the
// athlete's profile, and stores the sealed token pair.
func (s *Service) HandleOAuthCallback(ctx context.Context, code string) (*OAuthResult, error) {
	resp, err := s.client.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if resp.Athlete == nil {
		return nil, errors.New("strava: token exchange response missing athlete")
	}

	athleteID := resp.Athlete.ID
	now := time.Now()

	user := &store.User{
		StravaAthleteID: athleteID,
		Firstname:       resp.Athlete.Firstname,
		Lastname:        resp.Athlete.Lastname,
		ProfilePicture:  resp.Athlete.Profile,
		CreatedAt:       now,
		LastActive:      now,
	}
	if err := s.db.UpsertUser(ctx, user); err != nil {
		// Token storage matters more than the profile row.
		logrus.WithError(err).Warn("Failed to store user profile, continuing anyway")
	}

	scopes := []string{"activity:read_all", "activity:write"}
	if err := s.storeTokens(ctx, athleteID, resp, scopes); err != nil {
		return nil, err
	}

	s.cacheToken(athleteID, resp.AccessToken, time.Unix(resp.ExpiresAt, 0))

	logrus.WithFields(logrus.Fields{
		"athlete_id": athleteID,
		"firstname":  resp.Athlete.Firstname,
	}).Info("OAuth callback handled, user and tokens stored")

	return &OAuthResult{
		AthleteID: athleteID,
		Firstname: resp.Athlete.Firstname,
		Lastname:  resp.Athlete.Lastname,
	}, nil
}

// GetActivity fetches a detailed activity with a managed token.
func (s *Service) GetActivity(ctx context.Context, athleteID, activityID uint64) (*Activity, error) {
	token, err := s.ValidAccessToken(ctx, athleteID)
	if err != nil {
		return nil, err
	}
	return s.client.GetActivity(ctx, token, activityID)
}

// ListActivities lists the athlete's activities with a managed token.
func (s *Service) ListActivities(ctx context.Context, athleteID uint64, after int64, page, perPage int) ([]ActivitySummary, error) {
	token, err := s.ValidAccessToken(ctx, athleteID)
	if err != nil {
		return nil, err
	}
	return s.client.ListActivities(ctx, token, after, page, perPage)
}

// UpdateActivityDescription rewrites a description with a managed token.
func (s *Service) UpdateActivityDescription(ctx context.Context, athleteID, activityID uint64, description string) error {
	token, err := s.ValidAccessToken(ctx, athleteID)
	if err != nil {
		return err
	}
	return s.client.UpdateActivityDescription(ctx, token, activityID, description)
}

// RevokeLocalTokens deletes the athlete's stored tokens and returns a
// still-valid access token for the final deauthorize call against
// Strava. Returns empty string when there is nothing to revoke.
func (s *Service) RevokeLocalTokens(ctx context.Context, athleteID uint64) (string, error) {
	tokens, err := s.db.GetTokens(ctx, athleteID)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", nil
	}

	// Delete first so concurrent task handlers stop using the tokens.
	if err := s.db.DeleteTokens(ctx, athleteID); err != nil {
		return "", err
	}
	s.forget(athleteID)

	accessToken, err := s.box.Open(tokens.AccessTokenSealed, athleteID)
	if err != nil {
		logrus.WithError(err).WithField("athlete_id", athleteID).
			Warn("Failed to unseal tokens, skipping deauth")
		return "", nil
	}

	if time.Now().Add(tokenRefreshMargin).Before(tokens.AccessTokenExpiresAt) {
		return accessToken, nil
	}

	refreshToken, err := s.box.Open(tokens.RefreshTokenSealed, athleteID)
	if err != nil {
		return accessToken, nil
	}
	refreshed, err := s.client.RefreshToken(ctx, refreshToken)
	if err != nil {
		logrus.WithError(err).WithField("athlete_id", athleteID).
			Warn("Failed to refresh token for deauth, using old token")
		return accessToken, nil
	}
	return refreshed.AccessToken, nil
}

func (s *Service) loadStoredToken(ctx context.Context, athleteID uint64) (string, error) {
	tokens, err := s.db.GetTokens(ctx, athleteID)
	if err != nil {
		return "", err
	}
	if tokens == nil {
		return "", ErrNoTokens
	}
	accessToken, err := s.box.Open(tokens.AccessTokenSealed, athleteID)
	if err != nil {
		return "", fmt.Errorf("unseal access token: %w", err)
	}
	s.cacheToken(athleteID, accessToken, tokens.AccessTokenExpiresAt)
	return accessToken, nil
}

func (s *Service) storeTokens(ctx context.Context, athleteID uint64, resp *TokenResponse, scopes []string) error {
	sealedAccess, err := s.box.Seal(resp.AccessToken, athleteID)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	sealedRefresh, err := s.box.Seal(resp.RefreshToken, athleteID)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return s.db.SetTokens(ctx, &store.UserTokens{
		StravaAthleteID:      athleteID,
		AccessTokenSealed:    sealedAccess,
		RefreshTokenSealed:   sealedRefresh,
		AccessTokenExpiresAt: time.Unix(resp.ExpiresAt, 0),
		Scopes:               scopes,
	})
}

func (s *Service) cachedLive(athleteID uint64, now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cached, ok := s.cache[athleteID]
	if !ok || !now.Add(tokenRefreshMargin).Before(cached.expiresAt) {
		return "", false
	}
	return cached.accessToken, true
}

func (s *Service) cacheToken(athleteID uint64, token string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[athleteID] = cachedToken{accessToken: token, expiresAt: expiresAt}
}

func (s *Service) forget(athleteID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, athleteID)
}

func (s *Service) refreshLock(athleteID uint64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[athleteID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[athleteID] = lock
	}
	return lock
}
