package authgin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/rolandd/midpen-tracker/activity"
	"github.com/rolandd/midpen-tracker/config"
	"github.com/rolandd/midpen-tracker/oidc"
	"github.com/rolandd/midpen-tracker/preserve"
	"github.com/rolandd/midpen-tracker/session"
	memorystore "github.com/rolandd/midpen-tracker/storage/memory"
	"github.com/rolandd/midpen-tracker/store"
	"github.com/rolandd/midpen-tracker/strava"
	"github.com/rolandd/midpen-tracker/tasks"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errBoom = errors.New("boom")

type fakeStore struct {
	mu sync.Mutex

	users      map[uint64]*store.User
	activities []store.Activity
	joins      []store.ActivityPreserve
	stats      map[uint64]*store.UserStats

	pendingDeltas     []int
	deletedActivities []uint64
	deletedUsers      []uint64
	touched           []uint64

	failGetUser  bool
	failList     bool
	failStats    bool
	failDeletes  bool
	deleteReturn int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[uint64]*store.User{},
		stats: map[uint64]*store.UserStats{},
	}
}

func (s *fakeStore) GetUser(_ context.Context, athleteID uint64) (*store.User, error) {
	if s.failGetUser {
		return nil, errBoom
	}
	return s.users[athleteID], nil
}

func (s *fakeStore) UpsertUser(_ context.Context, user *store.User) error {
	s.users[user.StravaAthleteID] = user
	return nil
}

func (s *fakeStore) TouchLastActive(_ context.Context, athleteID uint64) error {
	s.touched = append(s.touched, athleteID)
	return nil
}

func (s *fakeStore) ListActivitiesForUser(_ context.Context, athleteID uint64, limit, offset int) ([]store.Activity, error) {
	if s.failList {
		return nil, errBoom
	}
	var out []store.Activity
	for _, a := range s.activities {
		if a.AthleteID == athleteID {
			out = append(out, a)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) ListActivitiesForPreserve(_ context.Context, athleteID uint64, preserveName string, limit int) ([]store.ActivityPreserve, error) {
	if s.failList {
		return nil, errBoom
	}
	var out []store.ActivityPreserve
	for _, j := range s.joins {
		if j.AthleteID == athleteID && j.PreserveName == preserveName && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) GetUserStats(_ context.Context, athleteID uint64) (*store.UserStats, error) {
	if s.failStats {
		return nil, errBoom
	}
	return s.stats[athleteID], nil
}

func (s *fakeStore) UpdatePendingBackfill(_ context.Context, _ uint64, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingDeltas = append(s.pendingDeltas, delta)
	return nil
}

func (s *fakeStore) DeleteActivity(_ context.Context, activityID, _ uint64) error {
	if s.failDeletes {
		return errBoom
	}
	s.deletedActivities = append(s.deletedActivities, activityID)
	return nil
}

func (s *fakeStore) DeleteUserData(_ context.Context, athleteID uint64) (int, error) {
	if s.failDeletes {
		return 0, errBoom
	}
	s.deletedUsers = append(s.deletedUsers, athleteID)
	return s.deleteReturn, nil
}

type fakeStravaService struct {
	callbackResult *strava.OAuthResult
	callbackErr    error

	getActivityErr error
	tokenActive    bool
	tokenActiveErr error

	revokedToken string
	revokeErr    error
	deauthorized []string
	deauthErr    error
}

func (s *fakeStravaService) AuthCodeURL(redirectURI, state string) string {
	return "https://www.strava.com/oauth/authorize?redirect_uri=" + redirectURI + "&state=" + state
}

func (s *fakeStravaService) HandleOAuthCallback(context.Context, string) (*strava.OAuthResult, error) {
	return s.callbackResult, s.callbackErr
}

func (s *fakeStravaService) GetActivity(context.Context, uint64, uint64) (*strava.Activity, error) {
	if s.getActivityErr != nil {
		return nil, s.getActivityErr
	}
	return &strava.Activity{ID: 1}, nil
}

func (s *fakeStravaService) VerifyTokenActive(context.Context, uint64) (bool, error) {
	return s.tokenActive, s.tokenActiveErr
}

func (s *fakeStravaService) RevokeLocalTokens(context.Context, uint64) (string, error) {
	return s.revokedToken, s.revokeErr
}

func (s *fakeStravaService) Deauthorize(_ context.Context, accessToken string) error {
	s.deauthorized = append(s.deauthorized, accessToken)
	return s.deauthErr
}

type fakeTaskQueue struct {
	fail bool

	processed     []tasks.ProcessActivityPayload
	userDeletes   []tasks.DeleteUserPayload
	activityKills []tasks.DeleteActivityPayload
}

func (q *fakeTaskQueue) QueueProcessActivity(_ context.Context, p tasks.ProcessActivityPayload) error {
	if q.fail {
		return errBoom
	}
	q.processed = append(q.processed, p)
	return nil
}

func (q *fakeTaskQueue) QueueDeleteUser(_ context.Context, p tasks.DeleteUserPayload) error {
	if q.fail {
		return errBoom
	}
	q.userDeletes = append(q.userDeletes, p)
	return nil
}

func (q *fakeTaskQueue) QueueDeleteActivity(_ context.Context, p tasks.DeleteActivityPayload) error {
	if q.fail {
		return errBoom
	}
	q.activityKills = append(q.activityKills, p)
	return nil
}

type fakeProcessor struct {
	result *activity.Result
	err    error
	calls  []string
}

func (p *fakeProcessor) Process(_ context.Context, athleteID, activityID uint64, source string) (*activity.Result, error) {
	p.calls = append(p.calls, source)
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return &activity.Result{ActivityID: activityID}, nil
}

type fakeBackfill struct {
	startErr error
	pageErr  error

	started []uint64
	pages   []int
	afters  []int64
}

func (b *fakeBackfill) Start(_ context.Context, athleteID uint64) error {
	b.started = append(b.started, athleteID)
	return b.startErr
}

func (b *fakeBackfill) RunPage(_ context.Context, athleteID uint64, page int, after int64) error {
	b.started = append(b.started, athleteID)
	b.pages = append(b.pages, page)
	b.afters = append(b.afters, after)
	return b.pageErr
}

type fakeVerifier struct {
	err error
}

func (v *fakeVerifier) Verify(context.Context, string) (oidc.Principal, error) {
	if v.err != nil {
		return oidc.Principal{}, v.err
	}
	return oidc.Principal{Email: "tasks@proj.iam.gserviceaccount.com"}, nil
}

type denyLimiter struct{}

func (denyLimiter) AllowNamed(string, string) (bool, error) { return false, nil }

const preservesFixture = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"name": "Rancho San Antonio", "url": "https://www.openspace.org/rancho"},
      "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}
    },
    {
      "type": "Feature",
      "properties": {"name": "Monte Bello", "url": "https://www.openspace.org/monte-bello"},
      "geometry": {"type": "Polygon", "coordinates": [[[5,5],[6,5],[6,6],[5,6],[5,5]]]}
    }
  ]
}`

func testConfig() *config.Config {
	return &config.Config{
		FrontendURL:          "https://app.example.com",
		APIURL:               "https://api.example.com",
		JWTSigningKey:        []byte("test-signing-key-for-sessions"),
		WebhookVerifyToken:   "verify-me",
		WebhookPathID:        "hook4242",
		StravaSubscriptionID: 0,
	}
}

type testEnv struct {
	deps   *Deps
	store  *fakeStore
	strava *fakeStravaService
	queue  *fakeTaskQueue
	proc   *fakeProcessor
	back   *fakeBackfill
	verify *fakeVerifier
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	idx, err := preserve.Load([]byte(preservesFixture))
	if err != nil {
		t.Fatalf("loading preserve fixture: %v", err)
	}

	states := memorystore.NewStateCache(0)
	t.Cleanup(func() { states.Close() })

	env := &testEnv{
		store:  newFakeStore(),
		strava: &fakeStravaService{},
		queue:  &fakeTaskQueue{},
		proc:   &fakeProcessor{},
		back:   &fakeBackfill{},
		verify: &fakeVerifier{},
	}
	env.deps = &Deps{
		Config:    testConfig(),
		DB:        env.store,
		Strava:    env.strava,
		Preserves: idx,
		Tasks:     env.queue,
		Processor: env.proc,
		Backfill:  env.back,
		Verifier:  env.verify,
		States:    states,
	}
	env.router = Router(env.deps)
	return env
}

// sessionCookie returns a valid session cookie for the athlete.
func sessionCookie(t *testing.T, deps *Deps, athleteID uint64) *http.Cookie {
	t.Helper()
	token, err := session.Issue(athleteID, deps.Config.JWTSigningKey, session.DefaultTTL)
	if err != nil {
		t.Fatalf("issuing session: %v", err)
	}
	return &http.Cookie{Name: session.CookieName, Value: token}
}

func doRequest(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
