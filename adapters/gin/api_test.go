package authgin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rolandd/midpen-tracker/store"
)

func authedRequest(t *testing.T, env *testEnv, method, target string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.AddCookie(sessionCookie(t, env.deps, 42))
	return req
}

func TestMeGET(t *testing.T) {
	env := newTestEnv(t)
	pic := "https://cdn.strava.com/pic.jpg"
	env.store.users[42] = &store.User{
		StravaAthleteID: 42,
		Firstname:       "Ada",
		Lastname:        "Lovelace",
		ProfilePicture:  &pic,
	}

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet, "/api/me"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var got UserResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.AthleteID != 42 || got.Firstname != "Ada" || got.Lastname != "Lovelace" {
		t.Errorf("body = %+v", got)
	}
	if got.ProfilePicture == nil || *got.ProfilePicture != pic {
		t.Errorf("profile picture = %v", got.ProfilePicture)
	}
	if len(env.store.touched) != 1 || env.store.touched[0] != 42 {
		t.Errorf("last_active touches = %v, want [42]", env.store.touched)
	}
}

func TestMeGETUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet, "/api/me"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestMeGETUnauthenticated(t *testing.T) {
	env := newTestEnv(t)

	w := doRequest(env.router, httptest.NewRequest(http.MethodGet, "/api/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func seedActivities(env *testEnv, n int) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		env.store.activities = append(env.store.activities, store.Activity{
			StravaActivityID: uint64(1000 + i),
			AthleteID:        42,
			Name:             "Morning Hike",
			SportType:        "Hike",
			StartDate:        start.Add(time.Duration(i) * time.Hour),
			PreservesVisited: []string{"Rancho San Antonio"},
		})
	}
}

func TestActivitiesGET(t *testing.T) {
	env := newTestEnv(t)
	seedActivities(env, 3)

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet, "/api/activities"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var got ActivitiesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Activities) != 3 {
		t.Fatalf("len(activities) = %d, want 3", len(got.Activities))
	}
	first := got.Activities[0]
	if first.ID != 1000 || first.SportType != "Hike" {
		t.Errorf("first activity = %+v", first)
	}
	if first.StartDate != "2025-03-01T08:00:00Z" {
		t.Errorf("start date = %q, want RFC3339 UTC", first.StartDate)
	}
	if got.Page != 1 || got.PerPage != 50 {
		t.Errorf("page=%d per_page=%d, want defaults 1/50", got.Page, got.PerPage)
	}
}

func TestActivitiesGETPagination(t *testing.T) {
	env := newTestEnv(t)
	seedActivities(env, 5)

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet, "/api/activities?page=2&per_page=2"))
	var got ActivitiesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Activities) != 2 || got.Activities[0].ID != 1002 {
		t.Errorf("page 2 = %+v", got.Activities)
	}
}

func TestActivitiesGETPreserveFilter(t *testing.T) {
	env := newTestEnv(t)
	env.store.joins = []store.ActivityPreserve{
		{
			AthleteID:    42,
			ActivityID:   1000,
			PreserveName: "Rancho San Antonio",
			ActivityName: "Morning Hike",
			SportType:    "Hike",
			StartDate:    time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
		},
		{AthleteID: 42, ActivityID: 1001, PreserveName: "Monte Bello"},
	}

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet,
		"/api/activities?preserve=Rancho+San+Antonio"))
	var got ActivitiesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Activities) != 1 || got.Activities[0].ID != 1000 {
		t.Fatalf("filtered = %+v, want just 1000", got.Activities)
	}
	if got.Activities[0].Preserves[0] != "Rancho San Antonio" {
		t.Errorf("preserves = %v", got.Activities[0].Preserves)
	}
}

func TestActivitiesGETBadParams(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/activities?page=0",
		"/api/activities?page=abc",
		"/api/activities?per_page=0",
	} {
		w := doRequest(env.router, authedRequest(t, env, http.MethodGet, target))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, w.Code)
		}
	}
}

func TestPreserveStatsGET(t *testing.T) {
	env := newTestEnv(t)
	env.store.stats[42] = &store.UserStats{
		AthleteID:       42,
		TotalActivities: 7,
		PreserveCounts:  map[string]int{"Rancho San Antonio": 5},
		PendingBackfill: 2,
	}

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet, "/api/stats/preserves"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var got PreserveStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Preserves) != 1 {
		t.Fatalf("preserves = %+v, want only visited", got.Preserves)
	}
	p := got.Preserves[0]
	if p.Name != "Rancho San Antonio" || p.Visits != 5 || p.URL == "" {
		t.Errorf("preserve = %+v", p)
	}
	if got.TotalPreservesVisited != 1 || got.TotalPreserves != 2 {
		t.Errorf("visited=%d total=%d, want 1/2", got.TotalPreservesVisited, got.TotalPreserves)
	}
	if got.TotalActivities != 7 || got.PendingActivities != 2 {
		t.Errorf("activities=%d pending=%d", got.TotalActivities, got.PendingActivities)
	}
}

func TestPreserveStatsGETShowUnvisited(t *testing.T) {
	env := newTestEnv(t)

	w := doRequest(env.router, authedRequest(t, env, http.MethodGet,
		"/api/stats/preserves?show_unvisited=true"))
	var got PreserveStatsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(got.Preserves) != 2 {
		t.Fatalf("preserves = %+v, want both with zero visits", got.Preserves)
	}
	// Equal visit counts sort by name.
	if got.Preserves[0].Name != "Monte Bello" {
		t.Errorf("order = %v", got.Preserves)
	}
}

func TestAccountDELETE(t *testing.T) {
	env := newTestEnv(t)

	w := doRequest(env.router, authedRequest(t, env, http.MethodDelete, "/api/account"))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.queue.userDeletes) != 1 {
		t.Fatalf("user deletes queued = %d, want 1", len(env.queue.userDeletes))
	}
	p := env.queue.userDeletes[0]
	if p.AthleteID != 42 || p.Source != "user_request" {
		t.Errorf("payload = %+v", p)
	}
}

func TestAccountDELETEQueueFailure(t *testing.T) {
	env := newTestEnv(t)
	env.queue.fail = true

	w := doRequest(env.router, authedRequest(t, env, http.MethodDelete, "/api/account"))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}
