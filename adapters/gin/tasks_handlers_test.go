package authgin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rolandd/midpen-tracker/activity"
	"github.com/rolandd/midpen-tracker/config"
)

func taskPOST(t *testing.T, env *testEnv, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-cloudtasks-queuename", config.ActivityQueueName)
	req.Header.Set("Authorization", "Bearer task-token")
	return doRequest(env.router, req)
}

func TestProcessActivityTask(t *testing.T) {
	env := newTestEnv(t)
	env.proc.result = &activity.Result{
		ActivityID:       555,
		PreservesVisited: []string{"Rancho San Antonio"},
		AnnotationAdded:  true,
	}

	w := taskPOST(t, env, "/tasks/process-activity", map[string]any{
		"activity_id": 555, "athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.proc.calls) != 1 || env.proc.calls[0] != "webhook" {
		t.Errorf("processor calls = %v", env.proc.calls)
	}
	if len(env.store.pendingDeltas) != 0 {
		t.Error("webhook-sourced task must not touch the backfill counter")
	}
}

func TestProcessActivityTaskBackfillDecrementsPending(t *testing.T) {
	env := newTestEnv(t)

	w := taskPOST(t, env, "/tasks/process-activity", map[string]any{
		"activity_id": 555, "athlete_id": 42, "source": "backfill",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.store.pendingDeltas) != 1 || env.store.pendingDeltas[0] != -1 {
		t.Errorf("pending deltas = %v, want [-1]", env.store.pendingDeltas)
	}
}

func TestProcessActivityTaskFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.proc.err = errBoom

	w := taskPOST(t, env, "/tasks/process-activity", map[string]any{
		"activity_id": 555, "athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 so Cloud Tasks redelivers", w.Code)
	}
}

func TestProcessActivityTaskMalformedDropped(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/process-activity",
		strings.NewReader("{broken"))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-cloudtasks-queuename", config.ActivityQueueName)
	req.Header.Set("Authorization", "Bearer task-token")
	w := doRequest(env.router, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, malformed payloads must not be retried", w.Code)
	}
	if len(env.proc.calls) != 0 {
		t.Error("malformed payload must not reach the processor")
	}
}

func TestContinueBackfillTask(t *testing.T) {
	env := newTestEnv(t)

	w := taskPOST(t, env, "/tasks/continue-backfill", map[string]any{
		"athlete_id": 42, "next_page": 3, "after_timestamp": 1735689600,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.back.pages) != 1 || env.back.pages[0] != 3 {
		t.Errorf("pages = %v, want [3]", env.back.pages)
	}
	if env.back.afters[0] != 1735689600 {
		t.Errorf("after = %d", env.back.afters[0])
	}
}

func TestContinueBackfillTaskFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.back.pageErr = errBoom

	w := taskPOST(t, env, "/tasks/continue-backfill", map[string]any{
		"athlete_id": 42, "next_page": 3, "after_timestamp": 1735689600,
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestDeleteUserTask(t *testing.T) {
	env := newTestEnv(t)
	env.strava.revokedToken = "live-access-token"
	env.store.deleteReturn = 12

	w := taskPOST(t, env, "/tasks/delete-user", map[string]any{
		"athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(env.store.deletedUsers) != 1 || env.store.deletedUsers[0] != 42 {
		t.Errorf("deleted users = %v", env.store.deletedUsers)
	}
	if len(env.strava.deauthorized) != 1 || env.strava.deauthorized[0] != "live-access-token" {
		t.Errorf("deauthorized with = %v", env.strava.deauthorized)
	}

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["activities_deleted"] != float64(12) {
		t.Errorf("activities_deleted = %v", body["activities_deleted"])
	}
}

func TestDeleteUserTaskNoLiveToken(t *testing.T) {
	env := newTestEnv(t)
	env.strava.revokedToken = ""

	w := taskPOST(t, env, "/tasks/delete-user", map[string]any{
		"athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.strava.deauthorized) != 0 {
		t.Error("no token to deauthorize, Strava must not be called")
	}
	if len(env.store.deletedUsers) != 1 {
		t.Error("local data must still be deleted")
	}
}

func TestDeleteUserTaskDeauthFailureStill200(t *testing.T) {
	env := newTestEnv(t)
	env.strava.revokedToken = "live-access-token"
	env.strava.deauthErr = errBoom

	w := taskPOST(t, env, "/tasks/delete-user", map[string]any{
		"athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, outbound deauth is best effort", w.Code)
	}
}

func TestDeleteUserTaskDBFailureRetries(t *testing.T) {
	env := newTestEnv(t)
	env.store.failDeletes = true

	w := taskPOST(t, env, "/tasks/delete-user", map[string]any{
		"athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

func TestDeleteActivityTask(t *testing.T) {
	env := newTestEnv(t)

	w := taskPOST(t, env, "/tasks/delete-activity", map[string]any{
		"activity_id": 555, "athlete_id": 42, "source": "webhook",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(env.store.deletedActivities) != 1 || env.store.deletedActivities[0] != 555 {
		t.Errorf("deleted = %v, want [555]", env.store.deletedActivities)
	}
}

func TestTasksRoutesRequireQueueHeader(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks/process-activity",
		strings.NewReader(`{"activity_id":555,"athlete_id":42,"source":"webhook"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer task-token")
	w := doRequest(env.router, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403 without queue header", w.Code)
	}
	if len(env.proc.calls) != 0 {
		t.Error("unauthenticated task must not be processed")
	}
}
