// Package tasks enqueues work on a Google Cloud Tasks queue over its
// REST API. Each task calls back into this service's /tasks endpoints
// with an OIDC token that the oidc package verifies on arrival.
package tasks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultAPIBase = "https://cloudtasks.googleapis.com/v2"

	// Bound on in-flight enqueue calls when fanning out a backfill batch.
	maxConcurrentEnqueues = 100
)

// ProcessActivityPayload asks the worker to fetch and process one
// activity. Source is "webhook" or "backfill".
type ProcessActivityPayload struct {
	ActivityID uint64 `json:"activity_id"`
	AthleteID  uint64 `json:"athlete_id"`
	Source     string `json:"source"`
}

// ContinueBackfillPayload schedules the next page of a historical
// backfill so Strava API calls spread out over time instead of bursting
// at login.
type ContinueBackfillPayload struct {
	AthleteID      uint64 `json:"athlete_id"`
	NextPage       int    `json:"next_page"`
	AfterTimestamp int64  `json:"after_timestamp"`
}

// DeleteUserPayload asks the worker to erase all of an athlete's data.
// Source is "webhook" or "user_request".
type DeleteUserPayload struct {
	AthleteID uint64 `json:"athlete_id"`
	Source    string `json:"source"`
}

// DeleteActivityPayload asks the worker to remove one activity.
type DeleteActivityPayload struct {
	ActivityID uint64 `json:"activity_id"`
	AthleteID  uint64 `json:"athlete_id"`
	Source     string `json:"source"`
}

// Producer creates tasks on the activity queue.
type Producer struct {
	apiBase             string
	queuePath           string
	serviceURL          string
	serviceAccountEmail string

	httpOnce sync.Once
	httpErr  error
	http     *http.Client

	enqueueSuccessTotal atomic.Uint64
	enqueueFailureTotal atomic.Uint64
}

// Option adjusts a Producer, used by tests to bypass Google credentials.
type Option func(*Producer)

// WithAPIBase points the producer at a fake Cloud Tasks endpoint.
func WithAPIBase(base string) Option {
	return func(p *Producer) { p.apiBase = base }
}

// WithHTTPClient supplies a pre-authorized HTTP client, skipping the
// default Google credential lookup.
func WithHTTPClient(h *http.Client) Option {
	return func(p *Producer) {
		p.http = h
		p.httpOnce.Do(func() {})
	}
}

// NewProducer builds a producer for the given queue. queuePath is the
// full resource name, projects/{p}/locations/{l}/queues/{q}. serviceURL
// is this service's public base URL; it doubles as the OIDC audience on
// every task.
func NewProducer(queuePath, serviceURL, serviceAccountEmail string, opts ...Option) *Producer {
	p := &Producer{
		apiBase:             defaultAPIBase,
		queuePath:           queuePath,
		serviceURL:          strings.TrimRight(serviceURL, "/"),
		serviceAccountEmail: serviceAccountEmail,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// client resolves application default credentials once, on first use,
// so constructing a Producer never blocks on the metadata server.
func (p *Producer) client(ctx context.Context) (*http.Client, error) {
	p.httpOnce.Do(func() {
		started := time.Now()
		ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
		if err != nil {
			p.httpErr = fmt.Errorf("cloud tasks credentials: %w", err)
			return
		}
		p.http = oauth2.NewClient(context.Background(), ts)
		logrus.WithFields(logrus.Fields{
			"queue":           p.queuePath,
			"init_latency_ms": time.Since(started).Milliseconds(),
		}).Info("Cloud Tasks client initialized")
	})
	return p.http, p.httpErr
}

// QueueProcessActivity enqueues one activity for processing.
func (p *Producer) QueueProcessActivity(ctx context.Context, payload ProcessActivityPayload) error {
	return p.enqueue(ctx, "/tasks/process-activity", payload)
}

// QueueContinueBackfill enqueues the next backfill page.
func (p *Producer) QueueContinueBackfill(ctx context.Context, payload ContinueBackfillPayload) error {
	return p.enqueue(ctx, "/tasks/continue-backfill", payload)
}

// QueueDeleteUser enqueues a full user data deletion.
func (p *Producer) QueueDeleteUser(ctx context.Context, payload DeleteUserPayload) error {
	logrus.WithFields(logrus.Fields{
		"athlete_id": payload.AthleteID,
		"source":     payload.Source,
	}).Info("Queuing user deletion task")
	return p.enqueue(ctx, "/tasks/delete-user", payload)
}

// QueueDeleteActivity enqueues removal of one activity.
func (p *Producer) QueueDeleteActivity(ctx context.Context, payload DeleteActivityPayload) error {
	return p.enqueue(ctx, "/tasks/delete-activity", payload)
}

// QueueBackfillBatch fans a list of activity IDs out as individual
// process-activity tasks with bounded concurrency. Individual failures
// are logged and counted but do not abort the batch; the number of
// successfully queued tasks is returned.
func (p *Producer) QueueBackfillBatch(ctx context.Context, athleteID uint64, activityIDs []uint64) int {
	var (
		wg        sync.WaitGroup
		succeeded atomic.Uint64
		failed    atomic.Uint64
	)
	sem := make(chan struct{}, maxConcurrentEnqueues)

	for _, activityID := range activityIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(activityID uint64) {
			defer wg.Done()
			defer func() { <-sem }()

			err := p.QueueProcessActivity(ctx, ProcessActivityPayload{
				ActivityID: activityID,
				AthleteID:  athleteID,
				Source:     "backfill",
			})
			if err != nil {
				logrus.WithError(err).WithField("activity_id", activityID).
					Warn("Failed to queue activity for backfill")
				failed.Add(1)
				return
			}
			succeeded.Add(1)
		}(activityID)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"athlete_id": athleteID,
		"requested":  len(activityIDs),
		"succeeded":  succeeded.Load(),
		"failed":     failed.Load(),
	}).Info("Queued activities for backfill")
	return int(succeeded.Load())
}

// EnqueueTotals reports lifetime success and failure counts.
func (p *Producer) EnqueueTotals() (success, failure uint64) {
	return p.enqueueSuccessTotal.Load(), p.enqueueFailureTotal.Load()
}

type createTaskRequest struct {
	Task taskSpec `json:"task"`
}

type taskSpec struct {
	HTTPRequest httpRequestSpec `json:"httpRequest"`
}

type httpRequestSpec struct {
	URL        string            `json:"url"`
	HTTPMethod string            `json:"httpMethod"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	OIDCToken  oidcTokenSpec     `json:"oidcToken"`
}

type oidcTokenSpec struct {
	ServiceAccountEmail string `json:"serviceAccountEmail"`
	Audience            string `json:"audience"`
}

func (p *Producer) enqueue(ctx context.Context, endpoint string, payload any) error {
	started := time.Now()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}

	reqBody, err := json.Marshal(createTaskRequest{
		Task: taskSpec{
			HTTPRequest: httpRequestSpec{
				URL:        p.serviceURL + endpoint,
				HTTPMethod: "POST",
				Headers:    map[string]string{"Content-Type": "application/json"},
				Body:       base64.StdEncoding.EncodeToString(body),
				OIDCToken: oidcTokenSpec{
					ServiceAccountEmail: p.serviceAccountEmail,
					Audience:            p.serviceURL,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal create task request: %w", err)
	}

	client, err := p.client(ctx)
	if err != nil {
		p.recordFailure(endpoint, started, err, "Cloud Tasks enqueue failed during client initialization")
		return err
	}

	url := fmt.Sprintf("%s/%s/tasks", p.apiBase, p.queuePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		p.recordFailure(endpoint, started, err, "Cloud Tasks enqueue failed")
		return fmt.Errorf("cloud tasks create: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("cloud tasks create: HTTP %d: %s", resp.StatusCode, respBody)
		p.recordFailure(endpoint, started, err, "Cloud Tasks enqueue failed")
		return err
	}

	p.recordSuccess(endpoint, started)
	return nil
}

func (p *Producer) recordSuccess(endpoint string, started time.Time) {
	total := p.enqueueSuccessTotal.Add(1)
	logrus.WithFields(logrus.Fields{
		"endpoint":              endpoint,
		"queue":                 p.queuePath,
		"enqueue_latency_ms":    time.Since(started).Milliseconds(),
		"enqueue_success_total": total,
	}).Debug("Cloud Tasks enqueue succeeded")
}

func (p *Producer) recordFailure(endpoint string, started time.Time, err error, msg string) {
	total := p.enqueueFailureTotal.Add(1)
	logrus.WithError(err).WithFields(logrus.Fields{
		"endpoint":              endpoint,
		"queue":                 p.queuePath,
		"enqueue_latency_ms":    time.Since(started).Milliseconds(),
		"enqueue_failure_total": total,
	}).Warn(msg)
}
