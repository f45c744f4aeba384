// Package activity implements the core processing workflow: fetch an
// activity from Strava, detect preserve visits from its track, annotate
// the description, and record the result.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rolandd/midpen-tracker/store"
	"github.com/rolandd/midpen-tracker/strava"
)

// AnnotationMarker prefixes the description block we add. Its presence
// means the activity was already annotated, so we never add a second
// block no matter how often the webhook redelivers.
const AnnotationMarker = "\U0001F332 Midpen Preserves:"

// StravaAPI is the slice of the Strava service the processor needs.
type StravaAPI interface {
	GetActivity(ctx context.Context, athleteID, activityID uint64) (*strava.Activity, error)
	UpdateActivityDescription(ctx context.Context, athleteID, activityID uint64, description string) error
}

// PreserveDetector answers which preserves an encoded track crosses.
type PreserveDetector interface {
	FindIntersectionsFromPolyline(encoded string) ([]string, error)
}

// Recorder persists a processed activity.
type Recorder interface {
	RecordProcessedActivity(ctx context.Context, activity *store.Activity) error
}

// Processor runs the workflow for one activity at a time.
type Processor struct {
	strava    StravaAPI
	preserves PreserveDetector
	db        Recorder
}

func NewProcessor(stravaAPI StravaAPI, preserves PreserveDetector, db Recorder) *Processor {
	return &Processor{strava: stravaAPI, preserves: preserves, db: db}
}

// Result reports what processing did.
type Result struct {
	ActivityID       uint64
	PreservesVisited []string
	AnnotationAdded  bool

	// Skipped is set for activities without a GPS track. Nothing is
	// recorded for them.
	Skipped bool
}

// Process fetches one activity and records its preserve visits. source
// is "webhook" or "backfill"; only webhook processing annotates the
// description, so the backfill never rewrites years of history.
func (p *Processor) Process(ctx context.Context, athleteID, activityID uint64, source string) (*Result, error) {
	log := logrus.WithFields(logrus.Fields{
		"athlete_id":  athleteID,
		"activity_id": activityID,
		"source":      source,
	})
	log.Info("Processing activity")

	stravaActivity, err := p.strava.GetActivity(ctx, athleteID, activityID)
	if err != nil {
		return nil, err
	}

	encoded := stravaActivity.Polyline()
	if encoded == "" {
		// Manual entries and trainer rides have no track. Retrying will
		// never produce one, so skip instead of failing.
		log.Info("Activity has no GPS track, skipping")
		return &Result{ActivityID: activityID, Skipped: true}, nil
	}

	preservesVisited, err := p.preserves.FindIntersectionsFromPolyline(encoded)
	if err != nil {
		return nil, fmt.Errorf("detect preserves: %w", err)
	}
	log.WithField("preserves", preservesVisited).Info("Detected preserves")

	alreadyAnnotated := stravaActivity.Description != nil &&
		strings.Contains(*stravaActivity.Description, AnnotationMarker)

	annotationAdded := false
	if len(preservesVisited) > 0 && source == "webhook" && !alreadyAnnotated {
		annotation := buildAnnotation(preservesVisited)
		description := appendAnnotation(stravaActivity.Description, annotation)
		if err := p.strava.UpdateActivityDescription(ctx, athleteID, activityID, description); err != nil {
			return nil, err
		}
		annotationAdded = true
	}

	startDate, err := time.Parse(time.RFC3339, stravaActivity.StartDate)
	if err != nil {
		return nil, fmt.Errorf("invalid start_date for activity %d: %w", activityID, err)
	}

	record := &store.Activity{
		StravaActivityID: activityID,
		AthleteID:        athleteID,
		Name:             stravaActivity.Name,
		SportType:        stravaActivity.SportType,
		StartDate:        startDate,
		DistanceMeters:   stravaActivity.Distance,
		PreservesVisited: preservesVisited,
		Source:           source,
		DeviceName:       stravaActivity.DeviceName,
		AnnotationAdded:  annotationAdded,
		ProcessedAt:      time.Now(),
	}
	if err := p.db.RecordProcessedActivity(ctx, record); err != nil {
		return nil, err
	}

	log.WithField("preserves", preservesVisited).Info("Activity processed")
	return &Result{
		ActivityID:       activityID,
		PreservesVisited: preservesVisited,
		AnnotationAdded:  annotationAdded,
	}, nil
}

func buildAnnotation(preserves []string) string {
	var b strings.Builder
	b.WriteString(AnnotationMarker)
	for _, name := range preserves {
		b.WriteString("\n  ")
		b.WriteString(name)
	}
	return b.String()
}

func appendAnnotation(existing *string, annotation string) string {
	if existing == nil || *existing == "" {
		return annotation
	}
	return *existing + "\n\n" + annotation
}
