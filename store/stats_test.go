package store

import (
	"testing"
)

func activityWith(preserves ...string) *Activity {
	return &Activity{
		StravaActivityID: 100,
		AthleteID:        1,
		Name:             "Morning Ride",
		SportType:        "Ride",
		PreservesVisited: preserves,
	}
}

func TestApplyActivityToStats(t *testing.T) {
	stats := emptyStats(1)

	applyActivityToStats(stats, nil, activityWith("Rancho San Antonio", "Monte Bello"))
	if stats.TotalActivities != 1 {
		t.Errorf("TotalActivities = %d", stats.TotalActivities)
	}
	if stats.PreserveCounts["Rancho San Antonio"] != 1 || stats.PreserveCounts["Monte Bello"] != 1 {
		t.Errorf("PreserveCounts = %v", stats.PreserveCounts)
	}

	applyActivityToStats(stats, nil, activityWith("Rancho San Antonio"))
	if stats.TotalActivities != 2 {
		t.Errorf("TotalActivities = %d", stats.TotalActivities)
	}
	if stats.PreserveCounts["Rancho San Antonio"] != 2 {
		t.Errorf("PreserveCounts = %v", stats.PreserveCounts)
	}
}

func TestReprocessDoesNotDoubleCount(t *testing.T) {
	stats := emptyStats(1)

	first := activityWith("Rancho San Antonio", "Monte Bello")
	applyActivityToStats(stats, nil, first)

	// Reprocessed with a different intersection result.
	second := activityWith("Monte Bello")
	applyActivityToStats(stats, first, second)

	if stats.TotalActivities != 1 {
		t.Errorf("TotalActivities = %d, want 1", stats.TotalActivities)
	}
	if _, ok := stats.PreserveCounts["Rancho San Antonio"]; ok {
		t.Errorf("stale preserve count survived reprocessing: %v", stats.PreserveCounts)
	}
	if stats.PreserveCounts["Monte Bello"] != 1 {
		t.Errorf("PreserveCounts = %v", stats.PreserveCounts)
	}
}

func TestRemoveActivityFromStats(t *testing.T) {
	stats := emptyStats(1)
	a := activityWith("Rancho San Antonio")
	applyActivityToStats(stats, nil, a)
	applyActivityToStats(stats, nil, activityWith("Rancho San Antonio"))

	removeActivityFromStats(stats, a)
	if stats.TotalActivities != 1 {
		t.Errorf("TotalActivities = %d", stats.TotalActivities)
	}
	if stats.PreserveCounts["Rancho San Antonio"] != 1 {
		t.Errorf("PreserveCounts = %v", stats.PreserveCounts)
	}

	removeActivityFromStats(stats, a)
	if stats.TotalActivities != 0 {
		t.Errorf("TotalActivities = %d", stats.TotalActivities)
	}
	if len(stats.PreserveCounts) != 0 {
		t.Errorf("PreserveCounts = %v, want empty", stats.PreserveCounts)
	}

	// Removing below zero must clamp, not underflow.
	removeActivityFromStats(stats, a)
	if stats.TotalActivities != 0 {
		t.Errorf("TotalActivities = %d after underflow", stats.TotalActivities)
	}
}

func TestPreserveJoins(t *testing.T) {
	a := activityWith("Rancho San Antonio", "Monte Bello")
	joins := preserveJoins(a)
	if len(joins) != 2 {
		t.Fatalf("joins = %d", len(joins))
	}
	for _, j := range joins {
		if j.ActivityID != a.StravaActivityID || j.AthleteID != a.AthleteID {
			t.Errorf("join ids = %+v", j)
		}
	}
}
