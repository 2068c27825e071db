package tracking

import (
	"testing"
	"time"

	"taxifleet/go-fleet-server/internal/model"
)

func TestFilter(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	reports := []model.LocationReport{
		{VehicleID: "fresh", Timestamp: now.Add(-10 * time.Second)},
		{VehicleID: "edge", Timestamp: now.Add(-30 * time.Second)},
		{VehicleID: "stale", Timestamp: now.Add(-40 * time.Second)},
		{VehicleID: "no-timestamp"},
	}

	got := Filter(reports, now, 30*time.Second)

	ids := map[string]bool{}
	for _, r := range got {
		ids[r.VehicleID] = true
	}
	if len(got) != 2 || !ids["fresh"] || !ids["edge"] {
		t.Fatalf("got %v", ids)
	}
	if len(reports) != 4 || reports[3].VehicleID != "no-timestamp" {
		t.Fatalf("input modified: %+v", reports)
	}

	again := Filter(got, now, 30*time.Second)
	if len(again) != len(got) {
		t.Fatalf("filter is not idempotent: %d vs %d", len(again), len(got))
	}
}

func TestFilter_Empty(t *testing.T) {
	if got := Filter(nil, time.Now(), DefaultStaleAfter); len(got) != 0 {
		t.Fatalf("got %d", len(got))
	}
}
