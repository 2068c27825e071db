package tracking

import (
	"time"

	"taxifleet/go-fleet-server/internal/model"
)

// DefaultStaleAfter is the age past which a report stops being visible.
const DefaultStaleAfter = 30 * time.Second

// Filter returns the reports whose age at now does not exceed threshold.
// Reports without a timestamp are treated as stale. The input is not modified.
func Filter(reports []model.LocationReport, now time.Time, threshold time.Duration) []model.LocationReport {
	out := make([]model.LocationReport, 0, len(reports))
	for _, r := range reports {
		if Fresh(r, now, threshold) {
			out = append(out, r)
		}
	}
	return out
}

// Fresh reports whether a single report is still within threshold at now.
func Fresh(r model.LocationReport, now time.Time, threshold time.Duration) bool {
	if r.Timestamp.IsZero() {
		return false
	}
	return now.Sub(r.Timestamp) <= threshold
}
