package tracking

import (
	"sync"
	"time"

	"taxifleet/go-fleet-server/internal/model"
)

// LiveStore holds the most recent report per vehicle. Visibility is never
// decided here; callers apply Filter to a Snapshot.
type LiveStore struct {
	mu      sync.RWMutex
	reports map[string]model.LocationReport
}

// NewLiveStore returns an empty store.
func NewLiveStore() *LiveStore {
	return &LiveStore{reports: make(map[string]model.LocationReport)}
}

// Put replaces the entry for r.VehicleID.
func (s *LiveStore) Put(r model.LocationReport) {
	s.mu.Lock()
	s.reports[r.VehicleID] = r
	s.mu.Unlock()
}

// Get returns the stored report for a vehicle regardless of its age.
func (s *LiveStore) Get(vehicleID string) (model.LocationReport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[vehicleID]
	return r, ok
}

// Snapshot copies every stored report. The slice is owned by the caller.
func (s *LiveStore) Snapshot() []model.LocationReport {
	s.mu.RLock()
	out := make([]model.LocationReport, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	s.mu.RUnlock()
	return out
}

// Len returns the number of stored entries, visible or not.
func (s *LiveStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// Sweep evicts entries older than maxAge and returns how many were removed.
// It only bounds memory; queries do not depend on it having run.
func (s *LiveStore) Sweep(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, r := range s.reports {
		if r.Timestamp.IsZero() || now.Sub(r.Timestamp) > maxAge {
			delete(s.reports, id)
			removed++
		}
	}
	return removed
}
