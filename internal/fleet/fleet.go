// Package fleet answers "which taxis are on the map right now" by joining
// the live location store with reference data.
package fleet

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/model"
	"taxifleet/go-fleet-server/internal/tracking"
)

// Directory resolves reference data for a set of vehicles. period is the
// route-slip period used to derive IsPaid.
type Directory interface {
	VehicleProfiles(ctx context.Context, vehicleIDs []string, period time.Time) (map[string]model.VehicleProfile, error)
}

// Snapshotter is the read side of the live store.
type Snapshotter interface {
	Snapshot() []model.LocationReport
}

// Service computes the live fleet view.
type Service struct {
	reports    Snapshotter
	directory  Directory
	clock      clock.Clock
	staleAfter time.Duration
	logger     *slog.Logger
	timeout    time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the clock used for staleness decisions.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithStaleAfter overrides the staleness threshold.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithDirectoryTimeout bounds each directory lookup.
func WithDirectoryTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewService builds a Service. directory may be nil, in which case vehicles
// are returned without enrichment.
func NewService(reports Snapshotter, directory Directory, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		reports:    reports,
		directory:  directory,
		clock:      clock.Real(),
		staleAfter: tracking.DefaultStaleAfter,
		logger:     logger,
		timeout:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StaleAfter returns the threshold the service applies.
func (s *Service) StaleAfter() time.Duration { return s.staleAfter }

// Live returns every currently visible vehicle, sorted by vehicle ID. It never
// fails: a missing store yields an empty list and a failing directory yields
// un-enriched entries.
func (s *Service) Live(ctx context.Context) []model.FleetVehicle {
	if s.reports == nil {
		return []model.FleetVehicle{}
	}

	now := s.clock.Now()
	visible := tracking.Filter(s.reports.Snapshot(), now, s.staleAfter)

	out := make([]model.FleetVehicle, 0, len(visible))
	ids := make([]string, 0, len(visible))
	for _, r := range visible {
		if r.Status == model.StatusOffline {
			continue
		}
		out = append(out, model.FleetVehicle{
			VehicleID: r.VehicleID,
			Lat:       r.Lat,
			Lng:       r.Lng,
			Speed:     r.Speed,
			Status:    r.Status,
			Timestamp: r.Timestamp.UnixMilli(),
		})
		ids = append(ids, r.VehicleID)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })

	if len(out) == 0 || s.directory == nil {
		return out
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profiles, err := s.directory.VehicleProfiles(lookupCtx, ids, now)
	if err != nil {
		s.logger.Warn("fleet enrichment failed, serving bare positions", "vehicles", len(ids), "error", err)
		return out
	}

	for i := range out {
		p, ok := profiles[out[i].VehicleID]
		if !ok {
			continue
		}
		out[i].Plate = p.Plate
		out[i].Model = p.Model
		out[i].DriverName = p.DriverName
		paid := p.IsPaid
		out[i].IsPaid = &paid
	}
	return out
}
