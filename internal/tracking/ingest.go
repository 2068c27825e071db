package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/model"
)

// Validation failures returned by Ingest. All of them mean the request was
// malformed and should be answered with 400.
var (
	ErrMissingVehicle     = errors.New("vehicle id required")
	ErrMissingCoordinates = errors.New("lat and lng required for active reports")
	ErrInvalidCoordinates = errors.New("coordinates out of range")
	ErrNegativeSpeed      = errors.New("speed cannot be negative")
	ErrInvalidStatus      = errors.New("status must be active or offline")
)

// ReportInput is the body of a location report as sent by a taxi client.
// Pointer fields distinguish an absent coordinate from a zero one.
type ReportInput struct {
	Lat    *float64 `json:"lat"`
	Lng    *float64 `json:"lng"`
	Speed  *float64 `json:"speed"`
	Status string   `json:"status"`
}

// Sink receives accepted reports after they are stored.
type Sink interface {
	Publish(ctx context.Context, r model.LocationReport) error
}

// Ingestor validates reports, stamps them with server time and writes them
// to the live store.
type Ingestor struct {
	store  *LiveStore
	clock  clock.Clock
	logger *slog.Logger
	sink   atomic.Value // stores sinkHolder
}

type sinkHolder struct{ s Sink }

// NewIngestor constructs an ingestor writing into store.
func NewIngestor(store *LiveStore, clk clock.Clock, logger *slog.Logger) *Ingestor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	in := &Ingestor{store: store, clock: clk, logger: logger}
	in.sink.Store(sinkHolder{})
	return in
}

// SetSink installs a history sink. Passing nil removes it.
func (in *Ingestor) SetSink(s Sink) {
	in.sink.Store(sinkHolder{s: s})
}

// Ingest validates input for vehicleID and replaces the vehicle's entry.
func (in *Ingestor) Ingest(ctx context.Context, vehicleID string, input ReportInput) (model.LocationReport, error) {
	report, err := Normalize(vehicleID, input)
	if err != nil {
		return model.LocationReport{}, err
	}

	report.Timestamp = in.clock.Now()
	in.store.Put(report)

	if h, ok := in.sink.Load().(sinkHolder); ok && h.s != nil {
		if err := h.s.Publish(ctx, report); err != nil {
			in.logger.Warn("history sink publish failed", "vehicle", report.VehicleID, "error", err)
		}
	}

	return report, nil
}

// Normalize checks input and converts it to a report without a timestamp.
func Normalize(vehicleID string, input ReportInput) (model.LocationReport, error) {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return model.LocationReport{}, ErrMissingVehicle
	}

	status := model.Status(strings.ToLower(strings.TrimSpace(input.Status)))
	if status == "" {
		status = model.StatusActive
	}
	if !status.Valid() {
		return model.LocationReport{}, fmt.Errorf("%w: %q", ErrInvalidStatus, input.Status)
	}

	report := model.LocationReport{VehicleID: vehicleID, Status: status}

	if input.Speed != nil {
		if *input.Speed < 0 || math.IsNaN(*input.Speed) {
			return model.LocationReport{}, ErrNegativeSpeed
		}
		report.Speed = *input.Speed
	}

	if status == model.StatusOffline {
		if input.Lat != nil && input.Lng != nil && validCoordinates(*input.Lat, *input.Lng) {
			report.Lat, report.Lng = *input.Lat, *input.Lng
		}
		report.Speed = 0
		return report, nil
	}

	if input.Lat == nil || input.Lng == nil {
		return model.LocationReport{}, ErrMissingCoordinates
	}
	if !validCoordinates(*input.Lat, *input.Lng) {
		return model.LocationReport{}, ErrInvalidCoordinates
	}
	report.Lat, report.Lng = *input.Lat, *input.Lng
	return report, nil
}

// IsValidationError reports whether err came from input validation.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMissingVehicle) ||
		errors.Is(err, ErrMissingCoordinates) ||
		errors.Is(err, ErrInvalidCoordinates) ||
		errors.Is(err, ErrNegativeSpeed) ||
		errors.Is(err, ErrInvalidStatus)
}

func validCoordinates(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
