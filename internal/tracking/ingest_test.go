package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/model"
)

func f64(v float64) *float64 { return &v }

type recordingSink struct {
	mu      sync.Mutex
	reports []model.LocationReport
	err     error
}

func (s *recordingSink) Publish(ctx context.Context, r model.LocationReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return s.err
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		vehicle string
		input   ReportInput
		wantErr error
		want    model.LocationReport
	}{
		{
			name:    "active with coordinates",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(-27.36), Lng: f64(-70.33), Speed: f64(40), Status: "active"},
			want:    model.LocationReport{VehicleID: "V1", Lat: -27.36, Lng: -70.33, Speed: 40, Status: model.StatusActive},
		},
		{
			name:    "empty status defaults to active",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(1), Lng: f64(2)},
			want:    model.LocationReport{VehicleID: "V1", Lat: 1, Lng: 2, Status: model.StatusActive},
		},
		{
			name:    "missing speed defaults to zero",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(1), Lng: f64(2), Status: "ACTIVE"},
			want:    model.LocationReport{VehicleID: "V1", Lat: 1, Lng: 2, Status: model.StatusActive},
		},
		{
			name:    "zero coordinates are present coordinates",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(0), Lng: f64(0), Status: "active"},
			want:    model.LocationReport{VehicleID: "V1", Status: model.StatusActive},
		},
		{
			name:    "active missing lat",
			vehicle: "V1",
			input:   ReportInput{Lng: f64(2), Status: "active"},
			wantErr: ErrMissingCoordinates,
		},
		{
			name:    "active missing both",
			vehicle: "V1",
			input:   ReportInput{Status: "active"},
			wantErr: ErrMissingCoordinates,
		},
		{
			name:    "offline without coordinates",
			vehicle: "V1",
			input:   ReportInput{Status: "offline"},
			want:    model.LocationReport{VehicleID: "V1", Status: model.StatusOffline},
		},
		{
			name:    "offline drops speed",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(5), Lng: f64(6), Speed: f64(30), Status: "offline"},
			want:    model.LocationReport{VehicleID: "V1", Lat: 5, Lng: 6, Status: model.StatusOffline},
		},
		{
			name:    "lat out of range",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(91), Lng: f64(2)},
			wantErr: ErrInvalidCoordinates,
		},
		{
			name:    "lng out of range",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(1), Lng: f64(-181)},
			wantErr: ErrInvalidCoordinates,
		},
		{
			name:    "negative speed",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(1), Lng: f64(2), Speed: f64(-1)},
			wantErr: ErrNegativeSpeed,
		},
		{
			name:    "unknown status",
			vehicle: "V1",
			input:   ReportInput{Lat: f64(1), Lng: f64(2), Status: "parked"},
			wantErr: ErrInvalidStatus,
		},
		{
			name:    "blank vehicle",
			vehicle: "  ",
			input:   ReportInput{Lat: f64(1), Lng: f64(2)},
			wantErr: ErrMissingVehicle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.vehicle, tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err=%v, want %v", err, tt.wantErr)
				}
				if !IsValidationError(err) {
					t.Fatalf("IsValidationError(%v)=false", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestIngest_StampsServerTime(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)
	store := NewLiveStore()
	in := NewIngestor(store, clk, nil)

	report, err := in.Ingest(context.Background(), "V1", ReportInput{Lat: f64(1), Lng: f64(2)})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !report.Timestamp.Equal(now) {
		t.Fatalf("timestamp=%v, want %v", report.Timestamp, now)
	}

	stored, ok := store.Get("V1")
	if !ok || !stored.Timestamp.Equal(now) {
		t.Fatalf("stored=%+v ok=%v", stored, ok)
	}
}

func TestIngest_RejectedReportLeavesStoreUntouched(t *testing.T) {
	t.Parallel()

	store := NewLiveStore()
	in := NewIngestor(store, clock.NewFake(time.Unix(0, 0)), nil)

	if _, err := in.Ingest(context.Background(), "V1", ReportInput{Status: "active"}); err == nil {
		t.Fatal("expected error")
	}
	if store.Len() != 0 {
		t.Fatalf("len=%d", store.Len())
	}
}

func TestIngest_LastWriteWins(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(1000, 0))
	store := NewLiveStore()
	in := NewIngestor(store, clk, nil)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, "V1", ReportInput{Lat: f64(1), Lng: f64(1)}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Second)
	if _, err := in.Ingest(ctx, "V1", ReportInput{Status: "offline"}); err != nil {
		t.Fatal(err)
	}

	if store.Len() != 1 {
		t.Fatalf("len=%d", store.Len())
	}
	got, _ := store.Get("V1")
	if got.Status != model.StatusOffline {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestIngest_DuplicateReportIsIdempotent(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(1000, 0))
	store := NewLiveStore()
	in := NewIngestor(store, clk, nil)
	input := ReportInput{Lat: f64(-27.36), Lng: f64(-70.33), Speed: f64(40)}

	first, _ := in.Ingest(context.Background(), "V1", input)
	second, _ := in.Ingest(context.Background(), "V1", input)

	if store.Len() != 1 {
		t.Fatalf("len=%d", store.Len())
	}
	if first != second {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestIngest_ConcurrentVehiclesAreIsolated(t *testing.T) {
	t.Parallel()

	store := NewLiveStore()
	in := NewIngestor(store, clock.NewFake(time.Unix(1000, 0)), nil)

	const vehicles = 50
	var wg sync.WaitGroup
	for i := 0; i < vehicles; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "V" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			for j := 0; j < 20; j++ {
				lat := float64(i)
				if _, err := in.Ingest(context.Background(), id, ReportInput{Lat: &lat, Lng: &lat}); err != nil {
					t.Errorf("Ingest: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if store.Len() != vehicles {
		t.Fatalf("len=%d, want %d", store.Len(), vehicles)
	}
	for _, r := range store.Snapshot() {
		if r.Lat != r.Lng {
			t.Fatalf("cross-contaminated report %+v", r)
		}
	}
}

func TestIngest_SinkFailureDoesNotFailIngest(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("kafka down")}
	store := NewLiveStore()
	in := NewIngestor(store, clock.NewFake(time.Unix(1000, 0)), nil)
	in.SetSink(sink)

	if _, err := in.Ingest(context.Background(), "V1", ReportInput{Lat: f64(1), Lng: f64(2)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("sink saw %d reports", len(sink.reports))
	}
	if store.Len() != 1 {
		t.Fatalf("len=%d", store.Len())
	}

	in.SetSink(nil)
	if _, err := in.Ingest(context.Background(), "V1", ReportInput{Lat: f64(1), Lng: f64(2)}); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(sink.reports) != 1 {
		t.Fatalf("removed sink still called")
	}
}
