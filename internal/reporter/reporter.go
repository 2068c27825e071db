// Package reporter is the taxi-side half of live tracking: it samples the
// device position, sends throttled reports and emits a single best-effort
// offline signal when the session ends.
package reporter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taxifleet/go-fleet-server/internal/model"
	"taxifleet/go-fleet-server/internal/tracking"
)

// ErrPermissionDenied is returned by a PositionSource when the device no
// longer grants location access.
var ErrPermissionDenied = errors.New("geolocation permission denied")

// Reason names the lifecycle event that ended a reporting session.
type Reason string

const (
	ReasonUnload     Reason = "unload"
	ReasonLogout     Reason = "logout"
	ReasonPermission Reason = "permission"
)

// Position is a single GPS fix.
type Position struct {
	Lat   float64
	Lng   float64
	Speed float64
}

// PositionSource yields the current device position.
type PositionSource interface {
	Position(ctx context.Context) (Position, error)
}

// Transport delivers a report for a vehicle to the server.
type Transport interface {
	Send(ctx context.Context, vehicleID string, report tracking.ReportInput) error
}

// Config tunes a Reporter.
type Config struct {
	VehicleID string
	// SampleEvery is how often the position source is read.
	SampleEvery time.Duration
	// MinSendInterval bounds the send rate regardless of sampling rate.
	MinSendInterval time.Duration
	// SendTimeout bounds each active report.
	SendTimeout time.Duration
	// OfflineTimeout bounds the detached offline delivery.
	OfflineTimeout time.Duration
}

const (
	defaultSampleEvery     = time.Second
	defaultMinSendInterval = 5 * time.Second
	defaultSendTimeout     = 5 * time.Second
	defaultOfflineTimeout  = 2 * time.Second
)

// Reporter runs one vehicle's reporting session.
type Reporter struct {
	cfg       Config
	source    PositionSource
	transport Transport
	limiter   *rate.Limiter
	logger    *slog.Logger

	stopped     atomic.Bool
	offlineOnce sync.Once
	inflight    sync.WaitGroup

	// active tracks the report currently being sent so GoOffline can cancel
	// it and order the offline signal after it.
	mu           sync.Mutex
	activeCancel context.CancelFunc
	activeDone   chan struct{}
}

// New returns a Reporter for cfg.VehicleID.
func New(cfg Config, source PositionSource, transport Transport, logger *slog.Logger) *Reporter {
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = defaultSampleEvery
	}
	if cfg.MinSendInterval <= 0 {
		cfg.MinSendInterval = defaultMinSendInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.OfflineTimeout <= 0 {
		cfg.OfflineTimeout = defaultOfflineTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reporter{
		cfg:       cfg,
		source:    source,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1),
		logger:    logger.With("vehicle", cfg.VehicleID),
	}
}

// Run samples and reports until ctx ends, the session goes offline, or the
// position source loses permission. Losing permission stops reporting but
// sends no offline signal; the server lets the last report go stale.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SampleEvery)
	defer ticker.Stop()

	for {
		if err := r.Step(ctx); err != nil {
			return err
		}
		if r.stopped.Load() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Step samples once and sends the fix if the throttle allows it.
func (r *Reporter) Step(ctx context.Context) error {
	if r.stopped.Load() {
		return nil
	}

	pos, err := r.source.Position(ctx)
	if errors.Is(err, ErrPermissionDenied) {
		r.stopped.Store(true)
		r.logger.Warn("location permission lost, reporting stopped")
		return ErrPermissionDenied
	}
	if err != nil {
		r.logger.Debug("position unavailable", "error", err)
		return nil
	}

	if !r.limiter.Allow() {
		return nil
	}

	lat, lng, speed := pos.Lat, pos.Lng, pos.Speed
	if speed < 0 {
		speed = 0
	}

	sendCtx, cancel, done, ok := r.beginSend(ctx)
	if !ok {
		return nil
	}
	defer r.endSend(cancel, done)

	report := tracking.ReportInput{Lat: &lat, Lng: &lng, Speed: &speed, Status: string(model.StatusActive)}
	if err := r.transport.Send(sendCtx, r.cfg.VehicleID, report); err != nil {
		if r.stopped.Load() && errors.Is(err, context.Canceled) {
			r.logger.Debug("location report cancelled by session end")
			return nil
		}
		r.logger.Warn("location report failed", "error", err)
	}
	return nil
}

// beginSend registers an active send. It fails once the session has stopped,
// so no active report can start after GoOffline.
func (r *Reporter) beginSend(ctx context.Context) (context.Context, context.CancelFunc, chan struct{}, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped.Load() {
		return nil, nil, nil, false
	}
	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.SendTimeout)
	done := make(chan struct{})
	r.activeCancel, r.activeDone = cancel, done
	return sendCtx, cancel, done, true
}

func (r *Reporter) endSend(cancel context.CancelFunc, done chan struct{}) {
	cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeDone == done {
		r.activeCancel, r.activeDone = nil, nil
	}
	close(done)
}

// stop marks the session ended, cancels any active send and returns a
// channel closed once that send has returned, or nil if none was running.
func (r *Reporter) stop() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped.Store(true)
	if r.activeCancel == nil {
		return nil
	}
	r.activeCancel()
	return r.activeDone
}

// GoOffline ends the session because of reason. For unload and logout it
// starts delivery of the offline signal and returns without waiting for it.
// Only the first call in a session sends anything; it reports whether this
// call was that one. An active report still in flight is cancelled and the
// offline signal goes out after it returns, so the server never sees an
// active report after offline. Delivery failures are logged and otherwise
// ignored.
func (r *Reporter) GoOffline(reason Reason) bool {
	pending := r.stop()
	if reason == ReasonPermission {
		return false
	}

	sent := false
	r.offlineOnce.Do(func() {
		sent = true
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OfflineTimeout)
			defer cancel()

			if pending != nil {
				select {
				case <-pending:
				case <-ctx.Done():
					r.logger.Debug("offline signal dropped, active report did not finish", "reason", reason)
					return
				}
			}

			report := tracking.ReportInput{Status: string(model.StatusOffline)}
			if err := r.transport.Send(ctx, r.cfg.VehicleID, report); err != nil {
				r.logger.Debug("offline signal not delivered", "reason", reason, "error", err)
				return
			}
			r.logger.Info("offline signal sent", "reason", reason)
		}()
	})
	return sent
}

// Stopped reports whether the session has ended.
func (r *Reporter) Stopped() bool { return r.stopped.Load() }

// Flush waits up to timeout for a pending offline signal. Processes that can
// linger briefly on exit use it; nothing depends on it completing.
func (r *Reporter) Flush(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
