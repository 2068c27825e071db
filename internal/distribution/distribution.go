// Package distribution delivers the live fleet view to map clients, either
// on request (polling) or on a server-side tick (push). Both paths compute
// the view with the same query so they converge on the same visible set.
package distribution

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/model"
)

// DefaultInterval is the polling interval advertised to clients and the push tick.
const DefaultInterval = 5 * time.Second

// Snapshot is one computation of the live fleet view.
type Snapshot struct {
	GeneratedAt time.Time            `json:"generatedAt"`
	Vehicles    []model.FleetVehicle `json:"vehicles"`
}

// Querier computes the visible fleet.
type Querier interface {
	Live(ctx context.Context) []model.FleetVehicle
}

// Source returns a freshly computed snapshot on demand.
type Source interface {
	Poll(ctx context.Context) Snapshot
}

// Subscriber streams snapshots until ctx ends, then closes the channel.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan Snapshot
}

// Poller is the pull implementation of Source.
type Poller struct {
	query Querier
	clock clock.Clock
}

// NewPoller returns a Poller over query.
func NewPoller(query Querier, clk clock.Clock) *Poller {
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{query: query, clock: clk}
}

// Poll recomputes the fleet view.
func (p *Poller) Poll(ctx context.Context) Snapshot {
	vehicles := p.query.Live(ctx)
	if vehicles == nil {
		vehicles = []model.FleetVehicle{}
	}
	return Snapshot{GeneratedAt: p.clock.Now(), Vehicles: vehicles}
}

type subscription struct {
	ch chan Snapshot
}

// Broadcaster recomputes the fleet view every interval and pushes it to all
// subscribers. A subscriber that falls behind only ever holds the newest
// snapshot.
type Broadcaster struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewBroadcaster returns a Broadcaster over source.
func NewBroadcaster(source Source, interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Broadcaster{
		source:   source,
		interval: interval,
		logger:   logger,
		subs:     make(map[*subscription]struct{}),
	}
}

// Interval returns the push cadence.
func (b *Broadcaster) Interval() time.Duration { return b.interval }

// Poll computes a snapshot without broadcasting it.
func (b *Broadcaster) Poll(ctx context.Context) Snapshot {
	return b.source.Poll(ctx)
}

// Run ticks until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info("fleet broadcaster started", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("fleet broadcaster stopped")
			return nil
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick computes one snapshot and delivers it to every subscriber.
func (b *Broadcaster) Tick(ctx context.Context) {
	if b.Subscribers() == 0 {
		return
	}
	snap := b.source.Poll(ctx)
	b.publish(snap)
	b.logger.Debug("fleet snapshot pushed", "vehicles", len(snap.Vehicles))
}

// Subscribe registers a subscriber. The first snapshot is computed
// immediately so new viewers do not wait a full tick.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Snapshot {
	sub := &subscription{ch: make(chan Snapshot, 1)}
	sub.ch <- b.source.Poll(ctx)

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, sub)
		close(sub.ch)
		b.mu.Unlock()
	}()

	return sub.ch
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		select {
		case sub.ch <- snap:
			continue
		default:
		}
		// Drop the unread snapshot; it is older than this one.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- snap:
		default:
		}
	}
}
