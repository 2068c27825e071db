package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/clock"
	"taxifleet/go-fleet-server/internal/config"
	"taxifleet/go-fleet-server/internal/distribution"
	"taxifleet/go-fleet-server/internal/fixtures"
	"taxifleet/go-fleet-server/internal/fleet"
	"taxifleet/go-fleet-server/internal/history"
	"taxifleet/go-fleet-server/internal/model"
	"taxifleet/go-fleet-server/internal/mqttlink"
	"taxifleet/go-fleet-server/internal/pgdirectory"
	"taxifleet/go-fleet-server/internal/store"
	"taxifleet/go-fleet-server/internal/tracking"
)

// App wires together the fleet services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store       *store.Store
	directory   fleet.Directory
	pgDirectory *pgdirectory.Directory
	live        *tracking.LiveStore
	ingestor    *tracking.Ingestor
	fleet       *fleet.Service
	broadcaster *distribution.Broadcaster
	issuer      *auth.Issuer
	history     *history.Producer
	mqtt        *mqttlink.Link
	mdns        *zeroconf.Server

	ready atomic.Bool
}

// Option customises an App.
type Option func(*App)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &App{cfg: cfg, logger: logger, clock: clock.Real()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.init(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	if len(a.cfg.Kafka.Brokers) > 0 {
		producer, err := history.NewProducer(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, a.logger)
		if err != nil {
			return err
		}
		a.history = producer
		a.ingestor.SetSink(producer)
		a.logger.Info("history feed enabled", "topic", producer.Topic(), "brokers", a.cfg.Kafka.Brokers)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	})

	g.Go(func() error {
		return a.broadcaster.Run(gctx)
	})

	if a.cfg.SweepEnabled() {
		g.Go(func() error {
			a.runSweeper(gctx)
			return nil
		})
	}

	if a.cfg.MQTT.BrokerURL != "" {
		a.mqtt = mqttlink.New(mqttlink.Config{
			BrokerURL:    a.cfg.MQTT.BrokerURL,
			ClientID:     a.cfg.MQTT.ClientID,
			IngestTopic:  a.cfg.MQTT.IngestTopic,
			PublishTopic: a.cfg.MQTT.PublishTopic,
		}, a.ingestor, a.issuer, a, a.logger)

		g.Go(func() error {
			if err := a.mqtt.Connect(gctx); err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			return a.mqtt.Run(gctx, a.broadcaster)
		})
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	a.ready.Store(true)
	defer a.ready.Store(false)

	return g.Wait()
}

// init opens storage and builds the in-process services. Network clients
// that dial out are started by Run.
func (a *App) init(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	if a.cfg.FixturesPath != "" {
		f, err := fixtures.Load(a.cfg.FixturesPath)
		if err != nil {
			return err
		}
		sum, err := fixtures.Apply(ctx, a.store, f)
		if err != nil {
			return err
		}
		a.logger.Info("fixtures applied", "path", a.cfg.FixturesPath, "vehicles", sum.Vehicles, "drivers", sum.Drivers, "users", sum.Users)
	}

	a.directory = a.store
	if a.cfg.DirectoryURL != "" {
		pg, err := pgdirectory.Open(ctx, a.cfg.DirectoryURL)
		if err != nil {
			return err
		}
		a.pgDirectory = pg
		a.directory = pg
		if a.cfg.DirectoryMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				return err
			}
			a.logger.Info("postgres directory schema applied")
		}
		a.logger.Info("vehicle directory on postgres")
	}

	issuer, err := auth.NewIssuer(a.cfg.JWTSecret, a.cfg.TokenTTL, a.clock)
	if err != nil {
		return err
	}
	a.issuer = issuer

	a.live = tracking.NewLiveStore()
	a.ingestor = tracking.NewIngestor(a.live, a.clock, a.logger)
	a.fleet = fleet.NewService(a.live, a.directory, a.logger,
		fleet.WithClock(a.clock),
		fleet.WithStaleAfter(a.cfg.StaleAfter),
		fleet.WithDirectoryTimeout(a.cfg.DirectoryTimeout),
	)
	a.broadcaster = distribution.NewBroadcaster(
		distribution.NewPoller(a.fleet, a.clock),
		a.cfg.PushInterval,
		a.logger,
	)
	return nil
}

func (a *App) close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.logger.Error("close history producer", "error", err)
		}
	}
	if a.pgDirectory != nil {
		a.pgDirectory.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

// runSweeper evicts entries long past the staleness threshold. Visibility
// never depends on it; it only bounds memory for vehicles that stopped reporting.
func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	maxAge := 2 * a.fleet.StaleAfter()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.live.Sweep(a.clock.Now(), maxAge); n > 0 {
				a.logger.Debug("swept stale vehicles", "count", n, "remaining", a.live.Len())
			}
		}
	}
}

// RecordIngestionError stores a rejected payload for the audit endpoint.
func (a *App) RecordIngestionError(ctx context.Context, vehicleID, source string, payload []byte, cause error) {
	if a.store == nil || cause == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		VehicleID: vehicleID,
		Source:    source,
		Payload:   truncateString(string(payload), 4096),
		Error:     cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
