package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"taxifleet/go-fleet-server/internal/mqttlink"
	"taxifleet/go-fleet-server/internal/reporter"
)

func main() {
	serverURL := pflag.String("server", "http://localhost:8080", "fleet server base URL, used for login and HTTP reports")
	transport := pflag.String("transport", "http", "report transport: http or mqtt")
	brokerAddr := pflag.String("broker", "tcp://localhost:1883", "MQTT broker address when --transport=mqtt")
	topic := pflag.String("topic", mqttlink.DefaultIngestTopic, "MQTT ingest topic pattern")
	vehicleID := pflag.String("vehicle", "V1", "vehicle identifier assigned to the driver")
	username := pflag.String("username", "", "driver username")
	password := pflag.String("password", "", "driver password")
	lat := pflag.Float64("lat", 42.4411, "starting latitude")
	lng := pflag.Float64("lng", 19.2636, "starting longitude")
	sample := pflag.Duration("sample", time.Second, "GPS sampling interval")
	minInterval := pflag.Duration("min-interval", 5*time.Second, "minimum interval between reports")
	permissionLoss := pflag.Duration("permission-loss-after", 0, "simulate losing location permission after this long (0 disables)")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	if *username == "" || *password == "" {
		logger.Error("--username and --password are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpTransport := reporter.NewHTTPTransport(*serverURL, "")
	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	token, err := httpTransport.Login(loginCtx, *username, *password)
	cancel()
	if err != nil {
		logger.Error("login failed", "error", err)
		os.Exit(1)
	}
	logger.Info("logged in", "user", *username, "vehicle", *vehicleID)

	var tr reporter.Transport = httpTransport
	if *transport == "mqtt" {
		clientID := fmt.Sprintf("taxi-%s-%s", *vehicleID, uuid.NewString()[:8])
		opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
		opts = opts.SetOrderMatters(false)

		client := mqtt.NewClient(opts)
		if ct := client.Connect(); ct.Wait() && ct.Error() != nil {
			logger.Error("failed to connect to broker", "broker", *brokerAddr, "error", ct.Error())
			os.Exit(1)
		}
		defer client.Disconnect(250)
		logger.Info("connected to MQTT broker", "broker", *brokerAddr, "client_id", clientID)

		tr = mqttlink.NewDeviceTransport(client, *topic, token)
	}

	source := newWalkSource(*lat, *lng, *permissionLoss)
	r := reporter.New(reporter.Config{
		VehicleID:       *vehicleID,
		SampleEvery:     *sample,
		MinSendInterval: *minInterval,
	}, source, tr, logger)

	err = r.Run(ctx)
	switch {
	case errors.Is(err, reporter.ErrPermissionDenied):
		r.GoOffline(reporter.ReasonPermission)
		logger.Info("stopped after permission loss; server will age the vehicle out")
	case err != nil:
		logger.Error("reporter failed", "error", err)
	default:
		logger.Info("received shutdown signal, going offline")
		r.GoOffline(reporter.ReasonUnload)
		r.Flush(2 * time.Second)
	}
}

// walkSource drifts a taxi around its starting point at city speeds.
type walkSource struct {
	mu       sync.Mutex
	lat, lng float64
	heading  float64
	revokeAt time.Time
}

func newWalkSource(lat, lng float64, revokeAfter time.Duration) *walkSource {
	s := &walkSource{lat: lat, lng: lng, heading: rand.Float64() * 2 * math.Pi}
	if revokeAfter > 0 {
		s.revokeAt = time.Now().Add(revokeAfter)
	}
	return s
}

func (s *walkSource) Position(context.Context) (reporter.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.revokeAt.IsZero() && time.Now().After(s.revokeAt) {
		return reporter.Position{}, reporter.ErrPermissionDenied
	}

	speed := 20 + rand.Float64()*30 // km/h
	s.heading += (rand.Float64() - 0.5) * 0.6
	step := speed / 3600 / 111 // degrees per second, roughly
	s.lat += step * math.Cos(s.heading)
	s.lng += step * math.Sin(s.heading)
	return reporter.Position{Lat: s.lat, Lng: s.lng, Speed: speed}, nil
}
