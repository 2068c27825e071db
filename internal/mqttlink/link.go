// Package mqttlink connects the server to an external MQTT broker. Taxi
// devices publish reports on a per-vehicle topic; the server publishes the
// live fleet view for map clients that prefer MQTT over WebSocket.
package mqttlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"taxifleet/go-fleet-server/internal/auth"
	"taxifleet/go-fleet-server/internal/distribution"
	"taxifleet/go-fleet-server/internal/model"
	"taxifleet/go-fleet-server/internal/tracking"
)

const (
	DefaultIngestTopic  = "taxis/+/location"
	DefaultPublishTopic = "fleet/locations"

	// Source is recorded with ingestion errors raised by this package.
	Source = "mqtt"

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	handleTimeout  = 2 * time.Second
)

var (
	ErrUnauthorized = errors.New("mqtt report: invalid or missing token")
	ErrForbidden    = errors.New("mqtt report: token not valid for vehicle")
	ErrBadTopic     = errors.New("mqtt report: topic does not name a vehicle")
)

// DevicePayload is the message body published by taxi devices. The token is
// the same session token the device would send as a bearer header.
type DevicePayload struct {
	Token string `json:"token"`
	tracking.ReportInput
}

// Ingester accepts validated reports.
type Ingester interface {
	Ingest(ctx context.Context, vehicleID string, input tracking.ReportInput) (model.LocationReport, error)
}

// Verifier turns a session token into claims.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// ErrorRecorder persists rejected payloads for auditing.
type ErrorRecorder interface {
	RecordIngestionError(ctx context.Context, vehicleID, source string, payload []byte, cause error)
}

// Config describes the broker connection.
type Config struct {
	BrokerURL    string
	ClientID     string
	IngestTopic  string
	PublishTopic string
	QoS          byte
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Link is the server's MQTT client.
type Link struct {
	cfg      Config
	ingester Ingester
	verifier Verifier
	recorder ErrorRecorder
	logger   *slog.Logger

	mu     sync.Mutex
	client mqtt.Client
	pub    publisher
	base   context.Context
}

// New returns an unconnected link.
func New(cfg Config, ingester Ingester, verifier Verifier, recorder ErrorRecorder, logger *slog.Logger) *Link {
	if cfg.IngestTopic == "" {
		cfg.IngestTopic = DefaultIngestTopic
	}
	if cfg.PublishTopic == "" {
		cfg.PublishTopic = DefaultPublishTopic
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "fleet-server"
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Link{
		cfg:      cfg,
		ingester: ingester,
		verifier: verifier,
		recorder: recorder,
		logger:   logger,
		base:     context.Background(),
	}
}

// Connect dials the broker and subscribes to the ingest topic. The
// subscription is renewed on every reconnect.
func (l *Link) Connect(ctx context.Context) error {
	if l.cfg.BrokerURL == "" {
		return fmt.Errorf("mqtt: broker url required")
	}

	opts := mqtt.NewClientOptions().
		AddBroker(l.cfg.BrokerURL).
		SetClientID(l.cfg.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		token := c.Subscribe(l.cfg.IngestTopic, l.cfg.QoS, l.onMessage)
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			l.logger.Error("mqtt subscribe failed", "topic", l.cfg.IngestTopic, "error", token.Error())
			return
		}
		l.logger.Info("mqtt subscribed", "topic", l.cfg.IngestTopic)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	l.mu.Lock()
	l.client = client
	l.pub = client
	l.base = ctx
	l.mu.Unlock()

	l.logger.Info("mqtt connected", "broker", l.cfg.BrokerURL, "client_id", l.cfg.ClientID)
	return nil
}

// Run publishes every snapshot from subs until ctx ends, then disconnects.
func (l *Link) Run(ctx context.Context, subs distribution.Subscriber) error {
	defer l.Close()

	for snap := range subs.Subscribe(ctx) {
		if err := l.Publish(snap); err != nil {
			l.logger.Warn("mqtt fleet publish failed", "topic", l.cfg.PublishTopic, "error", err)
		}
	}
	return nil
}

// Publish sends one snapshot to the publish topic.
func (l *Link) Publish(snap distribution.Snapshot) error {
	l.mu.Lock()
	pub := l.pub
	l.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("mqtt: not connected")
	}

	data, err := json.Marshal(distribution.FleetMessage(snap))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	token := pub.Publish(l.cfg.PublishTopic, l.cfg.QoS, true, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("mqtt publish: timed out")
	}
	return token.Error()
}

// Close disconnects from the broker.
func (l *Link) Close() {
	l.mu.Lock()
	client := l.client
	l.client = nil
	l.pub = nil
	l.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
		l.logger.Info("mqtt disconnected")
	}
}

func (l *Link) onMessage(_ mqtt.Client, msg mqtt.Message) {
	l.mu.Lock()
	ctx := l.base
	l.mu.Unlock()
	l.Handle(ctx, msg.Topic(), msg.Payload())
}

// Handle authorizes and ingests one device message.
func (l *Link) Handle(ctx context.Context, topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	vehicleID, ok := VehicleFromTopic(l.cfg.IngestTopic, topic)
	if !ok {
		return l.reject(ctx, "", payload, fmt.Errorf("%w: %q", ErrBadTopic, topic))
	}

	var msg DevicePayload
	if err := json.Unmarshal(payload, &msg); err != nil {
		return l.reject(ctx, vehicleID, payload, fmt.Errorf("decode payload: %w", err))
	}

	claims, err := l.verifier.Verify(msg.Token)
	if err != nil {
		return l.reject(ctx, vehicleID, payload, fmt.Errorf("%w: %v", ErrUnauthorized, err))
	}
	if !auth.CanReportFor(claims, vehicleID) {
		return l.reject(ctx, vehicleID, payload, ErrForbidden)
	}

	report, err := l.ingester.Ingest(ctx, vehicleID, msg.ReportInput)
	if err != nil {
		return l.reject(ctx, vehicleID, payload, err)
	}

	l.logger.Debug("ingested mqtt report", "vehicle", report.VehicleID, "status", report.Status)
	return nil
}

func (l *Link) reject(ctx context.Context, vehicleID string, payload []byte, cause error) error {
	l.logger.Warn("mqtt report rejected", "vehicle", vehicleID, "error", cause)
	if l.recorder != nil {
		// The token is a credential; keep it out of the audit table.
		l.recorder.RecordIngestionError(ctx, vehicleID, Source, redactToken(payload), cause)
	}
	return cause
}

// VehicleFromTopic extracts the segment matched by the single '+' wildcard
// in pattern.
func VehicleFromTopic(pattern, topic string) (string, bool) {
	want := strings.Split(pattern, "/")
	got := strings.Split(topic, "/")
	if len(want) != len(got) {
		return "", false
	}
	vehicleID := ""
	for i := range want {
		switch want[i] {
		case "+":
			if got[i] == "" {
				return "", false
			}
			vehicleID = got[i]
		default:
			if want[i] != got[i] {
				return "", false
			}
		}
	}
	return vehicleID, vehicleID != ""
}

// DeviceTopic renders pattern for vehicleID.
func DeviceTopic(pattern, vehicleID string) string {
	return strings.Replace(pattern, "+", vehicleID, 1)
}

func redactToken(payload []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return payload
	}
	if _, ok := fields["token"]; !ok {
		return payload
	}
	fields["token"] = json.RawMessage(`"[redacted]"`)
	out, err := json.Marshal(fields)
	if err != nil {
		return payload
	}
	return out
}
