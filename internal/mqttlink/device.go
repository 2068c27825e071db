package mqttlink

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"taxifleet/go-fleet-server/internal/tracking"
)

// DeviceTransport publishes a taxi's reports to the broker.
type DeviceTransport struct {
	pub   publisher
	topic string
	token string
	qos   byte
}

// NewDeviceTransport wraps a connected client. topic is the ingest pattern,
// e.g. taxis/+/location.
func NewDeviceTransport(client mqtt.Client, topic, token string) *DeviceTransport {
	return newDeviceTransport(client, topic, token)
}

func newDeviceTransport(pub publisher, topic, token string) *DeviceTransport {
	if topic == "" {
		topic = DefaultIngestTopic
	}
	return &DeviceTransport{pub: pub, topic: topic, token: token}
}

// Send publishes report for vehicleID and waits for the client to hand it off.
func (d *DeviceTransport) Send(ctx context.Context, vehicleID string, report tracking.ReportInput) error {
	data, err := json.Marshal(DevicePayload{Token: d.token, ReportInput: report})
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	token := d.pub.Publish(DeviceTopic(d.topic, vehicleID), d.qos, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
