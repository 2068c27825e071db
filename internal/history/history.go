// Package history forwards accepted location reports to Kafka for trip
// history consumers. It never holds reports itself.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"taxifleet/go-fleet-server/internal/model"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "fleet.locations"

// Record is the message value written for each accepted report.
type Record struct {
	VehicleID string       `json:"vehicleId"`
	Lat       float64      `json:"lat"`
	Lng       float64      `json:"lng"`
	Speed     float64      `json:"speed"`
	Status    model.Status `json:"status"`
	Timestamp int64        `json:"timestamp"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes reports keyed by vehicle ID so a vehicle's history
// stays ordered within a partition.
type Producer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewProducer creates an async producer for topic. Write errors surface
// through the writer's completion callback and are logged.
func NewProducer(brokers []string, topic string, logger *slog.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("history: no kafka brokers")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("history batch failed", "topic", topic, "count", len(msgs), "error", err)
			}
		},
	}
	return newProducer(w, topic, logger), nil
}

func newProducer(w messageWriter, topic string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Producer{writer: w, topic: topic, logger: logger}
}

// Topic returns the destination topic.
func (p *Producer) Topic() string { return p.topic }

// Publish enqueues one report.
func (p *Producer) Publish(ctx context.Context, report model.LocationReport) error {
	data, err := json.Marshal(Record{
		VehicleID: report.VehicleID,
		Lat:       report.Lat,
		Lng:       report.Lng,
		Speed:     report.Speed,
		Status:    report.Status,
		Timestamp: report.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(report.VehicleID),
		Value: data,
		Time:  report.Timestamp,
	}); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Producer) Close() error {
	return p.writer.Close()
}
