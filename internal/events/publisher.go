// Package events publishes ride lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

type Type string

const (
	RideAccepted      Type = "ride_accepted"
	RideClosed        Type = "ride_closed"
	RideCompleted     Type = "ride_completed"
	DriverUnavailable Type = "driver_unavailable"
)

type Event struct {
	Type      Type              `json:"type"`
	RequestID string            `json:"request_id"`
	RiderID   string            `json:"rider_id"`
	DriverID  string            `json:"driver_id,omitempty"`
	Status    models.RideStatus `json:"status"`
	Radius    float64           `json:"radius_km"`
	Notified  int               `json:"notified"`
	At        time.Time         `json:"at"`
}

// FromRequest builds an event from a request snapshot.
func FromRequest(t Type, r *models.RideRequest, at time.Time) Event {
	return Event{
		Type:      t,
		RequestID: r.ID,
		RiderID:   r.RiderID,
		DriverID:  r.AcceptedBy,
		Status:    r.Status,
		Radius:    r.Radius,
		Notified:  len(r.NotifiedDrivers),
		At:        at,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}, RequiredAcks: kafka.RequireOne}
	return NewPublisherWithWriter(w)
}

func NewPublisherWithWriter(w MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: w, timeout: 2 * time.Second}
}

// Publish keys messages by request id so one request's events stay ordered.
func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(e.Type)}},
	})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l LogPublisher) Publish(_ context.Context, e Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("ride event", "type", e.Type, "request_id", e.RequestID, "status", e.Status, "driver_id", e.DriverID)
	return nil
}
