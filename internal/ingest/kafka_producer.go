// Package ingest moves driver location updates through Kafka: drivers or
// edge gateways produce them, the dispatch process consumes and applies them.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// LocationUpdate is the wire form of one driver position report.
type LocationUpdate struct {
	DriverID string    `json:"driver_id"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	SpeedMps float64   `json:"speed_mps,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

func (u LocationUpdate) Coord() models.Coord {
	return models.Coord{Lat: u.Lat, Lng: u.Lng}
}

type KafkaProducer struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: topic, Balancer: &kafka.Hash{}}
	return &KafkaProducer{writer: w, timeout: 2 * time.Second}
}

// PublishLocation keys by driver id so one driver's updates stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
