package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// LocationSink applies a decoded update; the matcher engine implements it.
type LocationSink interface {
	UpdateDriverLocation(ctx context.Context, driverID string, loc models.Coord, speedMps float64) error
}

type LocationConsumer struct {
	reader     MessageReader
	sink       LocationSink
	logger     *slog.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration)
}

func NewKafkaLocationConsumer(brokers []string, topic, group string, sink LocationSink, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return NewLocationConsumer(r, sink, logger)
}

func NewLocationConsumer(r MessageReader, sink LocationSink, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{
		reader:     r,
		sink:       sink,
		logger:     logger.With("component", "ingest"),
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// bad messages are counted and skipped.
func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := c.minBackoff
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("location consumer stopping")
				return nil
			}
			observability.IngestMessages.WithLabelValues("read_error").Inc()
			c.logger.Warn("kafka read error", "err", err, "backoff", backoff)
			c.sleep(ctx, backoff)
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff
		c.handle(ctx, m)
	}
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	var u LocationUpdate
	if err := json.Unmarshal(m.Value, &u); err != nil || u.DriverID == "" {
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location message", "offset", m.Offset, "err", err)
		return
	}
	err := c.sink.UpdateDriverLocation(ctx, u.DriverID, u.Coord(), u.SpeedMps)
	switch {
	case err == nil:
		observability.IngestMessages.WithLabelValues("applied").Inc()
	case errors.Is(err, models.ErrNotRegistered):
		observability.IngestMessages.WithLabelValues("unknown_driver").Inc()
		c.logger.Debug("location for unregistered driver", "driver_id", u.DriverID)
	case errors.Is(err, models.ErrInvalidLocation):
		observability.IngestMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid location", "driver_id", u.DriverID, "lat", u.Lat, "lng", u.Lng)
	default:
		observability.IngestMessages.WithLabelValues("failed").Inc()
		c.logger.Error("apply location failed", "driver_id", u.DriverID, "err", err)
	}
}

func (c *LocationConsumer) Close() error {
	return c.reader.Close()
}
