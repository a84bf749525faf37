package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-tracking/internal/models"
)

const (
	DefaultPositionTopic = "driver-locations"
	DefaultRideTopic     = "ride-events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer streams driver positions and ride lifecycle events. Records
// are keyed by driver or ride id so each key keeps its order in a partition.
type KafkaProducer struct {
	positions messageWriter
	rides     messageWriter
	timeout   time.Duration
}

func NewKafkaProducer(brokers []string, positionTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		// positions are high volume and best-effort
		positions: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: positionTopic, Balancer: &kafka.Hash{}, Async: true}),
		rides:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}}),
		timeout:   2 * time.Second,
	}
}

// Upsert publishes a position record. It lets the producer act as a presence
// sink.
func (k *KafkaProducer) Upsert(ctx context.Context, p models.DriverPosition) error {
	return k.PublishPosition(ctx, p)
}

func (k *KafkaProducer) PublishPosition(ctx context.Context, p models.DriverPosition) error {
	return k.write(ctx, k.positions, p.DriverID, p)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.write(ctx, k.rides, ev.RideID, ev)
}

func (k *KafkaProducer) write(ctx context.Context, w messageWriter, key string, v any) error {
	if w == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var firstErr error
	for _, w := range []messageWriter{k.positions, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
