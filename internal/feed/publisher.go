package feed

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/sightline/sightline/internal/config"
	sberrors "github.com/sightline/sightline/internal/errors"
)

// Publisher emits insert change records onto the feed. The collector uses it
// to notify the pipeline of newly stored raw events.
type Publisher interface {
	PublishInsert(ctx context.Context, key string, image map[string]Value) error
	Close() error
}

// KafkaPublisher implements Publisher on a Kafka topic. Records carrying the
// same key land on the same partition, preserving per-session ordering.
type KafkaPublisher struct {
	writer *kafka.Writer
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher for the configured feed topic.
func NewKafkaPublisher(cfg config.FeedConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		now: time.Now,
	}
}

// PublishInsert emits one insert change record with the given new image.
func (p *KafkaPublisher) PublishInsert(ctx context.Context, key string, image map[string]Value) error {
	rec := ChangeRecord{
		RecordID:           uuid.NewString(),
		EventName:          OpInsert,
		ApproximateArrival: p.now().UnixMilli(),
		NewImage:           image,
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return sberrors.NewFeedError(sberrors.CodePublishFailed, "failed to encode change record", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: payload,
	})
	if err != nil {
		return sberrors.NewFeedError(sberrors.CodePublishFailed, "failed to publish change record", err)
	}

	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
