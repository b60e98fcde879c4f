package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/segmentio/kafka-go"

	"github.com/example/cleaner-tracking/internal/models"
)

// KafkaProducer publishes accepted cleaner locations keyed by job so every
// sample of one job lands on the same partition in order.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		Async:        true,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, s models.LocationSample) error {
	b, err := json.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode location")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return errors.Wrapf(k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(s.JobID), Value: b}), "publish location of %s", s.JobID)
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a message written by PublishLocation.
func DecodeLocation(value []byte) (models.LocationSample, error) {
	var s models.LocationSample
	if err := json.Unmarshal(value, &s); err != nil {
		return s, errors.Wrap(err, "decode location")
	}
	if s.JobID == "" {
		return s, errors.New("location without job id")
	}
	return s, nil
}
