// Package publish ships finalized stage records to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dbsmedya/goscrape/internal/logger"
	"github.com/dbsmedya/goscrape/internal/types"
)

// DefaultBatchSize is the number of messages sent per WriteMessages call.
const DefaultBatchSize = 100

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes records as JSON messages keyed by record key.
type Producer struct {
	writer    MessageWriter
	batchSize int
	logger    *logger.Logger
	now       func() time.Time
}

// NewProducer creates a Kafka producer for the given broker and topic.
func NewProducer(broker, topic string, log *logger.Logger) (*Producer, error) {
	if broker == "" {
		return nil, fmt.Errorf("kafka broker is empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(broker),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}, log), nil
}

// NewProducerWithWriter builds a producer using a custom writer.
func NewProducerWithWriter(writer MessageWriter, log *logger.Logger) *Producer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Producer{
		writer:    writer,
		batchSize: DefaultBatchSize,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish sends records in batches and returns how many were written. A
// failed batch stops the publish; earlier batches stay delivered.
func (p *Producer) Publish(ctx context.Context, stage string, records []types.Record) (int, error) {
	sent := 0
	for start := 0; start < len(records); start += p.batchSize {
		end := min(start+p.batchSize, len(records))

		msgs := make([]kafka.Message, 0, end-start)
		for _, rec := range records[start:end] {
			payload, err := json.Marshal(rec)
			if err != nil {
				return sent, fmt.Errorf("failed to encode record %s: %w", rec.Key, err)
			}
			msgs = append(msgs, kafka.Message{
				Key:     []byte(rec.Key),
				Value:   payload,
				Time:    p.now(),
				Headers: []kafka.Header{{Key: "stage", Value: []byte(stage)}},
			})
		}

		if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
			return sent, fmt.Errorf("failed to publish records of %s: %w", stage, err)
		}
		sent += len(msgs)
	}

	p.logger.Infow("Records published", "stage", stage, "count", sent)
	return sent, nil
}
