package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"

	"orderbridge/internal/model"
)

// Kafka backs the processing queue with one topic. Items are keyed by order
// key so duplicate pushes for one order land on one partition; a consumer
// group gives the competing-consumers delivery.
type Kafka struct {
	writer kafkaMessageWriter

	// mu serializes reader access so several consume loops can share one
	// reader. Commits may then land out of order; that only causes
	// redelivery, which the pipeline's status guard absorbs.
	mu     sync.Mutex
	reader kafkaMessageReader
}

// kafkaMessageWriter and kafkaMessageReader abstract the kafka-go client for
// testability.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaMessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafka(brokers []string, topic, group string) *Kafka {
	return &Kafka{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
		},
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: group,
		}),
	}
}

// NewKafkaWith is only for tests to inject fakes.
func NewKafkaWith(w kafkaMessageWriter, r kafkaMessageReader) *Kafka {
	return &Kafka{writer: w, reader: r}
}

func (k *Kafka) Push(ctx context.Context, item model.QueueItem) error {
	b, err := json.Marshal(&item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(item.Key.String()),
		Value: b,
	})
}

func (k *Kafka) Consume(ctx context.Context, fn func(context.Context, model.QueueItem) error) error {
	for {
		k.mu.Lock()
		msg, err := k.reader.FetchMessage(ctx)
		k.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		var item model.QueueItem
		if err := json.Unmarshal(msg.Value, &item); err == nil {
			// fn handles the item fully before the offset advances: a crash
			// before it returns redelivers the message instead of losing it.
			_ = fn(ctx, item)
		}
		k.mu.Lock()
		err = k.reader.CommitMessages(ctx, msg)
		k.mu.Unlock()
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
	}
}

func (k *Kafka) Close() error {
	werr := k.writer.Close()
	rerr := k.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
