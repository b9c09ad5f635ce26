// Package events forwards lifecycle events to Kafka.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/kiln/internal/config"
	"github.com/dyluth/kiln/pkg/candidates"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one Kafka message per lifecycle event, keyed by
// kind/candidate so events of one candidate land on one partition.
type Publisher struct {
	writer       messageWriter
	topic        string
	maxAttempts  int
	writeTimeout time.Duration
}

// NewPublisher creates a Publisher for cfg.
func NewPublisher(cfg config.EventsConfig) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	return newPublisher(w, cfg.Topic), nil
}

func newPublisher(w messageWriter, topic string) *Publisher {
	return &Publisher{writer: w, topic: topic, maxAttempts: 3, writeTimeout: 5 * time.Second}
}

// Publish writes e, retrying transient failures with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, e *candidates.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(p.maxAttempts-1)), ctx)

	err = backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		defer cancel()
		return p.writer.WriteMessages(attemptCtx, msg)
	}, retry)
	if err != nil {
		return fmt.Errorf("kafka: publish to %s failed: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Message encodes e as a Kafka message.
func Message(e *candidates.Event) (kafka.Message, error) {
	value, err := candidates.EventToJSON(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode event: %w", err)
	}
	key := string(e.Kind) + "/" + e.CandidateID
	if e.CandidateID == "" {
		key = e.Type
	}
	ts, err := candidates.ParseTime(e.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: []byte(value),
		Time:  ts,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
