// Package kafka streams ledger entries to a Kafka topic for downstream
// consumers (risk, accounting) using segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

// Compile-time interface check.
var _ domain.OutcomePublisher = (*Publisher)(nil)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds the writer parameters.
type Config struct {
	Brokers []string
	Topic   string
	// Sync waits for broker acks on every publish instead of batching in
	// the background.
	Sync bool
}

// Publisher implements domain.OutcomePublisher. Entries are keyed by pair
// so each pair's outcomes stay ordered within one partition.
type Publisher struct {
	w      messageWriter
	topic  string
	logger *slog.Logger
}

// NewPublisher creates a publisher writing to cfg.Topic.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	logger = logger.With(slog.String("component", "kafka"))
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        !cfg.Sync,
	}
	if w.Async {
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("outcome publish failed",
					slog.Int("messages", len(msgs)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return newPublisher(w, cfg.Topic, logger)
}

func newPublisher(w messageWriter, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{w: w, topic: topic, logger: logger}
}

// PublishEntry writes one ledger entry as JSON.
func (p *Publisher) PublishEntry(ctx context.Context, e domain.LedgerEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: marshal entry %s: %w", e.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Pair),
		Value: payload,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "entry_id", Value: []byte(e.ID)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: publish entry %s to %s: %w", e.ID, p.topic, err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		return fmt.Errorf("kafka: close writer: %w", err)
	}
	return nil
}

// EnsureTopic creates topic through the cluster controller if it does not
// exist yet.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial broker %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: get controller: %w", err)
	}
	ctrlConn, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrlConn.Close()

	if partitions <= 0 {
		partitions = 3
	}
	err = ctrlConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}
