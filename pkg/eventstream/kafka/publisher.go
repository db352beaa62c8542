// Package kafka publishes memory events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/pkg/eventstream"
)

// Config holds configuration for the kafka publisher.
type Config struct {
	// Brokers is the bootstrap broker list.
	Brokers []string

	// Topic receives every event type.
	Topic string
}

// Publisher writes events to Kafka, keyed by agent id so per-agent ordering
// is preserved within a partition.
type Publisher struct {
	writer *kafkago.Writer
	logger *zap.Logger
}

// NewPublisher creates a kafka publisher.
func NewPublisher(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("no topic configured")
	}

	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafkago.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
	return &Publisher{writer: writer, logger: logger}, nil
}

// PublishFragment writes a fragment-persisted event.
func (p *Publisher) PublishFragment(ctx context.Context, event *eventstream.FragmentPersistedEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return p.publish(ctx, event.AgentID, event)
}

// PublishReport writes a consolidation-report event.
func (p *Publisher) PublishReport(ctx context.Context, event *eventstream.ConsolidationReportEvent) error {
	if event == nil {
		return eventstream.ErrNilEvent
	}
	return p.publish(ctx, event.EventID, event)
}

func (p *Publisher) publish(ctx context.Context, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: value,
	}); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
