// Package publisher ships audit events to Kafka. The topic is created on
// startup if the broker allows it, so fresh environments work without a
// provisioning step.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	audit "carbonbridge/pkg/platform/audit"
)

// DefaultTopic is where bridge transition events land.
const DefaultTopic = "carbonbridge.status-events"

// KafkaPublisher emits audit events as JSON records keyed by credit id,
// so all events for one credit stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// Option configures the publisher.
type Option func(*KafkaPublisher)

func WithTopic(topic string) Option {
	return func(p *KafkaPublisher) { p.topic = topic }
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *KafkaPublisher) { p.logger = logger }
}

// NewKafka connects to the brokers and ensures the topic exists.
func NewKafka(ctx context.Context, brokers []string, opts ...Option) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(5*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}

	p := &KafkaPublisher{
		client: client,
		topic:  DefaultTopic,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	adm := kadm.NewClient(client)
	if _, err := adm.CreateTopic(ctx, 1, 1, nil, p.topic); err != nil {
		// Already-exists is the normal case after first boot.
		p.logger.Debug("create topic", "topic", p.topic, "err", err)
	}
	return p, nil
}

type eventRecord struct {
	ID            string            `json:"id"`
	Action        string            `json:"action"`
	CreditID      string            `json:"credit_id"`
	Registry      string            `json:"registry"`
	PreviousState string            `json:"previous_state"`
	NewState      string            `json:"new_state"`
	EventType     string            `json:"event_type"`
	ClientIP      string            `json:"client_ip,omitempty"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Details       map[string]string `json:"details,omitempty"`
}

// Emit produces one event synchronously.
func (p *KafkaPublisher) Emit(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(eventRecord{
		ID:            event.ID,
		Action:        event.Action,
		CreditID:      event.CreditID,
		Registry:      event.Registry,
		PreviousState: event.PreviousState,
		NewState:      event.NewState,
		EventType:     event.EventType,
		ClientIP:      event.ClientIP,
		UserAgent:     event.UserAgent,
		Timestamp:     event.Timestamp,
		Details:       event.Details,
	})
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.CreditID),
		Value: payload,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

// Close flushes outstanding records and releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

var _ audit.Publisher = (*KafkaPublisher)(nil)
