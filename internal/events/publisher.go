package events

import (
	"context"
	"encoding/json"
	"time"

	"clinicflow/queue-service/internal/audit"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Outbox is the unpublished side of the audit event table.
type Outbox interface {
	ListUnpublishedEvents(ctx context.Context, limit int) ([]audit.Event, error)
	MarkEventsPublished(ctx context.Context, eventIDs []string) error
}

// Publisher drains the audit outbox to Kafka. Without brokers it is a no-op,
// which keeps single-node deployments free of a broker dependency.
type Publisher struct {
	outbox   Outbox
	writer   *kafka.Writer
	logger   zerolog.Logger
	interval time.Duration
	batch    int
}

func NewPublisher(outbox Outbox, brokers []string, topic string, logger zerolog.Logger, interval time.Duration) *Publisher {
	p := &Publisher{
		outbox:   outbox,
		logger:   logger,
		interval: interval,
		batch:    100,
	}
	if p.interval <= 0 {
		p.interval = 5 * time.Second
	}
	if len(brokers) > 0 && topic != "" {
		p.writer = kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Topic:    topic,
			Balancer: &kafka.Hash{},
		})
	}
	return p
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool { return p.writer != nil }

// Run drains on the configured interval until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.Error().Err(err).Msg("audit outbox drain failed")
			}
		}
	}
}

// Drain publishes one batch of unpublished events. Events stay in the outbox
// until the broker write succeeds, so delivery is at-least-once.
func (p *Publisher) Drain(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	events, err := p.outbox.ListUnpublishedEvents(ctx, p.batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	ids := make([]string, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			p.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("unmarshalable audit event skipped")
			continue
		}
		key := event.DoctorID
		if key == "" {
			key = event.EventID
		}
		messages = append(messages, kafka.Message{Key: []byte(key), Value: value})
		ids = append(ids, event.EventID)
	}
	if len(messages) == 0 {
		return nil
	}

	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return err
	}
	if err := p.outbox.MarkEventsPublished(ctx, ids); err != nil {
		return err
	}
	p.logger.Debug().Int("published", len(ids)).Msg("audit events published")
	return nil
}

func (p *Publisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
