package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/queue"
)

// EventPublisher hands one outbox event to the broker and returns the broker
// job id. Publishing must be idempotent on the event's idempotency key so a
// crash between publish and the enqueued mark cannot double-deliver.
type EventPublisher interface {
	Publish(ctx context.Context, e *models.OutboxEvent) (string, error)
}

// JetStreamPublisher publishes envelopes to JetStream. The idempotency key
// rides as the message id, so JetStream drops duplicates inside its
// duplicate window.
type JetStreamPublisher struct {
	js            jetstream.JetStream
	subjectPrefix string
	logger        zerolog.Logger
}

func NewJetStreamPublisher(js jetstream.JetStream, subjectPrefix string, logger zerolog.Logger) *JetStreamPublisher {
	return &JetStreamPublisher{
		js:            js,
		subjectPrefix: subjectPrefix,
		logger:        logger.With().Str("component", "jetstream_publisher").Logger(),
	}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, e *models.OutboxEvent) (string, error) {
	envelope := queue.Envelope{
		EventID:        e.ID,
		EventType:      e.EventType,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		EventVersion:   e.EventVersion,
		IdempotencyKey: e.IdempotencyKey,
		Payload:        e.Payload,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s.%s", p.subjectPrefix, e.QueueName, e.EventType)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(e.IdempotencyKey))
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.logger.Debug().
		Str("subject", subject).
		Str("idempotency_key", e.IdempotencyKey).
		Uint64("sequence", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("event published")
	return fmt.Sprintf("%s:%d", ack.Stream, ack.Sequence), nil
}

// LogPublisher is an in-memory publisher for development and tests.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e *models.OutboxEvent) (string, error) {
	p.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("queue", e.QueueName).
		Str("idempotency_key", e.IdempotencyKey).
		Msg("publishing event")
	return "log:" + e.ID.String(), nil
}
