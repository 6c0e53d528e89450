package queue

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope is the wire shape of one job. The idempotency key doubles as the
// broker message id so redelivered enqueue attempts deduplicate at the broker.
type Envelope struct {
	EventID        uuid.UUID       `json:"event_id"`
	EventType      string          `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	EventVersion   int64           `json:"event_version"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Job is a decoded, kind-checked unit of work handed to a handler.
type Job struct {
	Kind           Kind
	AggregateType  string
	AggregateID    uuid.UUID
	EventVersion   int64
	IdempotencyKey string
	Payload        json.RawMessage
}
