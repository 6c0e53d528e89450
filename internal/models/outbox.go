package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OutboxStatus defines the delivery state of an outbox row. Transitions only
// move forward: pending -> enqueued -> processed | failed, with failed rows
// returned to pending by the reclaim sweep.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusEnqueued  OutboxStatus = "enqueued"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxEvent is a durable to-be-delivered row written in the same transaction
// as the domain change it announces.
type OutboxEvent struct {
	ID             uuid.UUID       `json:"id"`
	EventType      string          `json:"event_type"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    uuid.UUID       `json:"aggregate_id"`
	EventVersion   int64           `json:"event_version"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	QueueName      string          `json:"queue_name"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int32           `json:"attempts"`
	BrokerJobID    *string         `json:"broker_job_id,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// IdempotencyKey derives the deterministic broker-level identity of an event.
func IdempotencyKey(eventType string, aggregateID uuid.UUID, eventVersion int64) string {
	return fmt.Sprintf("%s:%s:%d", eventType, aggregateID, eventVersion)
}
