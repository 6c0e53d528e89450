package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EffectStatus defines the lifecycle state of an effect record.
type EffectStatus string

const (
	EffectStatusPending    EffectStatus = "pending"
	EffectStatusInProgress EffectStatus = "in_progress"
	EffectStatusSent       EffectStatus = "sent"  // terminal success for sends
	EffectStatusReady      EffectStatus = "ready" // terminal success for generated artifacts
	EffectStatusSuppressed EffectStatus = "suppressed"
	EffectStatusFailed     EffectStatus = "failed"
)

// EffectRecord tracks one external side effect (a payment leg, a message send,
// an export generation). A non-nil ProviderReferenceID on a non-terminal record
// means the external call succeeded but the local commit did not; recovery
// finalizes without calling the provider again.
type EffectRecord struct {
	ID                  uuid.UUID       `json:"id"`
	Channel             string          `json:"channel"`
	Status              EffectStatus    `json:"status"`
	Attempts            int32           `json:"attempts"`
	MaxAttempts         int32           `json:"max_attempts"`
	ProviderReferenceID *string         `json:"provider_reference_id,omitempty"`
	Destination         string          `json:"destination"`
	Payload             json.RawMessage `json:"payload"`
	LastError           *string         `json:"last_error,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}
