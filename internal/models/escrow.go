package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowState defines the settlement state of an escrow.
type EscrowState string

const (
	EscrowStatePending       EscrowState = "PENDING"
	EscrowStateFunded        EscrowState = "FUNDED"
	EscrowStateLockedDispute EscrowState = "LOCKED_DISPUTE"
	EscrowStateReleased      EscrowState = "RELEASED"
	EscrowStateRefunded      EscrowState = "REFUNDED"
	EscrowStateRefundPartial EscrowState = "REFUND_PARTIAL"
)

// Terminal reports whether the state permits no further transitions.
func (s EscrowState) Terminal() bool {
	switch s {
	case EscrowStateReleased, EscrowStateRefunded, EscrowStateRefundPartial:
		return true
	}
	return false
}

// Escrow represents funds held for a task until released, refunded or split.
// Amount is fixed at creation; no update statement ever touches it. Version is
// a monotonic counter bumped by every mutation and used for compare-and-swap.
type Escrow struct {
	ID               uuid.UUID   `json:"id"`
	TaskID           uuid.UUID   `json:"task_id"`
	Amount           int64       `json:"amount"` // minor units (cents)
	State            EscrowState `json:"state"`
	Version          int64       `json:"version"`
	PaymentIntentRef *string     `json:"payment_intent_ref,omitempty"`
	TransferRef      *string     `json:"transfer_ref,omitempty"`
	RefundRef        *string     `json:"refund_ref,omitempty"`
	RefundAmount     int64       `json:"refund_amount"`
	ReleaseAmount    int64       `json:"release_amount"`
	FundedAt         *time.Time  `json:"funded_at,omitempty"`
	LockedAt         *time.Time  `json:"locked_at,omitempty"`
	ReleasedAt       *time.Time  `json:"released_at,omitempty"`
	RefundedAt       *time.Time  `json:"refunded_at,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}
