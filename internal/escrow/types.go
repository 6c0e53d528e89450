package escrow

import "github.com/google/uuid"

// FundParams confirms the payment provider captured the escrow amount.
type FundParams struct {
	EscrowID         uuid.UUID
	PaymentIntentRef string
}

// AwardParams carries what the reward ledger needs at release time.
type AwardParams struct {
	UserID         uuid.UUID
	BasePoints     int64
	ModeMultiplier float64
}

// ReleaseParams releases the full escrow amount to the worker.
type ReleaseParams struct {
	EscrowID    uuid.UUID
	Destination string
	Award       AwardParams
}

// RefundParams refunds the full escrow amount to the requester.
type RefundParams struct {
	EscrowID uuid.UUID
	Reason   string
}

// SplitParams settles a dispute by splitting the amount across a refund leg
// and a release leg. The legs must sum to the escrow amount.
type SplitParams struct {
	EscrowID      uuid.UUID
	RefundAmount  int64
	ReleaseAmount int64
	Destination   string
}
