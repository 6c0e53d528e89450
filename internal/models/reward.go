package models

import (
	"time"

	"github.com/google/uuid"
)

// RewardLedgerEntry is an append-only ledger row created at most once per
// escrow (unique escrow_id) and only after the escrow reached RELEASED.
type RewardLedgerEntry struct {
	ID               uuid.UUID `json:"id"`
	UserID           uuid.UUID `json:"user_id"`
	TaskID           uuid.UUID `json:"task_id"`
	EscrowID         uuid.UUID `json:"escrow_id"`
	BasePoints       int64     `json:"base_points"`
	StreakMultiplier float64   `json:"streak_multiplier"`
	TrustMultiplier  float64   `json:"trust_multiplier"`
	ModeMultiplier   float64   `json:"mode_multiplier"`
	EffectivePoints  int64     `json:"effective_points"`
	BalanceBefore    int64     `json:"balance_before"`
	BalanceAfter     int64     `json:"balance_after"`
	CreatedAt        time.Time `json:"created_at"`
}

// UserRewardTotals is the running reward balance per user, mutated only under
// a row lock in the same transaction that inserts the ledger entry.
type UserRewardTotals struct {
	UserID           uuid.UUID `json:"user_id"`
	TotalPoints      int64     `json:"total_points"`
	StreakCount      int32     `json:"streak_count"`
	StreakMultiplier float64   `json:"streak_multiplier"`
	TrustMultiplier  float64   `json:"trust_multiplier"`
	UpdatedAt        time.Time `json:"updated_at"`
}
