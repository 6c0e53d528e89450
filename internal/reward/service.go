package reward

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
)

// Streak progression. Every consecutive award bumps the streak multiplier by
// a fixed step until it hits the cap.
const (
	streakStep = 0.05
	streakCap  = 1.5
)

// Store persists reward ledger entries and per-user totals. Award runs the
// build callback inside a transaction holding a row lock on the user's
// totals, inserts the returned entry, and writes back the totals as mutated
// by the callback, all in the same transaction.
type Store interface {
	Award(ctx context.Context, escrowID, userID uuid.UUID, build func(totals *models.UserRewardTotals) (*models.RewardLedgerEntry, error)) (*models.RewardLedgerEntry, error)
	GetTotals(ctx context.Context, userID uuid.UUID) (*models.UserRewardTotals, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit int32) ([]*models.RewardLedgerEntry, error)
}

// Service appends reward ledger entries when escrows are released.
type Service struct {
	store  Store
	logger zerolog.Logger
}

func NewService(store Store, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger.With().Str("component", "reward_service").Logger(),
	}
}

// Award appends a ledger entry for the released escrow and updates the
// user's running totals. The entry is keyed by escrow ID so a replayed
// release produces exactly one entry; duplicates come back as
// ErrAlreadyAwarded. Effective points are floor(base * streak * trust * mode)
// computed against the totals row read under lock, so concurrent awards for
// the same user serialize and each sees the balance the previous one left.
func (s *Service) Award(ctx context.Context, esc *models.Escrow, userID uuid.UUID, basePoints int64, modeMultiplier float64) error {
	if esc.State != models.EscrowStateReleased {
		return fmt.Errorf("escrow %s in state %s: %w", esc.ID, esc.State, ErrEscrowNotReleased)
	}
	if basePoints <= 0 {
		return fmt.Errorf("base points must be positive, got %d", basePoints)
	}
	if modeMultiplier <= 0 {
		modeMultiplier = 1.0
	}

	entry, err := s.store.Award(ctx, esc.ID, userID, func(totals *models.UserRewardTotals) (*models.RewardLedgerEntry, error) {
		effective := int64(math.Floor(float64(basePoints) * totals.StreakMultiplier * totals.TrustMultiplier * modeMultiplier))
		entry := &models.RewardLedgerEntry{
			ID:               uuid.New(),
			UserID:           userID,
			TaskID:           esc.TaskID,
			EscrowID:         esc.ID,
			BasePoints:       basePoints,
			StreakMultiplier: totals.StreakMultiplier,
			TrustMultiplier:  totals.TrustMultiplier,
			ModeMultiplier:   modeMultiplier,
			EffectivePoints:  effective,
			BalanceBefore:    totals.TotalPoints,
			BalanceAfter:     totals.TotalPoints + effective,
		}
		totals.TotalPoints = entry.BalanceAfter
		totals.StreakCount++
		totals.StreakMultiplier = math.Min(1.0+streakStep*float64(totals.StreakCount), streakCap)
		return entry, nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("escrow_id", esc.ID.String()).
		Str("user_id", userID.String()).
		Int64("base_points", basePoints).
		Int64("effective_points", entry.EffectivePoints).
		Int64("balance_after", entry.BalanceAfter).
		Msg("Reward awarded")
	return nil
}

// Totals returns the user's running totals, zero-valued if the user has
// never been awarded.
func (s *Service) Totals(ctx context.Context, userID uuid.UUID) (*models.UserRewardTotals, error) {
	return s.store.GetTotals(ctx, userID)
}

// History returns the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID uuid.UUID, limit int32) ([]*models.RewardLedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEntries(ctx, userID, limit)
}
