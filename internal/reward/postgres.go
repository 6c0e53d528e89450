package reward

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/sqlutil"
)

// PostgresStore persists reward data in the reward_ledger_entries and
// user_reward_totals tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, user_id, task_id, escrow_id, base_points,
	streak_multiplier, trust_multiplier, mode_multiplier,
	effective_points, balance_before, balance_after, created_at`

// Award runs the whole award inside one transaction: lock the totals row,
// re-verify the escrow is released, insert the entry, write back the totals.
// The unique index on escrow_id makes replays surface as ErrAlreadyAwarded.
func (s *PostgresStore) Award(ctx context.Context, escrowID, userID uuid.UUID, build func(totals *models.UserRewardTotals) (*models.RewardLedgerEntry, error)) (*models.RewardLedgerEntry, error) {
	var entry *models.RewardLedgerEntry
	err := sqlutil.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		// Make sure the totals row exists before locking it. DO NOTHING keeps
		// this safe under concurrent first awards for the same user.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_reward_totals (user_id, total_points, streak_count, streak_multiplier, trust_multiplier, updated_at)
			VALUES ($1, 0, 0, 1.0, 1.0, NOW())
			ON CONFLICT (user_id) DO NOTHING`, userID)
		if err != nil {
			return fmt.Errorf("ensure totals row: %w", err)
		}

		totals := &models.UserRewardTotals{}
		err = tx.QueryRowContext(ctx, `
			SELECT user_id, total_points, streak_count, streak_multiplier, trust_multiplier, updated_at
			FROM user_reward_totals
			WHERE user_id = $1
			FOR UPDATE`, userID).Scan(
			&totals.UserID, &totals.TotalPoints, &totals.StreakCount,
			&totals.StreakMultiplier, &totals.TrustMultiplier, &totals.UpdatedAt)
		if err != nil {
			return fmt.Errorf("lock totals row: %w", err)
		}

		// Re-check the escrow state inside the transaction. The caller already
		// checked its copy, but the row is the source of truth.
		var state string
		err = tx.QueryRowContext(ctx,
			`SELECT state FROM escrows WHERE id = $1`, escrowID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEscrowNotFound
		}
		if err != nil {
			return fmt.Errorf("check escrow state: %w", err)
		}
		if models.EscrowState(state) != models.EscrowStateReleased {
			return fmt.Errorf("escrow %s in state %s: %w", escrowID, state, ErrEscrowNotReleased)
		}

		entry, err = build(totals)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reward_ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
			entry.ID, entry.UserID, entry.TaskID, entry.EscrowID, entry.BasePoints,
			entry.StreakMultiplier, entry.TrustMultiplier, entry.ModeMultiplier,
			entry.EffectivePoints, entry.BalanceBefore, entry.BalanceAfter)
		if sqlutil.IsUniqueViolation(err) {
			return fmt.Errorf("escrow %s: %w", escrowID, ErrAlreadyAwarded)
		}
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE user_reward_totals
			SET total_points = $2, streak_count = $3, streak_multiplier = $4, updated_at = NOW()
			WHERE user_id = $1`,
			userID, totals.TotalPoints, totals.StreakCount, totals.StreakMultiplier)
		if err != nil {
			return fmt.Errorf("update totals: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetTotals returns the user's totals, or a zero-valued row with default
// multipliers if the user has never been awarded.
func (s *PostgresStore) GetTotals(ctx context.Context, userID uuid.UUID) (*models.UserRewardTotals, error) {
	totals := &models.UserRewardTotals{}
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, total_points, streak_count, streak_multiplier, trust_multiplier, updated_at
		FROM user_reward_totals
		WHERE user_id = $1`, userID).Scan(
		&totals.UserID, &totals.TotalPoints, &totals.StreakCount,
		&totals.StreakMultiplier, &totals.TrustMultiplier, &totals.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.UserRewardTotals{
			UserID:           userID,
			StreakMultiplier: 1.0,
			TrustMultiplier:  1.0,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get totals: %w", err)
	}
	return totals, nil
}

// ListEntries returns the user's ledger entries, newest first.
func (s *PostgresStore) ListEntries(ctx context.Context, userID uuid.UUID, limit int32) ([]*models.RewardLedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM reward_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.RewardLedgerEntry
	for rows.Next() {
		e := &models.RewardLedgerEntry{}
		err := rows.Scan(
			&e.ID, &e.UserID, &e.TaskID, &e.EscrowID, &e.BasePoints,
			&e.StreakMultiplier, &e.TrustMultiplier, &e.ModeMultiplier,
			&e.EffectivePoints, &e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
