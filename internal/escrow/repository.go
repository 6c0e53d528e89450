package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tasklane/settlement/internal/models"
)

// CAS is the single compare-and-swap precondition applied to every mutating
// escrow statement: an expected from-state set plus the version counter.
// Zero affected rows always means "re-read and disambiguate", never "retry
// blindly".
type CAS struct {
	From    []models.EscrowState
	Version int64
}

// TransitionSet lists the columns a transition may write. Nil fields are left
// untouched. The amount column is deliberately absent: it is immutable after
// insert and no update statement ever references it.
type TransitionSet struct {
	PaymentIntentRef *string
	TransferRef      *string
	RefundRef        *string
	RefundAmount     *int64
	ReleaseAmount    *int64
}

const escrowColumns = `id, task_id, amount, state, version, payment_intent_ref, transfer_ref, refund_ref,
       refund_amount, release_amount, funded_at, locked_at, released_at, refunded_at, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, taskID uuid.UUID, amount int64) (*models.Escrow, error) {
	row := r.db.QueryRowContext(ctx, `
        INSERT INTO escrows (id, task_id, amount, state, version)
        VALUES ($1, $2, $3, $4, 1)
        RETURNING `+escrowColumns+`
    `, uuid.New(), taskID, amount, models.EscrowStatePending)

	esc, err := scanEscrow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}
	return esc, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+escrowColumns+`
        FROM escrows
        WHERE id = $1
    `, id)
	return scanEscrow(row)
}

// GetByTask looks an escrow up by its task (1:1).
func (r *Repository) GetByTask(ctx context.Context, taskID uuid.UUID) (*models.Escrow, error) {
	row := r.db.QueryRowContext(ctx, `
        SELECT `+escrowColumns+`
        FROM escrows
        WHERE task_id = $1
    `, taskID)
	return scanEscrow(row)
}

// Transition applies one compare-and-swap mutation. When the target state is
// REFUND_PARTIAL the statement additionally refuses to finalize while any
// non-zero leg still lacks its provider reference, so a half-completed split
// can never be recorded as done.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, cas CAS, to models.EscrowState, set TransitionSet) (*models.Escrow, error) {
	if len(cas.From) == 0 {
		return nil, fmt.Errorf("transition to %s: empty from-state set", to)
	}

	args := []any{
		id,
		to,
		set.PaymentIntentRef,
		set.TransferRef,
		set.RefundRef,
		set.RefundAmount,
		set.ReleaseAmount,
		cas.Version,
	}
	placeholders := make([]string, len(cas.From))
	for i, st := range cas.From {
		args = append(args, st)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `
        UPDATE escrows
        SET state = $2,
            version = version + 1,
            payment_intent_ref = COALESCE($3, payment_intent_ref),
            transfer_ref = COALESCE($4, transfer_ref),
            refund_ref = COALESCE($5, refund_ref),
            refund_amount = COALESCE($6, refund_amount),
            release_amount = COALESCE($7, release_amount),
            funded_at = CASE WHEN $2 = 'FUNDED' THEN now() ELSE funded_at END,
            locked_at = CASE WHEN $2 = 'LOCKED_DISPUTE' THEN now() ELSE locked_at END,
            released_at = CASE WHEN $2 = 'RELEASED' THEN now() ELSE released_at END,
            refunded_at = CASE WHEN $2 IN ('REFUNDED', 'REFUND_PARTIAL') THEN now() ELSE refunded_at END,
            updated_at = now()
        WHERE id = $1
          AND version = $8
          AND state IN (` + strings.Join(placeholders, ", ") + `)`
	if to == models.EscrowStateRefundPartial {
		query += `
          AND (refund_amount = 0 OR refund_ref IS NOT NULL)
          AND (release_amount = 0 OR transfer_ref IS NOT NULL)`
	}
	query += `
        RETURNING ` + escrowColumns

	esc, err := scanEscrow(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCASConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition escrow %s to %s: %w", id, to, err)
	}
	return esc, nil
}

func scanEscrow(row *sql.Row) (*models.Escrow, error) {
	var esc models.Escrow
	err := row.Scan(
		&esc.ID,
		&esc.TaskID,
		&esc.Amount,
		&esc.State,
		&esc.Version,
		&esc.PaymentIntentRef,
		&esc.TransferRef,
		&esc.RefundRef,
		&esc.RefundAmount,
		&esc.ReleaseAmount,
		&esc.FundedAt,
		&esc.LockedAt,
		&esc.ReleasedAt,
		&esc.RefundedAt,
		&esc.CreatedAt,
		&esc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escrow: %w", err)
	}
	return &esc, nil
}
