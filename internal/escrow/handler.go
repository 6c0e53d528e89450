package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/queue"
	"github.com/tasklane/settlement/internal/reward"
)

// SettlementService is what the payments-queue handler needs from the escrow
// service.
type SettlementService interface {
	Fund(ctx context.Context, p FundParams) (*models.Escrow, error)
	Release(ctx context.Context, p ReleaseParams) (*models.Escrow, error)
	Refund(ctx context.Context, p RefundParams) (*models.Escrow, error)
	PartialSplit(ctx context.Context, p SplitParams) (*models.Escrow, error)
}

// OutboxMarker closes the loop on the originating outbox row.
type OutboxMarker interface {
	MarkProcessed(ctx context.Context, idempotencyKey string) error
	MarkFailed(ctx context.Context, idempotencyKey string, cause string) error
}

type fundPayload struct {
	PaymentIntentRef string `json:"payment_intent_ref"`
}

type releasePayload struct {
	Destination    string    `json:"destination"`
	WorkerID       uuid.UUID `json:"worker_id"`
	BasePoints     int64     `json:"base_points"`
	ModeMultiplier float64   `json:"mode_multiplier"`
}

type refundPayload struct {
	Reason string `json:"reason"`
}

type splitPayload struct {
	RefundAmount  int64  `json:"refund_amount"`
	ReleaseAmount int64  `json:"release_amount"`
	Destination   string `json:"destination"`
}

// Handler consumes the payments queue. The queue runs at concurrency 1 for
// strict per-process ordering of money-moving operations.
type Handler struct {
	svc    SettlementService
	outbox OutboxMarker
	logger zerolog.Logger
}

func NewHandler(svc SettlementService, outbox OutboxMarker, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, outbox: outbox, logger: logger}
}

func (h *Handler) Handle(ctx context.Context, job queue.Job) error {
	var err error
	switch job.Kind {
	case queue.KindEscrowFundConfirmed:
		var pl fundPayload
		if err := json.Unmarshal(job.Payload, &pl); err != nil {
			return queue.Reject(fmt.Errorf("decode fund payload: %w", err))
		}
		_, err = h.svc.Fund(ctx, FundParams{EscrowID: job.AggregateID, PaymentIntentRef: pl.PaymentIntentRef})

	case queue.KindEscrowReleaseRequested:
		var pl releasePayload
		if err := json.Unmarshal(job.Payload, &pl); err != nil {
			return queue.Reject(fmt.Errorf("decode release payload: %w", err))
		}
		_, err = h.svc.Release(ctx, ReleaseParams{
			EscrowID:    job.AggregateID,
			Destination: pl.Destination,
			Award: AwardParams{
				UserID:         pl.WorkerID,
				BasePoints:     pl.BasePoints,
				ModeMultiplier: pl.ModeMultiplier,
			},
		})

	case queue.KindEscrowRefundRequested:
		var pl refundPayload
		if err := json.Unmarshal(job.Payload, &pl); err != nil {
			return queue.Reject(fmt.Errorf("decode refund payload: %w", err))
		}
		_, err = h.svc.Refund(ctx, RefundParams{EscrowID: job.AggregateID, Reason: pl.Reason})

	case queue.KindEscrowSplitRequested:
		var pl splitPayload
		if err := json.Unmarshal(job.Payload, &pl); err != nil {
			return queue.Reject(fmt.Errorf("decode split payload: %w", err))
		}
		_, err = h.svc.PartialSplit(ctx, SplitParams{
			EscrowID:      job.AggregateID,
			RefundAmount:  pl.RefundAmount,
			ReleaseAmount: pl.ReleaseAmount,
			Destination:   pl.Destination,
		})

	default:
		return queue.Reject(fmt.Errorf("unhandled payments event kind %s", job.Kind))
	}

	return h.finish(ctx, job, err)
}

// finish maps service outcomes onto broker dispositions. Unretryable
// failures (validation, terminal conflicts, invariant violations) are
// recorded on the outbox row and rejected; everything else goes back to the
// broker for backoff retry.
func (h *Handler) finish(ctx context.Context, job queue.Job, err error) error {
	if err == nil {
		return h.outbox.MarkProcessed(ctx, job.IdempotencyKey)
	}

	if markErr := h.outbox.MarkFailed(ctx, job.IdempotencyKey, err.Error()); markErr != nil {
		h.logger.Warn().Err(markErr).Str("idempotency_key", job.IdempotencyKey).Msg("failed to mark outbox row failed")
	}

	if isUnretryable(err) {
		h.logger.Error().
			Err(err).
			Str("kind", string(job.Kind)).
			Str("escrow_id", job.AggregateID.String()).
			Msg("settlement operation rejected")
		return queue.Reject(err)
	}

	return err
}

func isUnretryable(err error) bool {
	var terminal *TerminalStateError
	var illegal *IllegalTransitionError
	return errors.Is(err, ErrInvalidSplit) ||
		errors.Is(err, ErrMissingPaymentRef) ||
		errors.Is(err, ErrConflictingSettlement) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, reward.ErrEscrowNotReleased) ||
		errors.As(err, &terminal) ||
		errors.As(err, &illegal)
}
