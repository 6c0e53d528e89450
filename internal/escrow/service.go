package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/breaker"
	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/providers"
	"github.com/tasklane/settlement/internal/reward"
)

// Store defines what the service needs from escrow persistence.
type Store interface {
	Create(ctx context.Context, taskID uuid.UUID, amount int64) (*models.Escrow, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error)
	Transition(ctx context.Context, id uuid.UUID, cas CAS, to models.EscrowState, set TransitionSet) (*models.Escrow, error)
}

// Rewarder appends the reward-ledger entry gated on escrow release.
type Rewarder interface {
	Award(ctx context.Context, esc *models.Escrow, userID uuid.UUID, basePoints int64, modeMultiplier float64) error
}

// Service drives the escrow settlement state machine. Every operation is safe
// to replay: it either observes the target state and returns the row
// unchanged, or loses a compare-and-swap and reports the conflict after
// re-reading.
type Service struct {
	store    Store
	payments providers.PaymentProvider
	breaker  *breaker.Breaker
	rewards  Rewarder
	logger   zerolog.Logger
}

func NewService(store Store, payments providers.PaymentProvider, brk *breaker.Breaker, rewards Rewarder, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		payments: payments,
		breaker:  brk,
		rewards:  rewards,
		logger:   logger.With().Str("component", "escrow_service").Logger(),
	}
}

// Create opens a PENDING escrow for a task.
func (s *Service) Create(ctx context.Context, taskID uuid.UUID, amount int64) (*models.Escrow, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive, got %d", amount)
	}
	return s.store.Create(ctx, taskID, amount)
}

// Get reads one escrow.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Escrow, error) {
	return s.store.Get(ctx, id)
}

// Fund moves PENDING -> FUNDED once the payment provider confirmed capture.
func (s *Service) Fund(ctx context.Context, p FundParams) (*models.Escrow, error) {
	esc, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	if esc.State == models.EscrowStateFunded {
		return esc, nil
	}
	if esc.State.Terminal() {
		return nil, &TerminalStateError{State: esc.State, Target: models.EscrowStateFunded}
	}
	if esc.State != models.EscrowStatePending {
		return nil, &IllegalTransitionError{From: esc.State, To: models.EscrowStateFunded}
	}

	out, err := s.store.Transition(ctx, esc.ID,
		CAS{From: []models.EscrowState{models.EscrowStatePending}, Version: esc.Version},
		models.EscrowStateFunded,
		TransitionSet{PaymentIntentRef: &p.PaymentIntentRef})
	if errors.Is(err, ErrCASConflict) {
		return s.disambiguate(ctx, esc.ID, models.EscrowStateFunded)
	}
	return out, err
}

// Lock moves FUNDED -> LOCKED_DISPUTE while a dispute is resolved.
func (s *Service) Lock(ctx context.Context, escrowID uuid.UUID) (*models.Escrow, error) {
	esc, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if esc.State == models.EscrowStateLockedDispute {
		return esc, nil
	}
	if esc.State.Terminal() {
		return nil, &TerminalStateError{State: esc.State, Target: models.EscrowStateLockedDispute}
	}
	if esc.State != models.EscrowStateFunded {
		return nil, &IllegalTransitionError{From: esc.State, To: models.EscrowStateLockedDispute}
	}

	out, err := s.store.Transition(ctx, esc.ID,
		CAS{From: []models.EscrowState{models.EscrowStateFunded}, Version: esc.Version},
		models.EscrowStateLockedDispute,
		TransitionSet{})
	if errors.Is(err, ErrCASConflict) {
		return s.disambiguate(ctx, esc.ID, models.EscrowStateLockedDispute)
	}
	return out, err
}

// Release moves FUNDED|LOCKED_DISPUTE -> RELEASED, transfers the full amount
// to the worker and ensures the reward-ledger entry exists. A transfer
// reference already on the row proves the provider call happened; it is never
// repeated.
func (s *Service) Release(ctx context.Context, p ReleaseParams) (*models.Escrow, error) {
	esc, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	if esc.State == models.EscrowStateReleased {
		// Redelivered release. The row is returned unchanged, but the
		// award is re-ensured: the crash window sits between the state
		// flip and the ledger write.
		if err := s.award(ctx, esc, p.Award); err != nil {
			return nil, err
		}
		return esc, nil
	}
	if esc.State.Terminal() {
		return nil, &TerminalStateError{State: esc.State, Target: models.EscrowStateReleased}
	}
	if esc.State != models.EscrowStateFunded && esc.State != models.EscrowStateLockedDispute {
		return nil, &IllegalTransitionError{From: esc.State, To: models.EscrowStateReleased}
	}
	// A refund reference or a recorded refund leg means a refund or split
	// already began moving money. Transferring the full amount on top of it
	// would pay out more than the escrow holds.
	if esc.RefundRef != nil || esc.RefundAmount != 0 {
		return nil, fmt.Errorf("release escrow %s: %w", esc.ID, ErrConflictingSettlement)
	}

	if esc.TransferRef == nil {
		ref, err := s.createTransfer(ctx, esc, esc.Amount, p.Destination)
		if err != nil {
			return nil, fmt.Errorf("release escrow %s: %w", esc.ID, err)
		}
		esc, err = s.recordRefs(ctx, esc, models.EscrowStateReleased,
			TransitionSet{TransferRef: &ref},
			func(e *models.Escrow) bool { return e.TransferRef != nil })
		if err != nil {
			return nil, err
		}
	}

	amount := esc.Amount
	out, err := s.store.Transition(ctx, esc.ID,
		CAS{From: []models.EscrowState{models.EscrowStateFunded, models.EscrowStateLockedDispute}, Version: esc.Version},
		models.EscrowStateReleased,
		TransitionSet{ReleaseAmount: &amount})
	if errors.Is(err, ErrCASConflict) {
		out, err = s.disambiguate(ctx, esc.ID, models.EscrowStateReleased)
	}
	if err != nil {
		return nil, err
	}

	if err := s.award(ctx, out, p.Award); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("escrow_id", out.ID.String()).
		Int64("amount", out.Amount).
		Msg("Escrow released")
	return out, nil
}

// Refund moves PENDING|FUNDED|LOCKED_DISPUTE -> REFUNDED. A PENDING escrow
// captured no money, so no provider call is made for it.
func (s *Service) Refund(ctx context.Context, p RefundParams) (*models.Escrow, error) {
	esc, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	if esc.State == models.EscrowStateRefunded {
		return esc, nil
	}
	if esc.State.Terminal() {
		return nil, &TerminalStateError{State: esc.State, Target: models.EscrowStateRefunded}
	}
	// Mirror of the release-side guard: a transfer reference or a recorded
	// release leg means a release or split already began moving money.
	if esc.TransferRef != nil || esc.ReleaseAmount != 0 {
		return nil, fmt.Errorf("refund escrow %s: %w", esc.ID, ErrConflictingSettlement)
	}

	set := TransitionSet{}
	if esc.State != models.EscrowStatePending {
		if esc.PaymentIntentRef == nil {
			return nil, fmt.Errorf("refund escrow %s: %w", esc.ID, ErrMissingPaymentRef)
		}
		if esc.RefundRef == nil {
			ref, err := s.createRefund(ctx, esc, esc.Amount)
			if err != nil {
				return nil, fmt.Errorf("refund escrow %s: %w", esc.ID, err)
			}
			esc, err = s.recordRefs(ctx, esc, models.EscrowStateRefunded,
				TransitionSet{RefundRef: &ref},
				func(e *models.Escrow) bool { return e.RefundRef != nil })
			if err != nil {
				return nil, err
			}
		}
		amount := esc.Amount
		set.RefundAmount = &amount
	}

	out, err := s.store.Transition(ctx, esc.ID,
		CAS{From: []models.EscrowState{models.EscrowStatePending, models.EscrowStateFunded, models.EscrowStateLockedDispute}, Version: esc.Version},
		models.EscrowStateRefunded, set)
	if errors.Is(err, ErrCASConflict) {
		return s.disambiguate(ctx, esc.ID, models.EscrowStateRefunded)
	}
	if err == nil {
		s.logger.Info().
			Str("escrow_id", out.ID.String()).
			Int64("amount", out.Amount).
			Str("reason", p.Reason).
			Msg("Escrow refunded")
	}
	return out, err
}

// PartialSplit moves LOCKED_DISPUTE -> REFUND_PARTIAL through two
// independently idempotent legs. The finalizing update is guarded so the
// escrow can never be recorded as settled while a non-zero leg still lacks
// its provider reference.
func (s *Service) PartialSplit(ctx context.Context, p SplitParams) (*models.Escrow, error) {
	esc, err := s.store.Get(ctx, p.EscrowID)
	if err != nil {
		return nil, err
	}

	if p.RefundAmount < 0 || p.ReleaseAmount < 0 || p.RefundAmount+p.ReleaseAmount != esc.Amount {
		return nil, fmt.Errorf("escrow %s: split %d + %d vs amount %d: %w",
			esc.ID, p.RefundAmount, p.ReleaseAmount, esc.Amount, ErrInvalidSplit)
	}

	if esc.State == models.EscrowStateRefundPartial {
		return esc, nil
	}
	if esc.State.Terminal() {
		return nil, &TerminalStateError{State: esc.State, Target: models.EscrowStateRefundPartial}
	}
	if esc.State != models.EscrowStateLockedDispute {
		return nil, &IllegalTransitionError{From: esc.State, To: models.EscrowStateRefundPartial}
	}
	if p.RefundAmount > 0 && esc.PaymentIntentRef == nil {
		return nil, fmt.Errorf("split escrow %s: %w", esc.ID, ErrMissingPaymentRef)
	}

	// Record the leg amounts before any provider call so the finalizing
	// guard has something to hold against.
	if esc.RefundAmount != p.RefundAmount || esc.ReleaseAmount != p.ReleaseAmount {
		esc, err = s.recordRefs(ctx, esc, models.EscrowStateRefundPartial,
			TransitionSet{RefundAmount: &p.RefundAmount, ReleaseAmount: &p.ReleaseAmount},
			func(e *models.Escrow) bool {
				return e.RefundAmount == p.RefundAmount && e.ReleaseAmount == p.ReleaseAmount
			})
		if err != nil {
			return nil, err
		}
	}

	if p.RefundAmount > 0 && esc.RefundRef == nil {
		ref, err := s.createRefund(ctx, esc, p.RefundAmount)
		if err != nil {
			return nil, fmt.Errorf("split refund leg for escrow %s: %w", esc.ID, err)
		}
		esc, err = s.recordRefs(ctx, esc, models.EscrowStateRefundPartial,
			TransitionSet{RefundRef: &ref},
			func(e *models.Escrow) bool { return e.RefundRef != nil })
		if err != nil {
			return nil, err
		}
	}

	if p.ReleaseAmount > 0 && esc.TransferRef == nil {
		ref, err := s.createTransfer(ctx, esc, p.ReleaseAmount, p.Destination)
		if err != nil {
			return nil, fmt.Errorf("split release leg for escrow %s: %w", esc.ID, err)
		}
		esc, err = s.recordRefs(ctx, esc, models.EscrowStateRefundPartial,
			TransitionSet{TransferRef: &ref},
			func(e *models.Escrow) bool { return e.TransferRef != nil })
		if err != nil {
			return nil, err
		}
	}

	out, err := s.store.Transition(ctx, esc.ID,
		CAS{From: []models.EscrowState{models.EscrowStateLockedDispute}, Version: esc.Version},
		models.EscrowStateRefundPartial,
		TransitionSet{})
	if errors.Is(err, ErrCASConflict) {
		return s.disambiguate(ctx, esc.ID, models.EscrowStateRefundPartial)
	}
	if err == nil {
		s.logger.Info().
			Str("escrow_id", out.ID.String()).
			Int64("refund_amount", out.RefundAmount).
			Int64("release_amount", out.ReleaseAmount).
			Msg("Escrow split settled")
	}
	return out, err
}

// disambiguate resolves a zero-rows compare-and-swap by re-reading the row.
func (s *Service) disambiguate(ctx context.Context, id uuid.UUID, target models.EscrowState) (*models.Escrow, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State == target {
		// Another delivery of the same event already won.
		return cur, nil
	}
	if cur.State.Terminal() {
		return nil, &TerminalStateError{State: cur.State, Target: target}
	}
	return nil, &IllegalTransitionError{From: cur.State, To: target}
}

// recordRefs persists provider references and leg amounts outside the state
// flip, keeping the compare-and-swap discipline. On a lost race it re-reads
// and keeps whatever write won.
func (s *Service) recordRefs(ctx context.Context, esc *models.Escrow, target models.EscrowState, set TransitionSet, won func(*models.Escrow) bool) (*models.Escrow, error) {
	cur := esc
	for attempt := 0; attempt < 2; attempt++ {
		out, err := s.store.Transition(ctx, cur.ID,
			CAS{From: []models.EscrowState{cur.State}, Version: cur.Version},
			cur.State, set)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, ErrCASConflict) {
			return nil, err
		}
		cur, err = s.store.Get(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		if won(cur) {
			return cur, nil
		}
		if cur.State.Terminal() {
			return nil, &TerminalStateError{State: cur.State, Target: target}
		}
	}
	return nil, fmt.Errorf("escrow %s: lost provider reference write twice", esc.ID)
}

func (s *Service) award(ctx context.Context, esc *models.Escrow, p AwardParams) error {
	err := s.rewards.Award(ctx, esc, p.UserID, p.BasePoints, p.ModeMultiplier)
	if err == nil || errors.Is(err, reward.ErrAlreadyAwarded) {
		return nil
	}
	return fmt.Errorf("award reward for escrow %s: %w", esc.ID, err)
}

func (s *Service) createTransfer(ctx context.Context, esc *models.Escrow, amount int64, destination string) (string, error) {
	var ref string
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		r, err := s.payments.CreateTransfer(ctx, amount, destination, map[string]string{
			"escrow_id": esc.ID.String(),
			"task_id":   esc.TaskID.String(),
		})
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	return ref, err
}

func (s *Service) createRefund(ctx context.Context, esc *models.Escrow, amount int64) (string, error) {
	var ref string
	err := s.breaker.Do(ctx, func(ctx context.Context) error {
		r, err := s.payments.CreateRefund(ctx, *esc.PaymentIntentRef, amount, map[string]string{
			"escrow_id": esc.ID.String(),
			"task_id":   esc.TaskID.String(),
		})
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	return ref, err
}
