package escrow

import (
	"errors"
	"fmt"

	"github.com/tasklane/settlement/internal/models"
)

// ErrNotFound is returned when no escrow exists for an id.
var ErrNotFound = errors.New("escrow not found")

// ErrCASConflict is the repository-level signal that a compare-and-swap
// matched no rows. It is ambiguous by construction; the service re-reads the
// row to disambiguate and callers never see it directly.
var ErrCASConflict = errors.New("escrow compare-and-swap matched no rows")

// ErrInvalidSplit rejects a partial split whose legs do not sum to the escrow
// amount. Validation failures are never retried.
var ErrInvalidSplit = errors.New("split amounts must sum to the escrow amount")

// ErrMissingPaymentRef reports a refund attempted against an escrow that
// carries no payment intent reference.
var ErrMissingPaymentRef = errors.New("escrow has no payment intent reference to refund")

// ErrConflictingSettlement reports a full release or refund attempted on an
// escrow where an opposing operation already recorded money movement. The
// operation that began owns the escrow; paying out on top of it would exceed
// the escrowed amount. Never retried.
var ErrConflictingSettlement = errors.New("a conflicting settlement already moved funds on this escrow")

// IllegalTransitionError reports a transition outside the state machine.
type IllegalTransitionError struct {
	From models.EscrowState
	To   models.EscrowState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal escrow transition %s -> %s", e.From, e.To)
}

// TerminalStateError reports a mutation attempted on an escrow that already
// reached a different terminal state.
type TerminalStateError struct {
	State  models.EscrowState
	Target models.EscrowState
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("escrow already terminal in %s, cannot reach %s", e.State, e.Target)
}
