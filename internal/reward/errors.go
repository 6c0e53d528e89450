package reward

import "errors"

// ErrAlreadyAwarded is returned when a ledger entry for the escrow already
// exists. An idempotent replay of a release hits this; it is benign.
var ErrAlreadyAwarded = errors.New("reward already awarded for escrow")

// ErrEscrowNotReleased is returned when an award is attempted against an
// escrow that has not reached RELEASED. This is an ordering bug upstream, not
// a retryable condition, and must never be silently swallowed.
var ErrEscrowNotReleased = errors.New("escrow is not released")

// ErrEscrowNotFound is returned when the referenced escrow does not exist.
var ErrEscrowNotFound = errors.New("referenced escrow not found")
