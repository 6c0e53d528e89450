package effect

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/settlement/internal/models"
)

// Store persists effect records. Every mutation is a conditional update: of
// two racing executors exactly one observes success and the other observes
// zero affected rows. The database row is the lock.
type Store interface {
	// Get reads one record. The snapshot may be stale by the time a decision
	// lands; the conditional updates below are what make the race safe.
	Get(ctx context.Context, id uuid.UUID) (*models.EffectRecord, error)

	// Claim moves pending|failed -> in_progress and bumps the attempt
	// counter. ok=false means a concurrent executor already owns the
	// record; that is not an error.
	Claim(ctx context.Context, id uuid.UUID) (rec *models.EffectRecord, ok bool, err error)

	// SetProviderReference persists the external reference in its own
	// statement, before the final status flip. This ordering is what makes
	// crash recovery possible.
	SetProviderReference(ctx context.Context, id uuid.UUID, ref string) error

	// Finalize moves in_progress -> the channel's terminal success status.
	// ok=false means another executor finalized first.
	Finalize(ctx context.Context, id uuid.UUID, success models.EffectStatus) (ok bool, err error)

	// FinalizeRecovered finalizes a record whose provider reference proves
	// the external call already happened, regardless of the non-terminal
	// status it crashed in.
	FinalizeRecovered(ctx context.Context, id uuid.UUID, success models.EffectStatus) (ok bool, err error)

	// MarkRetryable moves in_progress -> failed with the error, leaving the
	// record claimable for the next delivery.
	MarkRetryable(ctx context.Context, id uuid.UUID, cause string) error

	// MarkSuppressed records a terminal provider-side suppression.
	MarkSuppressed(ctx context.Context, id uuid.UUID, cause string) error

	// MarkExhausted records a terminal business failure once the retry
	// budget is spent.
	MarkExhausted(ctx context.Context, id uuid.UUID, cause string) error

	// ReclaimStale returns records stuck in_progress since before cutoff to
	// pending so a later invocation can claim them.
	ReclaimStale(ctx context.Context, channel string, cutoff time.Time) (int64, error)
}

// OutboxMarker closes the loop on the originating outbox row.
type OutboxMarker interface {
	MarkProcessed(ctx context.Context, idempotencyKey string) error
	MarkFailed(ctx context.Context, idempotencyKey string, cause string) error
}
