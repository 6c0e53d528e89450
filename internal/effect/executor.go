package effect

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/breaker"
	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/queue"
)

// Channel is one side-effect family (payment leg, message send, export). The
// executor drives every channel through the same claim -> act -> finalize
// protocol; the channel only supplies the external call.
type Channel interface {
	Name() string
	// SuccessStatus is the terminal status a completed record lands in.
	SuccessStatus() models.EffectStatus
	// Perform invokes the external provider exactly once and returns its
	// reference id. A failure wrapped with Permanent is never retried.
	Perform(ctx context.Context, rec *models.EffectRecord) (string, error)
}

type ExecutorConfig struct {
	// StaleAfter makes records stuck in_progress longer than this eligible
	// for a fresh claim. Zero disables the reclaim (short-lived channels).
	StaleAfter time.Duration
	Clock      clockwork.Clock
}

// Executor runs the idempotent effect protocol for one channel. A redelivered
// job is safe at every step: either it observes terminal state and no-ops, or
// it loses a conditional update to a concurrent executor and exits cleanly.
type Executor struct {
	store   Store
	outbox  OutboxMarker
	channel Channel
	breaker *breaker.Breaker
	config  ExecutorConfig
	logger  zerolog.Logger
}

func NewExecutor(store Store, outbox OutboxMarker, channel Channel, brk *breaker.Breaker, cfg ExecutorConfig, logger zerolog.Logger) *Executor {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Executor{
		store:   store,
		outbox:  outbox,
		channel: channel,
		breaker: brk,
		config:  cfg,
		logger:  logger.With().Str("channel", channel.Name()).Logger(),
	}
}

// Process handles one delivery for the record identified by recordID.
func (e *Executor) Process(ctx context.Context, recordID uuid.UUID, idempotencyKey string) error {
	if e.config.StaleAfter > 0 {
		cutoff := e.config.Clock.Now().Add(-e.config.StaleAfter)
		if n, err := e.store.ReclaimStale(ctx, e.channel.Name(), cutoff); err != nil {
			e.logger.Warn().Err(err).Msg("stale record reclaim failed")
		} else if n > 0 {
			e.logger.Info().Int64("reclaimed", n).Msg("returned stale in-progress records to pending")
		}
	}

	rec, err := e.store.Get(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load effect record %s: %w", recordID, err)
	}

	logger := e.logger.With().Str("record_id", recordID.String()).Logger()
	success := e.channel.SuccessStatus()

	// Redelivery of an already completed effect is a no-op.
	if rec.Status == success || rec.Status == models.EffectStatusSuppressed {
		logger.Debug().Str("status", string(rec.Status)).Msg("record already terminal, acking redelivery")
		return e.outbox.MarkProcessed(ctx, idempotencyKey)
	}

	// A provider reference on a non-terminal record means the previous
	// attempt crashed between the external call and the local commit.
	// Finish locally; the provider must not be called again.
	if rec.ProviderReferenceID != nil {
		if _, err := e.store.FinalizeRecovered(ctx, recordID, success); err != nil {
			return fmt.Errorf("finalize recovered record %s: %w", recordID, err)
		}
		logger.Info().Str("provider_ref", *rec.ProviderReferenceID).Msg("recovered crashed effect without re-invoking provider")
		return e.outbox.MarkProcessed(ctx, idempotencyKey)
	}

	// Poison: the retry budget is spent. Record the business failure and
	// stop the broker's retry loop by acking.
	if rec.Attempts >= rec.MaxAttempts {
		if err := e.store.MarkExhausted(ctx, recordID, "retry budget exhausted"); err != nil {
			return fmt.Errorf("mark record %s exhausted: %w", recordID, err)
		}
		logger.Error().
			Int32("attempts", rec.Attempts).
			Int32("max_attempts", rec.MaxAttempts).
			Msg("effect retry budget exhausted, recording terminal failure")
		return e.outbox.MarkProcessed(ctx, idempotencyKey)
	}

	claimed, ok, err := e.store.Claim(ctx, recordID)
	if err != nil {
		return fmt.Errorf("claim effect record %s: %w", recordID, err)
	}
	if !ok {
		// A concurrent executor already claimed the record.
		logger.Debug().Msg("record claimed elsewhere, exiting")
		return nil
	}

	ref, performErr := e.perform(ctx, claimed)
	if performErr != nil {
		return e.handleFailure(ctx, claimed, idempotencyKey, performErr, logger)
	}

	if err := e.store.SetProviderReference(ctx, recordID, ref); err != nil {
		return fmt.Errorf("persist provider reference for record %s: %w", recordID, err)
	}
	if _, err := e.store.Finalize(ctx, recordID, success); err != nil {
		return fmt.Errorf("finalize record %s: %w", recordID, err)
	}
	logger.Info().Str("provider_ref", ref).Msg("effect completed")
	return e.outbox.MarkProcessed(ctx, idempotencyKey)
}

func (e *Executor) perform(ctx context.Context, rec *models.EffectRecord) (string, error) {
	var ref string
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		r, err := e.channel.Perform(ctx, rec)
		if err != nil {
			return err
		}
		ref = r
		return nil
	})
	return ref, err
}

func (e *Executor) handleFailure(ctx context.Context, rec *models.EffectRecord, idempotencyKey string, cause error, logger zerolog.Logger) error {
	if IsPermanent(cause) {
		if err := e.store.MarkSuppressed(ctx, rec.ID, cause.Error()); err != nil {
			return fmt.Errorf("mark record %s suppressed: %w", rec.ID, err)
		}
		logger.Error().Err(cause).Msg("provider reported permanent failure, suppressing")
		return e.outbox.MarkProcessed(ctx, idempotencyKey)
	}

	if err := e.store.MarkRetryable(ctx, rec.ID, cause.Error()); err != nil {
		return fmt.Errorf("mark record %s retryable: %w", rec.ID, err)
	}
	if err := e.outbox.MarkFailed(ctx, idempotencyKey, cause.Error()); err != nil {
		logger.Warn().Err(err).Msg("failed to mark outbox row failed")
	}

	// rec.Attempts already counts this claim. When the last allowed attempt
	// fails, swallow instead of re-throwing so the broker stops.
	if rec.Attempts >= rec.MaxAttempts {
		logger.Error().
			Err(cause).
			Int32("attempts", rec.Attempts).
			Msg("final attempt failed, stopping broker retries")
		return nil
	}
	logger.Warn().Err(cause).Int32("attempt", rec.Attempts).Msg("effect attempt failed, broker will retry")
	return cause
}

// QueueHandler adapts an executor to the queue router.
type QueueHandler struct {
	exec *Executor
}

func NewQueueHandler(exec *Executor) *QueueHandler {
	return &QueueHandler{exec: exec}
}

func (h *QueueHandler) Handle(ctx context.Context, job queue.Job) error {
	return h.exec.Process(ctx, job.AggregateID, job.IdempotencyKey)
}
