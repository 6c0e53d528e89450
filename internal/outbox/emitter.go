package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tasklane/settlement/internal/effect"
	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/queue"
)

// EventInserter is the outbox write the emitter needs.
type EventInserter interface {
	Insert(ctx context.Context, db DBTX, e *models.OutboxEvent) error
}

// EffectCreator creates the effect record that an emitted event will drive.
type EffectCreator interface {
	Create(ctx context.Context, db effect.DBTX, rec *models.EffectRecord) error
}

// Emitter writes typed settlement events into the outbox. Every Emit method
// takes the caller's transaction so the event commits or rolls back together
// with the domain change that produced it.
type Emitter struct {
	outbox  EventInserter
	effects EffectCreator
	logger  zerolog.Logger
}

func NewEmitter(outbox EventInserter, effects EffectCreator, logger zerolog.Logger) *Emitter {
	return &Emitter{
		outbox:  outbox,
		effects: effects,
		logger:  logger.With().Str("component", "outbox_emitter").Logger(),
	}
}

// EmitFundConfirmed announces that the payment provider captured the escrow
// amount. eventVersion is the escrow's version counter at emission time.
func (e *Emitter) EmitFundConfirmed(ctx context.Context, db DBTX, escrowID uuid.UUID, eventVersion int64, paymentIntentRef string) error {
	payload, err := json.Marshal(struct {
		PaymentIntentRef string `json:"payment_intent_ref"`
	}{paymentIntentRef})
	if err != nil {
		return fmt.Errorf("marshal fund payload: %w", err)
	}
	return e.emit(ctx, db, queue.KindEscrowFundConfirmed, queue.QueuePayments, escrowID, eventVersion, payload)
}

// EmitReleaseRequested requests release of the full escrow amount to the
// worker, with the reward parameters riding along.
func (e *Emitter) EmitReleaseRequested(ctx context.Context, db DBTX, escrowID uuid.UUID, eventVersion int64, destination string, workerID uuid.UUID, basePoints int64, modeMultiplier float64) error {
	payload, err := json.Marshal(struct {
		Destination    string    `json:"destination"`
		WorkerID       uuid.UUID `json:"worker_id"`
		BasePoints     int64     `json:"base_points"`
		ModeMultiplier float64   `json:"mode_multiplier"`
	}{destination, workerID, basePoints, modeMultiplier})
	if err != nil {
		return fmt.Errorf("marshal release payload: %w", err)
	}
	return e.emit(ctx, db, queue.KindEscrowReleaseRequested, queue.QueuePayments, escrowID, eventVersion, payload)
}

// EmitRefundRequested requests a full refund of the escrow.
func (e *Emitter) EmitRefundRequested(ctx context.Context, db DBTX, escrowID uuid.UUID, eventVersion int64, reason string) error {
	payload, err := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	if err != nil {
		return fmt.Errorf("marshal refund payload: %w", err)
	}
	return e.emit(ctx, db, queue.KindEscrowRefundRequested, queue.QueuePayments, escrowID, eventVersion, payload)
}

// EmitSplitRequested requests a partial dispute settlement.
func (e *Emitter) EmitSplitRequested(ctx context.Context, db DBTX, escrowID uuid.UUID, eventVersion int64, refundAmount, releaseAmount int64, destination string) error {
	payload, err := json.Marshal(struct {
		RefundAmount  int64  `json:"refund_amount"`
		ReleaseAmount int64  `json:"release_amount"`
		Destination   string `json:"destination"`
	}{refundAmount, releaseAmount, destination})
	if err != nil {
		return fmt.Errorf("marshal split payload: %w", err)
	}
	return e.emit(ctx, db, queue.KindEscrowSplitRequested, queue.QueuePayments, escrowID, eventVersion, payload)
}

// EmitNotification creates the effect record for one outbound message and the
// outbox event that will drive it, in the same transaction. The effect record
// id doubles as the event's aggregate id so the worker can find it.
func (e *Emitter) EmitNotification(ctx context.Context, db DBTX, destination, subject, body string) (uuid.UUID, error) {
	payload, err := json.Marshal(struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}{subject, body})
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal message payload: %w", err)
	}
	return e.emitEffect(ctx, db, "notification", queue.KindNotificationRequested, queue.QueueNotifications, destination, payload, 5)
}

// EmitExport creates the effect record and event for one report generation.
func (e *Emitter) EmitExport(ctx context.Context, db DBTX, request json.RawMessage) (uuid.UUID, error) {
	return e.emitEffect(ctx, db, "export", queue.KindExportRequested, queue.QueueExports, "", request, 3)
}

func (e *Emitter) emit(ctx context.Context, db DBTX, kind queue.Kind, queueName string, aggregateID uuid.UUID, eventVersion int64, payload json.RawMessage) error {
	event := &models.OutboxEvent{
		EventType:     string(kind),
		AggregateType: "escrow",
		AggregateID:   aggregateID,
		EventVersion:  eventVersion,
		Payload:       payload,
		QueueName:     queueName,
	}
	if err := e.outbox.Insert(ctx, db, event); err != nil {
		return err
	}
	e.logger.Info().
		Str("event_type", event.EventType).
		Str("aggregate_id", aggregateID.String()).
		Int64("event_version", eventVersion).
		Msg("outbox event inserted")
	return nil
}

func (e *Emitter) emitEffect(ctx context.Context, db DBTX, channel string, kind queue.Kind, queueName, destination string, payload json.RawMessage, maxAttempts int32) (uuid.UUID, error) {
	rec := &models.EffectRecord{
		ID:          uuid.New(),
		Channel:     channel,
		MaxAttempts: maxAttempts,
		Destination: destination,
		Payload:     payload,
	}
	if err := e.effects.Create(ctx, db, rec); err != nil {
		return uuid.Nil, err
	}

	event := &models.OutboxEvent{
		EventType:     string(kind),
		AggregateType: channel,
		AggregateID:   rec.ID,
		EventVersion:  1,
		Payload:       payload,
		QueueName:     queueName,
	}
	if err := e.outbox.Insert(ctx, db, event); err != nil {
		return uuid.Nil, err
	}

	e.logger.Info().
		Str("event_type", event.EventType).
		Str("record_id", rec.ID.String()).
		Msg("effect record and outbox event inserted")
	return rec.ID, nil
}
