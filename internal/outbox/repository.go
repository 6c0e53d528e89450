package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/settlement/internal/models"
	"github.com/tasklane/settlement/internal/sqlutil"
)

// DBTX lets Insert run against either the pool or a caller's transaction.
// Outbox rows must be written in the same transaction as the domain change
// they announce.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const outboxColumns = `id, event_type, aggregate_type, aggregate_id, event_version, idempotency_key,
       payload, queue_name, status, attempts, broker_job_id, last_error, created_at, updated_at, processed_at`

// Repository persists outbox rows in the outbox_events table.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Insert writes one pending outbox row. The unique index on idempotency_key
// makes a duplicate insert of the same logical event fail loudly instead of
// producing a second delivery.
func (r *Repository) Insert(ctx context.Context, db DBTX, e *models.OutboxEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = models.IdempotencyKey(e.EventType, e.AggregateID, e.EventVersion)
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_events (id, event_type, aggregate_type, aggregate_id, event_version,
		                           idempotency_key, payload, queue_name, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)`,
		e.ID, e.EventType, e.AggregateType, e.AggregateID, e.EventVersion,
		e.IdempotencyKey, e.Payload, e.QueueName, models.OutboxStatusPending)
	if sqlutil.IsUniqueViolation(err) {
		return fmt.Errorf("outbox event %s already exists: %w", e.IdempotencyKey, err)
	}
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// EnqueueBatch locks up to limit pending rows with SKIP LOCKED, hands each to
// enqueue, and records the outcome in the same transaction. A failed enqueue
// marks the row failed with the error; the requeue sweep returns it to
// pending later. Returns the number of rows successfully enqueued.
func (r *Repository) EnqueueBatch(ctx context.Context, limit int32, enqueue func(e *models.OutboxEvent) (string, error)) (int, error) {
	var enqueued int
	err := sqlutil.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+outboxColumns+`
			FROM outbox_events
			WHERE status = $1
			ORDER BY created_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, models.OutboxStatusPending, limit)
		if err != nil {
			return fmt.Errorf("fetch pending outbox rows: %w", err)
		}
		events, err := collectEvents(rows)
		if err != nil {
			return err
		}

		for _, e := range events {
			jobID, err := enqueue(e)
			if err != nil {
				_, uerr := tx.ExecContext(ctx, `
					UPDATE outbox_events
					SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = NOW()
					WHERE id = $1`, e.ID, models.OutboxStatusFailed, err.Error())
				if uerr != nil {
					return fmt.Errorf("record enqueue failure: %w", uerr)
				}
				continue
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE outbox_events
				SET status = $2, broker_job_id = $3, attempts = attempts + 1, updated_at = NOW()
				WHERE id = $1 AND status = $4`,
				e.ID, models.OutboxStatusEnqueued, jobID, models.OutboxStatusPending)
			if err != nil {
				return fmt.Errorf("mark outbox row enqueued: %w", err)
			}
			enqueued++
		}
		return nil
	})
	return enqueued, err
}

// MarkProcessed finalizes the row for a fully handled event. Safe to replay:
// a row that is already processed is left alone.
func (r *Repository) MarkProcessed(ctx context.Context, idempotencyKey string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, processed_at = NOW(), updated_at = NOW()
		WHERE idempotency_key = $1 AND status != $2`,
		idempotencyKey, models.OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("mark outbox event processed: %w", err)
	}
	return nil
}

// MarkFailed records the latest handler failure. Processed rows are never
// demoted.
func (r *Repository) MarkFailed(ctx context.Context, idempotencyKey string, cause string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $2, last_error = $3, updated_at = NOW()
		WHERE idempotency_key = $1 AND status != $4`,
		idempotencyKey, models.OutboxStatusFailed, cause, models.OutboxStatusProcessed)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

// RequeueFailed returns failed rows to pending once they have sat past the
// cutoff, so the poller re-enqueues them. The broker's duplicate window has
// expired by then, which is exactly the point.
func (r *Repository) RequeueFailed(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3`,
		models.OutboxStatusPending, models.OutboxStatusFailed, before)
	if err != nil {
		return 0, fmt.Errorf("requeue failed outbox rows: %w", err)
	}
	return res.RowsAffected()
}

// CountPending reports the current enqueue backlog.
func (r *Repository) CountPending(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_events WHERE status = $1`,
		models.OutboxStatusPending).Scan(&count)
	return count, err
}

// OldestPendingAge reports how long the oldest pending row has waited, zero
// when the backlog is empty.
func (r *Repository) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var age sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT EXTRACT(EPOCH FROM NOW() - MIN(created_at))
		FROM outbox_events WHERE status = $1`,
		models.OutboxStatusPending).Scan(&age)
	if err != nil {
		return 0, err
	}
	if !age.Valid {
		return 0, nil
	}
	return time.Duration(age.Float64 * float64(time.Second)), nil
}

// GetByIdempotencyKey reads one row by its logical event identity.
func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*models.OutboxEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events WHERE idempotency_key = $1`, key)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.OutboxEvent, error) {
	e := &models.OutboxEvent{}
	err := row.Scan(
		&e.ID, &e.EventType, &e.AggregateType, &e.AggregateID, &e.EventVersion,
		&e.IdempotencyKey, &e.Payload, &e.QueueName, &e.Status, &e.Attempts,
		&e.BrokerJobID, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func collectEvents(rows *sql.Rows) ([]*models.OutboxEvent, error) {
	defer rows.Close()
	var events []*models.OutboxEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
