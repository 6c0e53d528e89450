package effect

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tasklane/settlement/internal/models"
)

const effectColumns = `id, channel, status, attempts, max_attempts, provider_reference_id, destination, payload, last_error, created_at, updated_at`

// DBTX lets Create run inside the caller's transaction, alongside the outbox
// row that will eventually drive the record.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore persists effect records in Postgres. Every mutating statement
// carries its status precondition so concurrent executors race safely.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, db DBTX, rec *models.EffectRecord) error {
	if db == nil {
		db = s.db
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO effect_records (id, channel, status, attempts, max_attempts, destination, payload)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
    `, rec.ID, rec.Channel, models.EffectStatusPending, 0, rec.MaxAttempts, rec.Destination, rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to insert effect record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.EffectRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+effectColumns+`
        FROM effect_records
        WHERE id = $1
    `, id)
	return scanEffectRecord(row)
}

func (s *PostgresStore) Claim(ctx context.Context, id uuid.UUID) (*models.EffectRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE effect_records
        SET status = $2, attempts = attempts + 1, updated_at = now()
        WHERE id = $1 AND status IN ($3, $4)
        RETURNING `+effectColumns+`
    `, id, models.EffectStatusInProgress, models.EffectStatusPending, models.EffectStatusFailed)

	rec, err := scanEffectRecord(row)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

func (s *PostgresStore) SetProviderReference(ctx context.Context, id uuid.UUID, ref string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET provider_reference_id = $2, updated_at = now()
        WHERE id = $1
    `, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set provider reference: %w", err)
	}
	return nil
}

func (s *PostgresStore) Finalize(ctx context.Context, id uuid.UUID, success models.EffectStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $2, last_error = NULL, updated_at = now()
        WHERE id = $1 AND status = $3
    `, id, success, models.EffectStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("failed to finalize effect record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) FinalizeRecovered(ctx context.Context, id uuid.UUID, success models.EffectStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $2, last_error = NULL, updated_at = now()
        WHERE id = $1
          AND provider_reference_id IS NOT NULL
          AND status NOT IN ($3, $4, $5)
    `, id, success, models.EffectStatusSent, models.EffectStatusReady, models.EffectStatusSuppressed)
	if err != nil {
		return false, fmt.Errorf("failed to finalize recovered effect record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresStore) MarkRetryable(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $2, last_error = $3, updated_at = now()
        WHERE id = $1 AND status = $4
    `, id, models.EffectStatusFailed, cause, models.EffectStatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to mark effect record retryable: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSuppressed(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $2, last_error = $3, updated_at = now()
        WHERE id = $1 AND status NOT IN ($4, $5)
    `, id, models.EffectStatusSuppressed, cause, models.EffectStatusSent, models.EffectStatusReady)
	if err != nil {
		return fmt.Errorf("failed to mark effect record suppressed: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkExhausted(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $2, last_error = $3, updated_at = now()
        WHERE id = $1 AND status IN ($4, $5)
    `, id, models.EffectStatusFailed, cause, models.EffectStatusPending, models.EffectStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to mark effect record exhausted: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReclaimStale(ctx context.Context, channel string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE effect_records
        SET status = $3, updated_at = now()
        WHERE channel = $1 AND status = $4 AND updated_at < $2
    `, channel, cutoff, models.EffectStatusPending, models.EffectStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale effect records: %w", err)
	}
	return res.RowsAffected()
}

func scanEffectRecord(row *sql.Row) (*models.EffectRecord, error) {
	var rec models.EffectRecord
	err := row.Scan(
		&rec.ID,
		&rec.Channel,
		&rec.Status,
		&rec.Attempts,
		&rec.MaxAttempts,
		&rec.ProviderReferenceID,
		&rec.Destination,
		&rec.Payload,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan effect record: %w", err)
	}
	return &rec, nil
}
