package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type idempotencyRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewIdempotencyRepository(db SQLExecutor, logger *slog.Logger) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:     db,
		logger: logger,
	}
}

func (r *idempotencyRepository) Claim(ctx context.Context, rec *domain.IdempotencyRecord) (bool, *domain.IdempotencyRecord, error) {
	// An expired holder is overwritten in place; a live one leaves the
	// statement without a returned row.
	query := `
		INSERT INTO idempotency_keys (key, fingerprint, status, resulting_reference, created_at, expires_at)
		VALUES ($1, $2, $3, '', $4, $5)
		ON CONFLICT (key) DO UPDATE
		SET fingerprint = EXCLUDED.fingerprint,
			status = EXCLUDED.status,
			resulting_reference = '',
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key
	`

	var key string
	err := r.db.QueryRowContext(ctx, query,
		rec.Key, rec.Fingerprint, string(domain.IdempotencyInProgress), rec.CreatedAt, rec.ExpiresAt,
	).Scan(&key)
	switch {
	case err == nil:
		rec.Status = domain.IdempotencyInProgress
		return true, nil, nil
	case err != sql.ErrNoRows:
		r.logger.Error("Failed to claim idempotency key", "key", rec.Key, "error", err)
		return false, nil, errors.Internal("failed to claim idempotency key", err)
	}

	existing, err := r.Get(ctx, rec.Key)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (r *idempotencyRepository) Complete(ctx context.Context, key, reference string) error {
	query := `
		UPDATE idempotency_keys
		SET status = $1, resulting_reference = $2
		WHERE key = $3
	`
	result, err := r.db.ExecContext(ctx, query, string(domain.IdempotencyCompleted), reference, key)
	if err != nil {
		r.logger.Error("Failed to complete idempotency key", "key", key, "error", err)
		return errors.Internal("failed to complete idempotency key", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return errors.Internal("idempotency key vanished before completion", nil)
	}
	return nil
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_keys WHERE key = $1 AND status = $2`
	if _, err := r.db.ExecContext(ctx, query, key, string(domain.IdempotencyInProgress)); err != nil {
		r.logger.Error("Failed to release idempotency key", "key", key, "error", err)
		return errors.Internal("failed to release idempotency key", err)
	}
	return nil
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, fingerprint, status, resulting_reference, created_at, expires_at
		FROM idempotency_keys WHERE key = $1
	`
	var (
		rec    domain.IdempotencyRecord
		status string
	)
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key,
		&rec.Fingerprint,
		&status,
		&rec.ResultingReference,
		&rec.CreatedAt,
		&rec.ExpiresAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get idempotency key", "key", key, "error", err)
		return nil, errors.Internal("failed to get idempotency key", err)
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return &rec, nil
}

func (r *idempotencyRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		r.logger.Error("Failed to purge idempotency keys", "error", err)
		return 0, errors.Internal("failed to purge idempotency keys", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Internal("failed to get rows affected", err)
	}
	return n, nil
}
