package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type beneficiaryRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewBeneficiaryRepository(db SQLExecutor, logger *slog.Logger) domain.BeneficiaryRepository {
	return &beneficiaryRepository{
		db:     db,
		logger: logger,
	}
}

const beneficiaryColumns = `account_id, beneficiary_account_id, nickname, is_favorite,
	total_sent, transaction_count, created_at, last_transaction_at`

func (r *beneficiaryRepository) RecordTransfer(ctx context.Context, accountID, beneficiaryID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	query := `
		INSERT INTO beneficiaries (account_id, beneficiary_account_id, total_sent, transaction_count, created_at, last_transaction_at)
		VALUES ($1, $2, $3, 1, $4, $4)
		ON CONFLICT (account_id, beneficiary_account_id) DO UPDATE
		SET total_sent = beneficiaries.total_sent + EXCLUDED.total_sent,
			transaction_count = beneficiaries.transaction_count + 1,
			last_transaction_at = GREATEST(beneficiaries.last_transaction_at, EXCLUDED.last_transaction_at)
	`
	if _, err := r.db.ExecContext(ctx, query, accountID, beneficiaryID, amount.StringFixed(2), at); err != nil {
		r.logger.Error("Failed to record beneficiary transfer",
			"account_id", accountID,
			"beneficiary_account_id", beneficiaryID,
			"error", err)
		return errors.Internal("failed to record beneficiary transfer", err)
	}
	return nil
}

func (r *beneficiaryRepository) SaveBeneficiary(ctx context.Context, b *domain.Beneficiary) error {
	query := `
		INSERT INTO beneficiaries (account_id, beneficiary_account_id, nickname, is_favorite, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, beneficiary_account_id) DO UPDATE
		SET nickname = EXCLUDED.nickname,
			is_favorite = EXCLUDED.is_favorite
	`
	if _, err := r.db.ExecContext(ctx, query, b.AccountID, b.BeneficiaryAccountID, b.Nickname, b.IsFavorite, b.CreatedAt); err != nil {
		r.logger.Error("Failed to save beneficiary",
			"account_id", b.AccountID,
			"beneficiary_account_id", b.BeneficiaryAccountID,
			"error", err)
		return errors.Internal("failed to save beneficiary", err)
	}
	return nil
}

func (r *beneficiaryRepository) GetBeneficiary(ctx context.Context, accountID, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + `
		FROM beneficiaries WHERE account_id = $1 AND beneficiary_account_id = $2`

	b, err := scanBeneficiary(r.db.QueryRowContext(ctx, query, accountID, beneficiaryID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.logger.Error("Failed to get beneficiary", "account_id", accountID, "error", err)
		return nil, errors.Internal("failed to get beneficiary", err)
	}
	return b, nil
}

func (r *beneficiaryRepository) ListBeneficiaries(ctx context.Context, accountID uuid.UUID, favoritesOnly bool) ([]*domain.Beneficiary, error) {
	query := `SELECT ` + beneficiaryColumns + `
		FROM beneficiaries
		WHERE account_id = $1 AND (NOT $2 OR is_favorite)
		ORDER BY last_transaction_at DESC NULLS LAST, created_at DESC, beneficiary_account_id`

	rows, err := r.db.QueryContext(ctx, query, accountID, favoritesOnly)
	if err != nil {
		r.logger.Error("Failed to list beneficiaries", "account_id", accountID, "error", err)
		return nil, errors.Internal("failed to list beneficiaries", err)
	}
	defer rows.Close()

	var out []*domain.Beneficiary
	for rows.Next() {
		b, err := scanBeneficiary(rows)
		if err != nil {
			return nil, errors.Internal("failed to scan beneficiary", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to iterate beneficiaries", err)
	}
	return out, nil
}

func scanBeneficiary(row rowScanner) (*domain.Beneficiary, error) {
	var (
		b        domain.Beneficiary
		total    string
		lastSent sql.NullTime
	)
	if err := row.Scan(
		&b.AccountID,
		&b.BeneficiaryAccountID,
		&b.Nickname,
		&b.IsFavorite,
		&total,
		&b.TransactionCount,
		&b.CreatedAt,
		&lastSent,
	); err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return nil, err
	}
	b.TotalSent = amount
	b.CreatedAt = b.CreatedAt.UTC()
	if lastSent.Valid {
		t := lastSent.Time.UTC()
		b.LastTransactionAt = &t
	}
	return &b, nil
}
