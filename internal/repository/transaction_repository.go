package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sqlc-dev/pqtype"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

const transactionColumns = `reference, account_id, type, kind, status, amount, currency,
	source_account_id, destination_account_id, transfer_group_id, counterparty,
	balance_before, balance_after, narration, idempotency_key, failure_code, metadata,
	created_at, settled_at, updated_at`

type transactionRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewTransactionRepository(db SQLExecutor, logger *slog.Logger) domain.TransactionRepository {
	return &transactionRepository{
		db:     db,
		logger: logger,
	}
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	// ON CONFLICT keeps a reference collision from aborting the unit of work.
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (reference) DO NOTHING
	`

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return errors.Internal("failed to encode transaction metadata", err)
	}

	result, err := r.db.ExecContext(ctx,
		query,
		tx.Reference,
		tx.AccountID,
		string(tx.Type),
		string(tx.Kind),
		string(tx.Status),
		tx.Amount.StringFixed(2),
		tx.Currency,
		nullUUID(tx.SourceAccountID),
		nullUUID(tx.DestinationAccountID),
		nullUUID(tx.TransferGroupID),
		tx.Counterparty,
		tx.BalanceBefore.StringFixed(2),
		tx.BalanceAfter.StringFixed(2),
		tx.Narration,
		tx.IdempotencyKey,
		tx.FailureCode,
		metadata,
		tx.CreatedAt,
		nullTime(tx.SettledAt),
		tx.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create transaction",
			"reference", tx.Reference,
			"account_id", tx.AccountID,
			"amount", tx.Amount,
			"error", err)
		return errors.Internal("failed to create transaction", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		r.logger.Warn("Transaction reference collision", "reference", tx.Reference)
		return errors.ErrDuplicateReference
	}

	r.logger.Debug("Transaction created", "reference", tx.Reference, "type", tx.Type, "kind", tx.Kind)
	return nil
}

func (r *transactionRepository) SettleTransaction(ctx context.Context, tx *domain.Transaction) error {
	// Metadata gathered while the row was pending (collaborator request IDs
	// and errors) is written with the outcome.
	query := `
		UPDATE transactions
		SET status = $1, balance_after = $2, failure_code = $3, settled_at = $4, updated_at = $5, metadata = $6
		WHERE reference = $7 AND status = 'pending'
	`

	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return errors.Internal("failed to encode transaction metadata", err)
	}

	result, err := r.db.ExecContext(ctx, query,
		string(tx.Status),
		tx.BalanceAfter.StringFixed(2),
		tx.FailureCode,
		nullTime(tx.SettledAt),
		tx.UpdatedAt,
		metadata,
		tx.Reference,
	)
	if err != nil {
		r.logger.Error("Failed to settle transaction", "reference", tx.Reference, "status", tx.Status, "error", err)
		return errors.Internal("failed to settle transaction", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.ErrInvalidStateChange.WithDetails(tx.Reference)
	}

	r.logger.Info("Transaction settled", "reference", tx.Reference, "status", tx.Status)
	return nil
}

func (r *transactionRepository) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, reference))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.ErrTransactionNotFound
		}
		r.logger.Error("Failed to get transaction", "reference", reference, "error", err)
		return nil, errors.Internal("failed to get transaction", err)
	}
	return tx, nil
}

func (r *transactionRepository) GetTransactionsByGroup(ctx context.Context, groupID uuid.UUID) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE transfer_group_id = $1 ORDER BY type DESC`
	return r.query(ctx, query, groupID)
}

func (r *transactionRepository) ListTransactions(ctx context.Context, filter domain.HistoryFilter, window domain.PageWindow) ([]*domain.Transaction, error) {
	where, args := filterClause(filter)

	ascending := false
	switch {
	case window.OlderThan != nil:
		args = append(args, window.OlderThan.CreatedAt, window.OlderThan.Reference)
		where = append(where, fmt.Sprintf("(created_at, reference) < ($%d, $%d)", len(args)-1, len(args)))
	case window.NewerThan != nil:
		args = append(args, window.NewerThan.CreatedAt, window.NewerThan.Reference)
		where = append(where, fmt.Sprintf("(created_at, reference) > ($%d, $%d)", len(args)-1, len(args)))
		ascending = true
	}

	order := "created_at DESC, reference DESC"
	if ascending {
		order = "created_at ASC, reference ASC"
	}

	args = append(args, window.Limit, window.Offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		transactionColumns, strings.Join(where, " AND "), order, len(args)-1, len(args))

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if ascending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}
	return rows, nil
}

func (r *transactionRepository) CountTransactions(ctx context.Context, filter domain.HistoryFilter) (int, error) {
	where, args := filterClause(filter)
	query := `SELECT COUNT(*) FROM transactions WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		r.logger.Error("Failed to count transactions", "account_id", filter.AccountID, "error", err)
		return 0, errors.Internal("failed to count transactions", err)
	}
	return total, nil
}

func (r *transactionRepository) ListSettled(ctx context.Context, accountID uuid.UUID, from, to time.Time) ([]*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE account_id = $1 AND status = 'completed' AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC, reference ASC`
	return r.query(ctx, query, accountID, from, to)
}

func (r *transactionRepository) query(ctx context.Context, query string, args ...interface{}) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query transactions", "error", err)
		return nil, errors.Internal("failed to query transactions", err)
	}
	defer rows.Close()

	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Internal("failed to scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Internal("failed to iterate transactions", err)
	}
	return out, nil
}

func filterClause(f domain.HistoryFilter) ([]string, []interface{}) {
	where := []string{"account_id = $1"}
	args := []interface{}{f.AccountID}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	return where, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx                         domain.Transaction
		txType, kind, status       string
		amount, before, after      string
		source, destination, group uuid.NullUUID
		metadata                   pqtype.NullRawMessage
		settledAt                  sql.NullTime
	)

	if err := row.Scan(
		&tx.Reference,
		&tx.AccountID,
		&txType,
		&kind,
		&status,
		&amount,
		&tx.Currency,
		&source,
		&destination,
		&group,
		&tx.Counterparty,
		&before,
		&after,
		&tx.Narration,
		&tx.IdempotencyKey,
		&tx.FailureCode,
		&metadata,
		&tx.CreatedAt,
		&settledAt,
		&tx.UpdatedAt,
	); err != nil {
		return nil, err
	}

	tx.Type = domain.TransactionType(txType)
	tx.Kind = domain.TransactionKind(kind)
	tx.Status = domain.TransactionStatus(status)

	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if tx.BalanceBefore, err = decimal.NewFromString(before); err != nil {
		return nil, fmt.Errorf("parse balance_before: %w", err)
	}
	if tx.BalanceAfter, err = decimal.NewFromString(after); err != nil {
		return nil, fmt.Errorf("parse balance_after: %w", err)
	}

	tx.SourceAccountID = uuidPtr(source)
	tx.DestinationAccountID = uuidPtr(destination)
	tx.TransferGroupID = uuidPtr(group)

	if metadata.Valid && len(metadata.RawMessage) > 0 {
		if err := json.Unmarshal(metadata.RawMessage, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
	}

	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.UpdatedAt = tx.UpdatedAt.UTC()
	if settledAt.Valid {
		t := settledAt.Time.UTC()
		tx.SettledAt = &t
	}
	return &tx, nil
}

func encodeMetadata(m map[string]string) (pqtype.NullRawMessage, error) {
	if len(m) == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
