package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

const accountColumns = `id, owner_id, balance, currency, is_active, is_frozen, pin_hash,
	pin_failed_attempts, pin_locked_until, bound_device_id, created_at, updated_at`

type accountRepository struct {
	db     SQLExecutor
	logger *slog.Logger
}

func NewAccountRepository(db SQLExecutor, logger *slog.Logger) domain.AccountRepository {
	return &accountRepository{
		db:     db,
		logger: logger,
	}
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, owner_id, balance, currency, is_active, is_frozen, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		account.ID,
		account.OwnerID,
		account.Balance.StringFixed(2),
		account.Currency,
		account.IsActive,
		account.IsFrozen,
		account.CreatedAt,
		account.UpdatedAt,
	)

	if err != nil {
		if code, _ := pqCode(err); code == pqUniqueViolation {
			r.logger.Warn("Duplicate account creation attempt", "account_id", account.ID, "owner_id", account.OwnerID)
			return errors.ErrDuplicateAccount
		}
		r.logger.Error("Failed to create account", "account_id", account.ID, "error", err)
		return errors.Internal("failed to create account", err)
	}

	r.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *accountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(ctx, query, id)
}

func (r *accountRepository) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE owner_id = $1`
	return r.scanAccount(ctx, query, ownerID)
}

func (r *accountRepository) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	ordered := make([]uuid.UUID, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].String() < ordered[j].String()
	})

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	locked := make(map[uuid.UUID]*domain.Account, len(ordered))
	for _, id := range ordered {
		account, err := r.scanAccount(ctx, query, id)
		if err != nil {
			return nil, err
		}
		locked[id] = account
	}
	return locked, nil
}

func (r *accountRepository) TryLockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE NOWAIT`
	account, err := r.scanAccount(ctx, query, id)
	if err != nil && errors.As(err).Code == errors.LockTimeout {
		return nil, errors.ErrAccountBusy
	}
	return account, err
}

func (r *accountRepository) scanAccount(ctx context.Context, query string, arg interface{}) (*domain.Account, error) {
	var (
		account     domain.Account
		balanceStr  string
		lockedUntil sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&account.ID,
		&account.OwnerID,
		&balanceStr,
		&account.Currency,
		&account.IsActive,
		&account.IsFrozen,
		&account.PinHash,
		&account.PinFailedAttempts,
		&lockedUntil,
		&account.BoundDeviceID,
		&account.CreatedAt,
		&account.UpdatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			r.logger.Warn("Account not found", "lookup", arg)
			return nil, errors.ErrAccountNotFound
		}
		if appErr := lockError(err); appErr != nil {
			r.logger.Warn("Account lock not acquired", "lookup", arg, "error", err)
			return nil, appErr
		}
		r.logger.Error("Failed to get account", "lookup", arg, "error", err)
		return nil, errors.Internal("failed to get account", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		r.logger.Error("Failed to parse balance", "account_id", account.ID, "balance_str", balanceStr, "error", err)
		return nil, errors.Internal("failed to parse balance", err)
	}

	account.Balance = balance
	if lockedUntil.Valid {
		t := lockedUntil.Time
		account.PinLockedUntil = &t
	}
	return &account, nil
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	query := `
		UPDATE accounts
		SET balance = $1, updated_at = $2
		WHERE id = $3
	`
	if err := r.update(ctx, "balance", id, query, newBalance.StringFixed(2), time.Now().UTC(), id); err != nil {
		return err
	}
	r.logger.Debug("Account balance updated", "account_id", id, "new_balance", newBalance)
	return nil
}

func (r *accountRepository) UpdateAccountFlags(ctx context.Context, id uuid.UUID, isActive, isFrozen bool) error {
	query := `
		UPDATE accounts
		SET is_active = $1, is_frozen = $2, updated_at = $3
		WHERE id = $4
	`
	return r.update(ctx, "flags", id, query, isActive, isFrozen, time.Now().UTC(), id)
}

func (r *accountRepository) UpdatePinState(ctx context.Context, id uuid.UUID, state domain.PinState) error {
	query := `
		UPDATE accounts
		SET pin_hash = $1, pin_failed_attempts = $2, pin_locked_until = $3, updated_at = $4
		WHERE id = $5
	`
	var lockedUntil sql.NullTime
	if state.LockedUntil != nil {
		lockedUntil = sql.NullTime{Time: *state.LockedUntil, Valid: true}
	}
	return r.update(ctx, "pin state", id, query, state.Hash, state.FailedAttempts, lockedUntil, time.Now().UTC(), id)
}

func (r *accountRepository) UpdateBoundDevice(ctx context.Context, id uuid.UUID, deviceID string) error {
	query := `
		UPDATE accounts
		SET bound_device_id = $1, updated_at = $2
		WHERE id = $3
	`
	return r.update(ctx, "bound device", id, query, deviceID, time.Now().UTC(), id)
}

func (r *accountRepository) LogDeviceChange(ctx context.Context, change *domain.DeviceChange) error {
	query := `
		INSERT INTO device_change_log (account_id, old_device_id, new_device_id, changed_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, change.AccountID, change.OldDeviceID, change.NewDeviceID, change.ChangedAt); err != nil {
		r.logger.Error("Failed to log device change", "account_id", change.AccountID, "error", err)
		return errors.Internal("failed to log device change", err)
	}
	return nil
}

func (r *accountRepository) update(ctx context.Context, what string, id uuid.UUID, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if code, _ := pqCode(err); code == pqCheckViolation {
			r.logger.Error("Account update rejected by constraint", "account_id", id, "field", what, "error", err)
			return errors.ErrInsufficientFunds
		}
		r.logger.Error("Failed to update account", "account_id", id, "field", what, "error", err)
		return errors.Internal("failed to update account "+what, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Internal("failed to get rows affected", err)
	}

	if rowsAffected == 0 {
		r.logger.Warn("No account found to update", "account_id", id)
		return errors.ErrAccountNotFound
	}
	return nil
}
