package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

// Store provides a unified interface for all repository operations with transaction support
type Store struct {
	db          DB
	executor    SQLExecutor
	inTx        bool
	lockTimeout time.Duration
	logger      *slog.Logger
}

var _ domain.Store = (*Store)(nil)

// NewStore creates a new Store instance. lockTimeout bounds every row lock
// wait inside a unit of work.
func NewStore(db *sql.DB, lockTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		db:          db,
		executor:    db,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// Accounts returns an AccountRepository using the current executor
func (s *Store) Accounts() domain.AccountRepository {
	return NewAccountRepository(s.executor, s.logger)
}

// Transactions returns a TransactionRepository using the current executor
func (s *Store) Transactions() domain.TransactionRepository {
	return NewTransactionRepository(s.executor, s.logger)
}

func (s *Store) Idempotency() domain.IdempotencyRepository {
	return NewIdempotencyRepository(s.executor, s.logger)
}

func (s *Store) Beneficiaries() domain.BeneficiaryRepository {
	return NewBeneficiaryRepository(s.executor, s.logger)
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.ErrCannotBeginTransaction
	}
	return s.db.PingContext(ctx)
}

// WithTransaction executes a function within a database transaction
func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if s.db == nil {
		return errors.ErrCannotBeginTransaction
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", "error", err)
		return errors.Internal("failed to begin transaction", err)
	}

	if s.lockTimeout > 0 {
		// SET does not accept bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return errors.Internal("failed to set lock timeout", err)
		}
	}

	txStore := &Store{
		db:          s.db,
		executor:    &TxWrapper{Tx: tx},
		inTx:        true,
		lockTimeout: s.lockTimeout,
		logger:      s.logger,
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("Rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if appErr := lockError(err); appErr != nil {
			return appErr
		}
		s.logger.Error("Failed to commit transaction", "error", err)
		return errors.Internal("failed to commit transaction", err)
	}
	return nil
}
