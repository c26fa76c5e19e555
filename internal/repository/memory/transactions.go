package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type transactionRepository struct {
	s *Store
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	cp := *t
	if t.Metadata != nil {
		cp.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	if t.SettledAt != nil {
		at := *t.SettledAt
		cp.SettledAt = &at
	}
	return &cp
}

func (r *transactionRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s := r.s
	if s.uow == nil {
		return s.WithTransaction(ctx, func(inner domain.Store) error {
			return inner.Transactions().CreateTransaction(ctx, tx)
		})
	}

	s.st.mu.RLock()
	_, exists := s.st.txns[tx.Reference]
	s.st.mu.RUnlock()
	if _, staged := s.uow.txns[tx.Reference]; exists || staged {
		s.logger.Warn("Transaction reference collision", "reference", tx.Reference)
		return errors.ErrDuplicateReference
	}

	s.uow.txns[tx.Reference] = copyTransaction(tx)
	s.uow.txnOrder = append(s.uow.txnOrder, tx.Reference)
	return nil
}

func (r *transactionRepository) SettleTransaction(ctx context.Context, tx *domain.Transaction) error {
	s := r.s
	if s.uow == nil {
		return errors.ErrInvalidStateChange.WithDetails(tx.Reference)
	}
	staged, ok := s.uow.txns[tx.Reference]
	if !ok || staged.Status != domain.StatusPending {
		return errors.ErrInvalidStateChange.WithDetails(tx.Reference)
	}
	staged.Status = tx.Status
	staged.BalanceAfter = tx.BalanceAfter
	staged.FailureCode = tx.FailureCode
	staged.Metadata = copyTransaction(tx).Metadata
	if tx.SettledAt != nil {
		at := *tx.SettledAt
		staged.SettledAt = &at
	}
	staged.UpdatedAt = tx.UpdatedAt
	s.logger.Info("Transaction settled", "reference", tx.Reference, "status", tx.Status)
	return nil
}

// visible returns every row this store can see, unordered.
func (s *Store) visible(match func(*domain.Transaction) bool) []*domain.Transaction {
	var out []*domain.Transaction
	s.st.mu.RLock()
	for _, t := range s.st.txns {
		if match(t) {
			out = append(out, copyTransaction(t))
		}
	}
	s.st.mu.RUnlock()
	if s.uow != nil {
		for _, ref := range s.uow.txnOrder {
			if t := s.uow.txns[ref]; match(t) {
				out = append(out, copyTransaction(t))
			}
		}
	}
	return out
}

func (r *transactionRepository) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	rows := r.s.visible(func(t *domain.Transaction) bool { return t.Reference == reference })
	if len(rows) == 0 {
		return nil, errors.ErrTransactionNotFound
	}
	return rows[0], nil
}

func (r *transactionRepository) GetTransactionsByGroup(ctx context.Context, groupID uuid.UUID) ([]*domain.Transaction, error) {
	rows := r.s.visible(func(t *domain.Transaction) bool {
		return t.TransferGroupID != nil && *t.TransferGroupID == groupID
	})
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Type > rows[j].Type
	})
	return rows, nil
}

func newestFirst(rows []*domain.Transaction) {
	sort.Slice(rows, func(i, j int) bool {
		return domain.PositionOf(rows[j]).Before(domain.PositionOf(rows[i]))
	})
}

func (r *transactionRepository) ListTransactions(ctx context.Context, filter domain.HistoryFilter, window domain.PageWindow) ([]*domain.Transaction, error) {
	rows := r.s.visible(filter.Matches)
	newestFirst(rows)

	switch {
	case window.OlderThan != nil:
		bound := *window.OlderThan
		kept := rows[:0]
		for _, t := range rows {
			if domain.PositionOf(t).Before(bound) {
				kept = append(kept, t)
			}
		}
		rows = kept
	case window.NewerThan != nil:
		bound := *window.NewerThan
		var newer []*domain.Transaction
		for _, t := range rows {
			if bound.Before(domain.PositionOf(t)) {
				newer = append(newer, t)
			}
		}
		// the rows immediately newer than the bound sit at the tail
		start := len(newer) - window.Offset - window.Limit
		end := len(newer) - window.Offset
		if end < 0 {
			end = 0
		}
		if start < 0 {
			start = 0
		}
		return newer[start:end], nil
	}

	if window.Offset >= len(rows) {
		return []*domain.Transaction{}, nil
	}
	rows = rows[window.Offset:]
	if window.Limit > 0 && len(rows) > window.Limit {
		rows = rows[:window.Limit]
	}
	return rows, nil
}

func (r *transactionRepository) CountTransactions(ctx context.Context, filter domain.HistoryFilter) (int, error) {
	return len(r.s.visible(filter.Matches)), nil
}

func (r *transactionRepository) ListSettled(ctx context.Context, accountID uuid.UUID, from, to time.Time) ([]*domain.Transaction, error) {
	rows := r.s.visible(func(t *domain.Transaction) bool {
		return t.AccountID == accountID &&
			t.Status == domain.StatusCompleted &&
			!t.CreatedAt.Before(from) &&
			t.CreatedAt.Before(to)
	})
	sort.Slice(rows, func(i, j int) bool {
		return domain.PositionOf(rows[i]).Before(domain.PositionOf(rows[j]))
	})
	return rows, nil
}
