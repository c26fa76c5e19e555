package service

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

// TransactionService serves the read side of the transaction log. Reads are
// snapshot reads and never take account locks.
type TransactionService struct {
	store  domain.Store
	cfg    config.LedgerConfig
	logger *slog.Logger
}

func NewTransactionService(store domain.Store, cfg config.LedgerConfig, logger *slog.Logger) *TransactionService {
	return &TransactionService{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// GetTransaction returns reference only when it belongs to accountID.
func (s *TransactionService) GetTransaction(ctx context.Context, accountID uuid.UUID, reference string) (*domain.Transaction, error) {
	if !domain.ValidReference(reference) {
		return nil, errors.ErrTransactionNotFound
	}
	txn, err := s.store.Transactions().GetTransaction(ctx, reference)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != accountID {
		return nil, errors.ErrTransactionNotFound
	}
	return txn, nil
}

// History pages through filter newest first by (created_at, reference).
// A cursor selects keyset pagination; otherwise page numbers are used.
func (s *TransactionService) History(ctx context.Context, filter domain.HistoryFilter, req domain.PageRequest) (*domain.HistoryPage, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	size, err := s.pageSize(req.PageSize)
	if err != nil {
		return nil, err
	}

	total, err := s.store.Transactions().CountTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}

	page := &domain.HistoryPage{Total: total, PageSize: size}
	if req.Cursor != "" {
		cursor, err := domain.DecodeCursor(req.Cursor)
		if err != nil {
			return nil, err
		}
		if err := s.keysetPage(ctx, filter, cursor, size, page); err != nil {
			return nil, err
		}
		return page, nil
	}

	number := req.Page
	if number == 0 {
		number = 1
	}
	if number < 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "page must be positive")
	}
	offset := (number - 1) * size

	items, err := s.store.Transactions().ListTransactions(ctx, filter, domain.PageWindow{Limit: size, Offset: offset})
	if err != nil {
		return nil, err
	}
	page.Items = items
	page.Page = number
	if len(items) > 0 {
		if offset+len(items) < total {
			page.NextCursor = cursorAt(items[len(items)-1], domain.CursorNext)
		}
		if number > 1 {
			page.PreviousCursor = cursorAt(items[0], domain.CursorPrevious)
		}
	}
	return page, nil
}

func (s *TransactionService) keysetPage(ctx context.Context, filter domain.HistoryFilter, cursor *domain.Cursor, size int, page *domain.HistoryPage) error {
	pos := cursor.Position()
	window := domain.PageWindow{Limit: size + 1}
	if cursor.Direction == domain.CursorNext {
		window.OlderThan = &pos
	} else {
		window.NewerThan = &pos
	}

	items, err := s.store.Transactions().ListTransactions(ctx, filter, window)
	if err != nil {
		return err
	}

	more := len(items) > size
	if cursor.Direction == domain.CursorNext {
		if more {
			items = items[:size]
		}
		page.Items = items
		if len(items) > 0 {
			page.PreviousCursor = cursorAt(items[0], domain.CursorPrevious)
			if more {
				page.NextCursor = cursorAt(items[len(items)-1], domain.CursorNext)
			}
		}
		return nil
	}

	// the surplus row of a backwards page is the newest one
	if more {
		items = items[1:]
	}
	page.Items = items
	if len(items) > 0 {
		page.NextCursor = cursorAt(items[len(items)-1], domain.CursorNext)
		if more {
			page.PreviousCursor = cursorAt(items[0], domain.CursorPrevious)
		}
	}
	return nil
}

func (s *TransactionService) pageSize(requested int) (int, error) {
	switch {
	case requested == 0:
		return s.cfg.DefaultPageSize, nil
	case requested < 0:
		return 0, errors.NewAppError(errors.InvalidInput, "page_size must be positive")
	case requested > s.cfg.MaxPageSize:
		return s.cfg.MaxPageSize, nil
	}
	return requested, nil
}

func cursorAt(txn *domain.Transaction, dir domain.CursorDirection) string {
	return domain.Cursor{CreatedAt: txn.CreatedAt, Reference: txn.Reference, Direction: dir}.Encode()
}
