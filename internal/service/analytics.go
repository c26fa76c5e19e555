package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

// Summarize folds completed rows into per-day totals. Every day of rng is
// present, zero-filled when idle; rows outside rng and non-completed rows
// are ignored.
func Summarize(txns []*domain.Transaction, rng domain.DateRange) *domain.Summary {
	days := rng.Days()
	perDay := make([]domain.DailySummary, days)
	for i := range perDay {
		perDay[i] = domain.DailySummary{
			Date:         rng.From.AddDate(0, 0, i).Format(domain.DateLayout),
			CreditsTotal: decimal.Zero,
			DebitsTotal:  decimal.Zero,
		}
	}

	totals := domain.SummaryTotals{Credits: decimal.Zero, Debits: decimal.Zero}
	end := rng.End()
	for _, t := range txns {
		if t.Status != domain.StatusCompleted {
			continue
		}
		at := t.CreatedAt.UTC()
		if at.Before(rng.From) || !at.Before(end) {
			continue
		}
		day := &perDay[int(at.Sub(rng.From)/(24*time.Hour))]
		day.Count++
		totals.Count++

		if t.Type == domain.Credit {
			day.CreditsTotal = day.CreditsTotal.Add(t.Amount)
			totals.Credits = totals.Credits.Add(t.Amount)
		} else {
			day.DebitsTotal = day.DebitsTotal.Add(t.Amount)
			totals.Debits = totals.Debits.Add(t.Amount)
		}

		switch t.Kind {
		case domain.KindTransfer:
			if t.Type == domain.Debit {
				day.TransfersSent++
			} else {
				day.TransfersReceived++
			}
		case domain.KindBillPayment:
			day.BillPayments++
		case domain.KindTopUp:
			day.TopUps++
		}
	}
	totals.Net = totals.Credits.Sub(totals.Debits)

	return &domain.Summary{
		From:   rng.From.Format(domain.DateLayout),
		To:     rng.To.Format(domain.DateLayout),
		PerDay: perDay,
		Totals: totals,
	}
}

// Aggregator reads completed rows and summarizes them. It holds no state and
// takes no locks.
type Aggregator struct {
	store   domain.Store
	maxDays int
	logger  *slog.Logger
	now     func() time.Time
}

func NewAggregator(store domain.Store, maxDays int, logger *slog.Logger) *Aggregator {
	return &Aggregator{store: store, maxDays: maxDays, logger: logger, now: time.Now}
}

func (a *Aggregator) Summarize(ctx context.Context, accountID uuid.UUID, rng domain.DateRange) (*domain.Summary, error) {
	if accountID == uuid.Nil {
		return nil, errors.ErrInvalidAccountID
	}
	if rng.Days() > a.maxDays {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "date range exceeds %d days", a.maxDays)
	}

	txns, err := a.store.Transactions().ListSettled(ctx, accountID, rng.From, rng.End())
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Summarizing transactions", "account_id", accountID, "rows", len(txns),
		"from", rng.From.Format(domain.DateLayout), "to", rng.To.Format(domain.DateLayout))
	return Summarize(txns, rng), nil
}

// Last summarizes the given number of days ending today (UTC).
func (a *Aggregator) Last(ctx context.Context, accountID uuid.UUID, days int) (*domain.Summary, error) {
	if days <= 0 {
		return nil, errors.NewAppError(errors.InvalidInput, "days must be positive")
	}
	today := a.now().UTC()
	rng, err := domain.NewDateRange(today.AddDate(0, 0, -(days - 1)), today)
	if err != nil {
		return nil, err
	}
	return a.Summarize(ctx, accountID, rng)
}
