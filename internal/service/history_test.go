package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/logging"
)

func references(items []*domain.Transaction) []string {
	refs := make([]string, len(items))
	for i, item := range items {
		refs[i] = item.Reference
	}
	return refs
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.wallet(t, "alice", 0)
	for i := 1; i <= 5; i++ {
		f.topUp(t, alice, int64(i))
	}
	filter := domain.HistoryFilter{AccountID: alice.ID}
	all := references(f.rows(t, alice))
	require.Len(t, all, 5)

	first, err := f.history.History(ctx, filter, domain.PageRequest{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, all[:2], references(first.Items))
	assert.Empty(t, first.PreviousCursor)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.history.History(ctx, filter, domain.PageRequest{PageSize: 2, Cursor: first.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, all[2:4], references(second.Items))
	require.NotEmpty(t, second.NextCursor)
	require.NotEmpty(t, second.PreviousCursor)

	third, err := f.history.History(ctx, filter, domain.PageRequest{PageSize: 2, Cursor: second.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, all[4:], references(third.Items))
	assert.Empty(t, third.NextCursor)

	back, err := f.history.History(ctx, filter, domain.PageRequest{PageSize: 2, Cursor: second.PreviousCursor})
	require.NoError(t, err)
	assert.Equal(t, all[:2], references(back.Items))
	assert.Empty(t, back.PreviousCursor)

	byNumber, err := f.history.History(ctx, filter, domain.PageRequest{PageSize: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, all[2:4], references(byNumber.Items))
	assert.Equal(t, 2, byNumber.Page)

	_, err = f.history.History(ctx, filter, domain.PageRequest{Cursor: "not-a-cursor"})
	assert.Error(t, err)
	_, err = f.history.History(ctx, filter, domain.PageRequest{PageSize: -1})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestHistoryPageSizeIsCapped(t *testing.T) {
	f := newFixture(t)
	alice := f.wallet(t, "alice", 10)
	page, err := f.history.History(context.Background(), domain.HistoryFilter{AccountID: alice.ID},
		domain.PageRequest{PageSize: f.cfg.Ledger.MaxPageSize + 50})
	require.NoError(t, err)
	assert.Equal(t, f.cfg.Ledger.MaxPageSize, page.PageSize)
}

func TestHistoryFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.wallet(t, "alice", 100)
	bob := f.wallet(t, "bob", 0)

	_, err := f.engine.Transfer(ctx, f.transferOp(alice, bob, 30))
	require.NoError(t, err)
	_, err = f.engine.Transfer(ctx, f.transferOp(alice, bob, 500))
	require.Error(t, err)

	debits, err := f.history.History(ctx, domain.HistoryFilter{AccountID: alice.ID, Type: domain.Debit}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, debits.Total)

	failed, err := f.history.History(ctx, domain.HistoryFilter{AccountID: alice.ID, Status: domain.StatusFailed}, domain.PageRequest{})
	require.NoError(t, err)
	require.Equal(t, 1, failed.Total)
	assert.True(t, failed.Items[0].Amount.Equal(decimal.NewFromInt(500)))

	topUps, err := f.history.History(ctx, domain.HistoryFilter{AccountID: alice.ID, Kind: domain.KindTopUp}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, topUps.Total)

	future := time.Now().Add(time.Hour)
	none, err := f.history.History(ctx, domain.HistoryFilter{AccountID: alice.ID, From: &future}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Zero(t, none.Total)

	_, err = f.history.History(ctx, domain.HistoryFilter{AccountID: alice.ID, Type: "refund"}, domain.PageRequest{})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestGetTransactionIsScopedToAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.wallet(t, "alice", 100)
	bob := f.wallet(t, "bob", 0)

	res, err := f.engine.Transfer(ctx, f.transferOp(alice, bob, 30))
	require.NoError(t, err)

	got, err := f.history.GetTransaction(ctx, alice.ID, res.Transaction.Reference)
	require.NoError(t, err)
	assert.Equal(t, res.Transaction.Reference, got.Reference)

	_, err = f.history.GetTransaction(ctx, bob.ID, res.Transaction.Reference)
	assert.ErrorIs(t, err, errors.ErrTransactionNotFound)
	_, err = f.history.GetTransaction(ctx, alice.ID, "garbage")
	assert.ErrorIs(t, err, errors.ErrTransactionNotFound)
}

func TestSummarizeZeroFillsRange(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rng, err := domain.NewDateRange(from, from.AddDate(0, 0, 6))
	require.NoError(t, err)

	row := func(day int, typ domain.TransactionType, kind domain.TransactionKind, status domain.TransactionStatus, amount int64) *domain.Transaction {
		return &domain.Transaction{
			AccountID: uuid.New(),
			Type:      typ,
			Kind:      kind,
			Status:    status,
			Amount:    decimal.NewFromInt(amount),
			CreatedAt: from.AddDate(0, 0, day).Add(9 * time.Hour),
		}
	}
	txns := []*domain.Transaction{
		row(0, domain.Credit, domain.KindTopUp, domain.StatusCompleted, 100),
		row(0, domain.Debit, domain.KindTransfer, domain.StatusCompleted, 30),
		row(2, domain.Debit, domain.KindBillPayment, domain.StatusCompleted, 20),
		row(2, domain.Debit, domain.KindBillPayment, domain.StatusFailed, 999),
		row(6, domain.Credit, domain.KindTransfer, domain.StatusCompleted, 5),
		row(7, domain.Credit, domain.KindTopUp, domain.StatusCompleted, 1000),
	}

	summary := Summarize(txns, rng)
	require.Len(t, summary.PerDay, 7)
	assert.Equal(t, "2026-03-01", summary.PerDay[0].Date)
	assert.Equal(t, "2026-03-07", summary.PerDay[6].Date)

	assert.Equal(t, 2, summary.PerDay[0].Count)
	assert.Equal(t, 1, summary.PerDay[0].TopUps)
	assert.Equal(t, 1, summary.PerDay[0].TransfersSent)
	assert.Zero(t, summary.PerDay[1].Count)
	assert.True(t, summary.PerDay[1].CreditsTotal.IsZero())
	assert.Equal(t, 1, summary.PerDay[2].BillPayments)
	assert.True(t, summary.PerDay[2].DebitsTotal.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 1, summary.PerDay[6].TransfersReceived)

	assert.Equal(t, 4, summary.Totals.Count)
	assert.True(t, summary.Totals.Credits.Equal(decimal.NewFromInt(105)))
	assert.True(t, summary.Totals.Debits.Equal(decimal.NewFromInt(50)))
	assert.True(t, summary.Totals.Net.Equal(decimal.NewFromInt(55)))
}

func TestAggregatorLast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.wallet(t, "alice", 100)
	bob := f.wallet(t, "bob", 0)
	_, err := f.engine.Transfer(ctx, f.transferOp(alice, bob, 40))
	require.NoError(t, err)

	agg := NewAggregator(f.store, f.cfg.Ledger.MaxSummaryDays, logging.Discard())
	summary, err := agg.Last(ctx, alice.ID, 7)
	require.NoError(t, err)
	require.Len(t, summary.PerDay, 7)
	today := summary.PerDay[6]
	assert.Equal(t, time.Now().UTC().Format(domain.DateLayout), today.Date)
	assert.True(t, today.CreditsTotal.Equal(decimal.NewFromInt(100)))
	assert.True(t, today.DebitsTotal.Equal(decimal.NewFromInt(40)))
	assert.True(t, summary.Totals.Net.Equal(decimal.NewFromInt(60)))

	_, err = agg.Last(ctx, alice.ID, f.cfg.Ledger.MaxSummaryDays+1)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	_, err = agg.Last(ctx, alice.ID, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}
