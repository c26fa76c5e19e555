package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/errors"
)

type TransactionType string

const (
	Credit TransactionType = "credit"
	Debit  TransactionType = "debit"
)

func (t TransactionType) Valid() bool {
	return t == Credit || t == Debit
}

type TransactionKind string

const (
	KindTransfer    TransactionKind = "transfer"
	KindTopUp       TransactionKind = "top_up"
	KindBillPayment TransactionKind = "bill_payment"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindTransfer, KindTopUp, KindBillPayment:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Transaction is one ledger row, owned by AccountID. A transfer produces two
// rows sharing TransferGroupID.
type Transaction struct {
	Reference            string            `json:"reference"`
	AccountID            uuid.UUID         `json:"account_id"`
	Type                 TransactionType   `json:"type"`
	Kind                 TransactionKind   `json:"kind"`
	Status               TransactionStatus `json:"status"`
	Amount               decimal.Decimal   `json:"amount"`
	Currency             string            `json:"currency"`
	SourceAccountID      *uuid.UUID        `json:"source_account_id,omitempty"`
	DestinationAccountID *uuid.UUID        `json:"destination_account_id,omitempty"`
	TransferGroupID      *uuid.UUID        `json:"transfer_group_id,omitempty"`
	Counterparty         string            `json:"counterparty,omitempty"`
	BalanceBefore        decimal.Decimal   `json:"balance_before"`
	BalanceAfter         decimal.Decimal   `json:"balance_after"`
	Narration            string            `json:"narration"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	FailureCode          string            `json:"failure_code,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	SettledAt            *time.Time        `json:"settled_at,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Complete moves a pending row to completed.
func (t *Transaction) Complete(at time.Time, balanceAfter decimal.Decimal) error {
	if t.Status != StatusPending {
		return errors.ErrInvalidStateChange.WithDetails(t.Reference)
	}
	t.Status = StatusCompleted
	t.BalanceAfter = balanceAfter
	t.SettledAt = &at
	t.UpdatedAt = at
	return nil
}

// Fail moves a pending row to failed; the balance is left untouched.
func (t *Transaction) Fail(at time.Time, code errors.ErrorCode) error {
	if t.Status != StatusPending {
		return errors.ErrInvalidStateChange.WithDetails(t.Reference)
	}
	t.Status = StatusFailed
	t.FailureCode = string(code)
	t.BalanceAfter = t.BalanceBefore
	t.SettledAt = &at
	t.UpdatedAt = at
	return nil
}

// SignedAmount is positive for credits and negative for debits.
func (t *Transaction) SignedAmount() decimal.Decimal {
	if t.Type == Debit {
		return t.Amount.Neg()
	}
	return t.Amount
}

type TransactionRepository interface {
	// CreateTransaction inserts a pending row. A reference collision returns
	// ErrDuplicateReference without aborting the surrounding unit of work.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	// SettleTransaction persists the terminal state of a pending row.
	SettleTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, reference string) (*Transaction, error)
	GetTransactionsByGroup(ctx context.Context, groupID uuid.UUID) ([]*Transaction, error)
	// ListTransactions returns rows newest first by (created_at, reference).
	ListTransactions(ctx context.Context, filter HistoryFilter, window PageWindow) ([]*Transaction, error)
	CountTransactions(ctx context.Context, filter HistoryFilter) (int, error)
	// ListSettled returns completed rows for accountID with from <= created_at < to.
	ListSettled(ctx context.Context, accountID uuid.UUID, from, to time.Time) ([]*Transaction, error)
}
