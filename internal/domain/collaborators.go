package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementHook is notified after a transaction reaches a terminal state
// and its unit of work has committed.
type SettlementHook interface {
	OnTransactionSettled(ctx context.Context, accountID uuid.UUID, reference string, outcome TransactionStatus) error
}

// PaymentGateway settles money arriving from card or bank rails. Any
// non-nil error means the payment was not settled. requestID is stable
// across retries of the same ledger request so the gateway can deduplicate.
type PaymentGateway interface {
	SettlePayment(ctx context.Context, requestID string, amount decimal.Decimal, method PaymentMethod) error
}

// Biller pays an external bill on the customer's behalf. requestID follows
// the same rule as for PaymentGateway.
type Biller interface {
	PayBill(ctx context.Context, requestID string, bill BillType, billerReference string, amount decimal.Decimal) error
}
