package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Beneficiary is an account a wallet has sent money to or saved for later,
// with running totals of completed transfers.
type Beneficiary struct {
	AccountID            uuid.UUID       `json:"account_id"`
	BeneficiaryAccountID uuid.UUID       `json:"beneficiary_account_id"`
	Nickname             string          `json:"nickname,omitempty"`
	IsFavorite           bool            `json:"is_favorite"`
	TotalSent            decimal.Decimal `json:"total_sent"`
	TransactionCount     int             `json:"transaction_count"`
	CreatedAt            time.Time       `json:"created_at"`
	LastTransactionAt    *time.Time      `json:"last_transaction_at,omitempty"`
}

func NewBeneficiary(accountID, beneficiaryID uuid.UUID, now time.Time) *Beneficiary {
	return &Beneficiary{
		AccountID:            accountID,
		BeneficiaryAccountID: beneficiaryID,
		TotalSent:            decimal.Zero,
		CreatedAt:            now,
	}
}

// AddTransfer folds one completed transfer into the totals.
func (b *Beneficiary) AddTransfer(amount decimal.Decimal, at time.Time) {
	b.TotalSent = b.TotalSent.Add(amount)
	b.TransactionCount++
	if b.LastTransactionAt == nil || at.After(*b.LastTransactionAt) {
		t := at
		b.LastTransactionAt = &t
	}
}

type BeneficiaryRepository interface {
	// RecordTransfer adds a completed transfer to the totals for the pair,
	// creating the entry on first use.
	RecordTransfer(ctx context.Context, accountID, beneficiaryID uuid.UUID, amount decimal.Decimal, at time.Time) error
	// SaveBeneficiary creates the entry or updates its nickname and
	// favorite flag. Totals are left as stored.
	SaveBeneficiary(ctx context.Context, b *Beneficiary) error
	// GetBeneficiary returns nil when the pair has no entry.
	GetBeneficiary(ctx context.Context, accountID, beneficiaryID uuid.UUID) (*Beneficiary, error)
	// ListBeneficiaries orders by most recent transfer, entries with no
	// transfer last, then newest first.
	ListBeneficiaries(ctx context.Context, accountID uuid.UUID, favoritesOnly bool) ([]*Beneficiary, error)
}
