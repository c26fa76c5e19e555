package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
)

type payeeKey struct {
	account, beneficiary uuid.UUID
}

type beneficiaryRepository struct {
	s *Store
}

// current returns a private copy of the entry as this store sees it,
// staged writes first.
func (r *beneficiaryRepository) current(k payeeKey) *domain.Beneficiary {
	if r.s.uow != nil {
		if b, ok := r.s.uow.payees[k]; ok {
			cp := *b
			return &cp
		}
	}
	st := r.s.st
	st.mu.RLock()
	defer st.mu.RUnlock()
	if b, ok := st.payees[k]; ok {
		cp := *b
		return &cp
	}
	return nil
}

func (r *beneficiaryRepository) put(k payeeKey, b *domain.Beneficiary) {
	if r.s.uow != nil {
		r.s.uow.payees[k] = b
		return
	}
	st := r.s.st
	st.mu.Lock()
	st.payees[k] = b
	st.mu.Unlock()
}

func (r *beneficiaryRepository) RecordTransfer(ctx context.Context, accountID, beneficiaryID uuid.UUID, amount decimal.Decimal, at time.Time) error {
	if err := r.s.requireUnitOfWork("recording a beneficiary transfer"); err != nil {
		return err
	}
	k := payeeKey{accountID, beneficiaryID}
	b := r.current(k)
	if b == nil {
		b = domain.NewBeneficiary(accountID, beneficiaryID, at)
	}
	b.AddTransfer(amount, at)
	r.put(k, b)
	return nil
}

func (r *beneficiaryRepository) SaveBeneficiary(ctx context.Context, in *domain.Beneficiary) error {
	k := payeeKey{in.AccountID, in.BeneficiaryAccountID}
	b := r.current(k)
	if b == nil {
		cp := *in
		b = &cp
	} else {
		b.Nickname = in.Nickname
		b.IsFavorite = in.IsFavorite
	}
	r.put(k, b)
	return nil
}

func (r *beneficiaryRepository) GetBeneficiary(ctx context.Context, accountID, beneficiaryID uuid.UUID) (*domain.Beneficiary, error) {
	return r.current(payeeKey{accountID, beneficiaryID}), nil
}

func (r *beneficiaryRepository) ListBeneficiaries(ctx context.Context, accountID uuid.UUID, favoritesOnly bool) ([]*domain.Beneficiary, error) {
	st := r.s.st
	st.mu.RLock()
	var keys []payeeKey
	for k := range st.payees {
		if k.account == accountID {
			keys = append(keys, k)
		}
	}
	st.mu.RUnlock()
	if r.s.uow != nil {
		for k := range r.s.uow.payees {
			if k.account == accountID {
				keys = append(keys, k)
			}
		}
	}

	seen := make(map[payeeKey]bool, len(keys))
	out := make([]*domain.Beneficiary, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		b := r.current(k)
		if b == nil || (favoritesOnly && !b.IsFavorite) {
			continue
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastTransactionAt, out[j].LastTransactionAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case (a == nil) != (b == nil):
			return a != nil
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].BeneficiaryAccountID.String() < out[j].BeneficiaryAccountID.String()
	})
	return out, nil
}
