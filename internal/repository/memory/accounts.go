package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type accountRepository struct {
	s *Store
}

func copyAccount(a *domain.Account) *domain.Account {
	cp := *a
	if a.PinLockedUntil != nil {
		t := *a.PinLockedUntil
		cp.PinLockedUntil = &t
	}
	return &cp
}

func (r *accountRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	s := r.s
	if s.uow == nil {
		return s.WithTransaction(ctx, func(tx domain.Store) error {
			return tx.Accounts().CreateAccount(ctx, account)
		})
	}

	s.st.mu.RLock()
	_, idTaken := s.st.accounts[account.ID]
	_, ownerTaken := s.st.owners[account.OwnerID]
	s.st.mu.RUnlock()
	if idTaken || ownerTaken {
		s.logger.Warn("Duplicate account creation attempt", "account_id", account.ID, "owner_id", account.OwnerID)
		return errors.ErrDuplicateAccount
	}
	for _, id := range s.uow.created {
		if s.uow.accounts[id].OwnerID == account.OwnerID {
			return errors.ErrDuplicateAccount
		}
	}

	if err := s.acquire(ctx, account.ID, false); err != nil {
		return err
	}
	s.uow.accounts[account.ID] = copyAccount(account)
	s.uow.created = append(s.uow.created, account.ID)
	s.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

// current returns the account as seen by this store, without copying.
func (s *Store) current(id uuid.UUID) (*domain.Account, bool) {
	if s.uow != nil {
		if acc, ok := s.uow.accounts[id]; ok {
			return acc, true
		}
	}
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	acc, ok := s.st.accounts[id]
	return acc, ok
}

func (r *accountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acc, ok := r.s.current(id)
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return copyAccount(acc), nil
}

func (r *accountRepository) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	s := r.s
	if s.uow != nil {
		for _, id := range s.uow.created {
			if acc := s.uow.accounts[id]; acc.OwnerID == ownerID {
				return copyAccount(acc), nil
			}
		}
	}
	s.st.mu.RLock()
	id, ok := s.st.owners[ownerID]
	s.st.mu.RUnlock()
	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	return r.GetAccount(ctx, id)
}

func (r *accountRepository) LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	s := r.s
	if err := s.requireUnitOfWork("LockAccounts"); err != nil {
		return nil, err
	}

	ordered := append([]uuid.UUID(nil), ids...)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].String() < ordered[j].String()
	})

	locked := make(map[uuid.UUID]*domain.Account, len(ordered))
	for _, id := range ordered {
		if _, done := locked[id]; done {
			continue
		}
		if _, ok := s.current(id); !ok {
			return nil, errors.ErrAccountNotFound
		}
		if err := s.acquire(ctx, id, true); err != nil {
			return nil, err
		}
		acc, _ := s.current(id)
		locked[id] = copyAccount(acc)
	}
	return locked, nil
}

func (r *accountRepository) TryLockAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	s := r.s
	if err := s.requireUnitOfWork("TryLockAccount"); err != nil {
		return nil, err
	}
	if _, ok := s.current(id); !ok {
		return nil, errors.ErrAccountNotFound
	}
	if err := s.acquire(ctx, id, false); err != nil {
		return nil, err
	}
	acc, _ := s.current(id)
	return copyAccount(acc), nil
}

// mutate applies fn to this unit of work's copy of the account, taking the
// row lock first as an UPDATE would.
func (r *accountRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*domain.Account) error) error {
	s := r.s
	if s.uow == nil {
		return s.WithTransaction(ctx, func(tx domain.Store) error {
			return tx.(*Store).Accounts().(*accountRepository).mutate(ctx, id, fn)
		})
	}

	if _, ok := s.current(id); !ok {
		return errors.ErrAccountNotFound
	}
	if err := s.acquire(ctx, id, true); err != nil {
		return err
	}
	acc, ok := s.uow.accounts[id]
	if !ok {
		shared, _ := s.current(id)
		acc = copyAccount(shared)
	}
	if err := fn(acc); err != nil {
		return err
	}
	acc.UpdatedAt = time.Now().UTC()
	s.uow.accounts[id] = acc
	return nil
}

func (r *accountRepository) UpdateAccountBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error {
	return r.mutate(ctx, id, func(acc *domain.Account) error {
		if newBalance.IsNegative() {
			return errors.ErrInsufficientFunds
		}
		acc.Balance = newBalance
		return nil
	})
}

func (r *accountRepository) UpdateAccountFlags(ctx context.Context, id uuid.UUID, isActive, isFrozen bool) error {
	return r.mutate(ctx, id, func(acc *domain.Account) error {
		acc.IsActive = isActive
		acc.IsFrozen = isFrozen
		return nil
	})
}

func (r *accountRepository) UpdatePinState(ctx context.Context, id uuid.UUID, state domain.PinState) error {
	return r.mutate(ctx, id, func(acc *domain.Account) error {
		acc.PinHash = state.Hash
		acc.PinFailedAttempts = state.FailedAttempts
		acc.PinLockedUntil = nil
		if state.LockedUntil != nil {
			t := *state.LockedUntil
			acc.PinLockedUntil = &t
		}
		return nil
	})
}

func (r *accountRepository) UpdateBoundDevice(ctx context.Context, id uuid.UUID, deviceID string) error {
	return r.mutate(ctx, id, func(acc *domain.Account) error {
		acc.BoundDeviceID = deviceID
		return nil
	})
}

func (r *accountRepository) LogDeviceChange(ctx context.Context, change *domain.DeviceChange) error {
	s := r.s
	if s.uow == nil {
		s.st.mu.Lock()
		s.st.deviceLog = append(s.st.deviceLog, *change)
		s.st.mu.Unlock()
		return nil
	}
	s.uow.deviceLog = append(s.uow.deviceLog, *change)
	return nil
}
