package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type AccountService struct {
	store  domain.Store
	cfg    config.LedgerConfig
	hook   domain.SettlementHook
	logger *slog.Logger
	now    func() time.Time
}

func NewAccountService(store domain.Store, cfg config.LedgerConfig, hook domain.SettlementHook, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:  store,
		cfg:    cfg,
		hook:   hook,
		logger: logger,
		now:    time.Now,
	}
}

// OpenAccount creates the owner's single wallet. When an opening bonus is
// configured the bonus credit commits in the same unit of work.
func (s *AccountService) OpenAccount(ctx context.Context, ownerID, currency string) (*domain.Account, error) {
	ownerID = strings.TrimSpace(ownerID)
	s.logger.Info("Opening account", "owner_id", ownerID, "currency", currency)

	now := s.now().UTC().Truncate(time.Microsecond)
	account, err := domain.NewAccount(ownerID, strings.ToUpper(strings.TrimSpace(currency)), now)
	if err != nil {
		return nil, err
	}

	var bonus *domain.Transaction
	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Accounts().CreateAccount(ctx, account); err != nil {
			return err
		}
		if !s.cfg.OpeningBonus.IsPositive() {
			return nil
		}

		bonus = newRow(account, domain.Credit, domain.KindTopUp, s.cfg.OpeningBonus, "Welcome bonus", "", now)
		bonus.DestinationAccountID = &account.ID
		bonus.Counterparty = string(domain.MethodBonus)
		bonus.Metadata = map[string]string{"payment_method": string(domain.MethodBonus)}
		if err := insertRow(ctx, tx, bonus); err != nil {
			return err
		}
		after := account.Balance.Add(s.cfg.OpeningBonus)
		if err := tx.Accounts().UpdateAccountBalance(ctx, account.ID, after); err != nil {
			return err
		}
		if err := settle(ctx, tx, bonus, bonus.Complete(now, after)); err != nil {
			return err
		}
		account.Balance = after
		return nil
	})
	if err != nil {
		return nil, err
	}

	if bonus != nil && s.hook != nil {
		if err := s.hook.OnTransactionSettled(ctx, account.ID, bonus.Reference, bonus.Status); err != nil {
			s.logger.Warn("Settlement hook failed", "reference", bonus.Reference, "error", err)
		}
	}

	s.logger.Info("Account opened", "account_id", account.ID, "owner_id", ownerID)
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if id == uuid.Nil {
		return nil, errors.ErrInvalidAccountID
	}
	return s.store.Accounts().GetAccount(ctx, id)
}

func (s *AccountService) GetAccountByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "owner ID is required")
	}
	return s.store.Accounts().GetAccountByOwner(ctx, ownerID)
}

func (s *AccountService) Freeze(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.setFlags(ctx, id, "freeze", func(acc *domain.Account) error {
		acc.IsFrozen = true
		return nil
	})
}

func (s *AccountService) Unfreeze(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.setFlags(ctx, id, "unfreeze", func(acc *domain.Account) error {
		acc.IsFrozen = false
		return nil
	})
}

// Deactivate is permanent; accounts are never deleted.
func (s *AccountService) Deactivate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.setFlags(ctx, id, "deactivate", func(acc *domain.Account) error {
		if !acc.IsActive {
			return errors.ErrInvalidStateChange.WithDetails("account is already inactive")
		}
		acc.IsActive = false
		return nil
	})
}

func (s *AccountService) setFlags(ctx context.Context, id uuid.UUID, action string, change func(*domain.Account) error) (*domain.Account, error) {
	var updated *domain.Account
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, id)
		if err != nil {
			return err
		}
		acc := locked[id]
		if err := change(acc); err != nil {
			return err
		}
		if err := tx.Accounts().UpdateAccountFlags(ctx, id, acc.IsActive, acc.IsFrozen); err != nil {
			return err
		}
		updated = acc
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Account flags changed", "account_id", id, "action", action,
		"is_active", updated.IsActive, "is_frozen", updated.IsFrozen)
	return updated, nil
}
