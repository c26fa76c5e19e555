package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

// PinGuard verifies and manages transaction PINs. Only bcrypt hashes are
// stored; comparison is constant-time inside bcrypt.
type PinGuard struct {
	store  domain.Store
	cfg    config.SecurityConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewPinGuard(store domain.Store, cfg config.SecurityConfig, logger *slog.Logger) *PinGuard {
	return &PinGuard{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Verify checks pin for accountID. Wrong PINs count towards the lockout;
// a correct PIN clears the counter.
func (g *PinGuard) Verify(ctx context.Context, accountID uuid.UUID, pin string) error {
	acc, err := g.store.Accounts().GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	now := g.now().UTC()
	if !acc.HasPin() {
		return errors.ErrPinNotSet
	}
	if acc.PinLocked(now) {
		return errors.ErrPinLocked.WithDetails(fmt.Sprintf("locked until %s", acc.PinLockedUntil.Format(time.RFC3339)))
	}

	match := bcrypt.CompareHashAndPassword([]byte(acc.PinHash), []byte(pin)) == nil
	if match && acc.PinFailedAttempts == 0 && acc.PinLockedUntil == nil {
		return nil
	}

	var outcome error
	err = g.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		cur := locked[accountID]
		if cur.PinHash != acc.PinHash {
			// changed while we compared; judge against the new hash next time
			outcome = errors.ErrInvalidPin
			return nil
		}
		if cur.PinLocked(now) {
			outcome = errors.ErrPinLocked
			return nil
		}

		if match {
			return tx.Accounts().UpdatePinState(ctx, accountID, domain.PinState{Hash: cur.PinHash})
		}

		state := domain.PinState{Hash: cur.PinHash, FailedAttempts: cur.PinFailedAttempts + 1}
		if state.FailedAttempts >= g.cfg.MaxPinAttempts {
			until := now.Add(g.cfg.PinLockout)
			state = domain.PinState{Hash: cur.PinHash, LockedUntil: &until}
			outcome = errors.ErrPinLocked.WithDetails(fmt.Sprintf("locked until %s", until.Format(time.RFC3339)))
			g.logger.Warn("PIN locked after repeated failures", "account_id", accountID, "locked_until", until)
		} else {
			remaining := g.cfg.MaxPinAttempts - state.FailedAttempts
			outcome = errors.ErrInvalidPin.WithDetails(fmt.Sprintf("%d attempts remaining", remaining))
			g.logger.Warn("Invalid PIN attempt", "account_id", accountID, "failed_attempts", state.FailedAttempts)
		}
		return tx.Accounts().UpdatePinState(ctx, accountID, state)
	})
	if err != nil {
		return err
	}
	return outcome
}

// SetPin configures the first PIN for an account. Concurrent set attempts
// on the same account fail fast with ErrPinChangeInProgress.
func (g *PinGuard) SetPin(ctx context.Context, accountID uuid.UUID, pin, confirm string) error {
	hash, err := g.hash(pin, confirm)
	if err != nil {
		return err
	}

	err = g.store.WithTransaction(ctx, func(tx domain.Store) error {
		acc, err := tryLock(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if acc.HasPin() {
			return errors.ErrPinAlreadySet
		}
		return tx.Accounts().UpdatePinState(ctx, accountID, domain.PinState{Hash: hash})
	})
	if err != nil {
		return err
	}

	g.logger.Info("Transaction PIN set", "account_id", accountID)
	return nil
}

// ChangePin replaces an existing PIN after verifying the current one.
func (g *PinGuard) ChangePin(ctx context.Context, accountID uuid.UUID, current, pin, confirm string) error {
	if err := g.Verify(ctx, accountID, current); err != nil {
		return err
	}
	hash, err := g.hash(pin, confirm)
	if err != nil {
		return err
	}

	err = g.store.WithTransaction(ctx, func(tx domain.Store) error {
		if _, err := tryLock(ctx, tx, accountID); err != nil {
			return err
		}
		return tx.Accounts().UpdatePinState(ctx, accountID, domain.PinState{Hash: hash})
	})
	if err != nil {
		return err
	}

	g.logger.Info("Transaction PIN changed", "account_id", accountID)
	return nil
}

func (g *PinGuard) hash(pin, confirm string) (string, error) {
	if err := g.validateFormat(pin); err != nil {
		return "", err
	}
	if pin != confirm {
		return "", errors.NewAppError(errors.InvalidInput, "PIN and confirmation do not match")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), g.cfg.BcryptCost)
	if err != nil {
		return "", errors.Internal("failed to hash PIN", err)
	}
	return string(hash), nil
}

func (g *PinGuard) validateFormat(pin string) error {
	if len(pin) != g.cfg.PinLength {
		return errors.NewAppErrorf(errors.InvalidInput, "PIN must be exactly %d digits", g.cfg.PinLength)
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return errors.NewAppErrorf(errors.InvalidInput, "PIN must be exactly %d digits", g.cfg.PinLength)
		}
	}
	return nil
}

func tryLock(ctx context.Context, tx domain.Store, accountID uuid.UUID) (*domain.Account, error) {
	acc, err := tx.Accounts().TryLockAccount(ctx, accountID)
	if stderrors.Is(err, errors.ErrAccountBusy) {
		return nil, errors.ErrPinChangeInProgress
	}
	return acc, err
}
