package domain

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/errors"
)

const DefaultCurrency = "USD"

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

type Account struct {
	ID                uuid.UUID       `json:"account_id"`
	OwnerID           string          `json:"owner_id"`
	Balance           decimal.Decimal `json:"balance"`
	Currency          string          `json:"currency"`
	IsActive          bool            `json:"is_active"`
	IsFrozen          bool            `json:"is_frozen"`
	PinHash           string          `json:"-"`
	PinFailedAttempts int             `json:"-"`
	PinLockedUntil    *time.Time      `json:"-"`
	BoundDeviceID     string          `json:"-"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewAccount returns an active, unfrozen account with a zero balance.
func NewAccount(ownerID, currency string, now time.Time) (*Account, error) {
	if ownerID == "" {
		return nil, errors.NewAppError(errors.InvalidInput, "owner ID is required")
	}
	if currency == "" {
		currency = DefaultCurrency
	}
	if !currencyPattern.MatchString(currency) {
		return nil, errors.NewAppError(errors.InvalidInput, "currency must be a three-letter ISO code")
	}
	return &Account{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Balance:   decimal.Zero,
		Currency:  currency,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (a *Account) HasPin() bool {
	return a.PinHash != ""
}

func (a *Account) PinLocked(now time.Time) bool {
	return a.PinLockedUntil != nil && a.PinLockedUntil.After(now)
}

// CanDebit reports the business rule that blocks money leaving the account.
func (a *Account) CanDebit() *errors.AppError {
	if !a.IsActive {
		return errors.ErrAccountInactive
	}
	if a.IsFrozen {
		return errors.ErrAccountFrozen
	}
	return nil
}

// CanCredit reports the business rule that blocks money entering the account.
func (a *Account) CanCredit(allowFrozen bool) *errors.AppError {
	if !a.IsActive {
		return errors.ErrAccountInactive
	}
	if a.IsFrozen && !allowFrozen {
		return errors.ErrAccountFrozen
	}
	return nil
}

// PinState is the persisted PIN material and lockout bookkeeping.
type PinState struct {
	Hash           string
	FailedAttempts int
	LockedUntil    *time.Time
}

type DeviceChange struct {
	AccountID   uuid.UUID `json:"account_id"`
	OldDeviceID string    `json:"old_device_id"`
	NewDeviceID string    `json:"new_device_id"`
	ChangedAt   time.Time `json:"changed_at"`
}

type AccountRepository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	GetAccountByOwner(ctx context.Context, ownerID string) (*Account, error)
	// LockAccounts locks the given accounts in ascending ID order and returns
	// their current state. It must run inside a unit of work; the locks are
	// held until that unit of work ends.
	LockAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*Account, error)
	// TryLockAccount is LockAccounts for one account without waiting; it
	// fails with ErrAccountBusy when another unit of work holds the lock.
	TryLockAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	UpdateAccountBalance(ctx context.Context, id uuid.UUID, newBalance decimal.Decimal) error
	UpdateAccountFlags(ctx context.Context, id uuid.UUID, isActive, isFrozen bool) error
	UpdatePinState(ctx context.Context, id uuid.UUID, state PinState) error
	UpdateBoundDevice(ctx context.Context, id uuid.UUID, deviceID string) error
	LogDeviceChange(ctx context.Context, change *DeviceChange) error
}
