package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

// DeviceCheck reports the binding state observed at login.
type DeviceCheck struct {
	Bound                bool `json:"bound"`
	NewlyBound           bool `json:"newly_bound"`
	RequiresDeviceChange bool `json:"requires_device_change"`
}

// DeviceGuard enforces one active device per account. It is the only writer
// of an account's bound device.
type DeviceGuard struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewDeviceGuard(store domain.Store, logger *slog.Logger) *DeviceGuard {
	return &DeviceGuard{store: store, logger: logger, now: time.Now}
}

func normalizeDevice(deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", errors.NewAppError(errors.InvalidInput, "device ID is required")
	}
	return deviceID, nil
}

// Login binds deviceID when the account has no device yet. A mismatch
// returns ErrDeviceMismatch together with a check flagged
// RequiresDeviceChange; nothing is modified in that case.
func (g *DeviceGuard) Login(ctx context.Context, accountID uuid.UUID, deviceID string) (*DeviceCheck, error) {
	deviceID, err := normalizeDevice(deviceID)
	if err != nil {
		return nil, err
	}

	var check *DeviceCheck
	err = g.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		acc := locked[accountID]

		switch acc.BoundDeviceID {
		case deviceID:
			check = &DeviceCheck{Bound: true}
			return nil
		case "":
			check = &DeviceCheck{Bound: true, NewlyBound: true}
			return tx.Accounts().UpdateBoundDevice(ctx, accountID, deviceID)
		default:
			check = &DeviceCheck{Bound: true, RequiresDeviceChange: true}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	if check.RequiresDeviceChange {
		g.logger.Warn("Login from unrecognized device", "account_id", accountID)
		return check, errors.ErrDeviceMismatch
	}
	if check.NewlyBound {
		g.logger.Info("Device bound to account", "account_id", accountID)
	}
	return check, nil
}

// VerifyForTransaction checks deviceID against the binding without binding.
func (g *DeviceGuard) VerifyForTransaction(ctx context.Context, accountID uuid.UUID, deviceID string) error {
	deviceID, err := normalizeDevice(deviceID)
	if err != nil {
		return err
	}
	acc, err := g.store.Accounts().GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	switch acc.BoundDeviceID {
	case deviceID:
		return nil
	case "":
		return errors.ErrDeviceNotBound
	default:
		g.logger.Warn("Transaction attempted from unrecognized device", "account_id", accountID)
		return errors.ErrDeviceMismatch
	}
}

// ChangeDevice rebinds the account once the out-of-band verification has
// succeeded, recording the change.
func (g *DeviceGuard) ChangeDevice(ctx context.Context, accountID uuid.UUID, newDeviceID string) (*DeviceCheck, error) {
	newDeviceID, err := normalizeDevice(newDeviceID)
	if err != nil {
		return nil, err
	}

	err = g.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, accountID)
		if err != nil {
			return err
		}
		old := locked[accountID].BoundDeviceID
		if old == newDeviceID {
			return nil
		}
		if err := tx.Accounts().UpdateBoundDevice(ctx, accountID, newDeviceID); err != nil {
			return err
		}
		return tx.Accounts().LogDeviceChange(ctx, &domain.DeviceChange{
			AccountID:   accountID,
			OldDeviceID: old,
			NewDeviceID: newDeviceID,
			ChangedAt:   g.now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("Device changed", "account_id", accountID)
	return &DeviceCheck{Bound: true, NewlyBound: true}, nil
}
