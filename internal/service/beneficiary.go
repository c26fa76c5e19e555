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

const maxNicknameLength = 100

// BeneficiaryService keeps each wallet's saved recipients. Transfer totals
// are written by the ledger engine; this service only names and flags them.
type BeneficiaryService struct {
	store  domain.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewBeneficiaryService(store domain.Store, logger *slog.Logger) *BeneficiaryService {
	return &BeneficiaryService{store: store, logger: logger, now: time.Now}
}

// Save adds beneficiaryID to the wallet's list or updates its nickname and
// favorite flag. It reports whether the entry is new.
func (s *BeneficiaryService) Save(ctx context.Context, accountID, beneficiaryID uuid.UUID, nickname string, favorite bool) (*domain.Beneficiary, bool, error) {
	if accountID == beneficiaryID {
		return nil, false, errors.ErrInvalidBeneficiary
	}
	nickname = strings.TrimSpace(nickname)
	if len(nickname) > maxNicknameLength {
		return nil, false, errors.NewAppError(errors.InvalidInput, "nickname is too long")
	}

	var (
		saved   *domain.Beneficiary
		created bool
	)
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if _, err := tx.Accounts().LockAccounts(ctx, accountID); err != nil {
			return err
		}
		if _, err := tx.Accounts().GetAccount(ctx, beneficiaryID); err != nil {
			return err
		}

		existing, err := tx.Beneficiaries().GetBeneficiary(ctx, accountID, beneficiaryID)
		if err != nil {
			return err
		}
		if existing == nil {
			created = true
			existing = domain.NewBeneficiary(accountID, beneficiaryID, s.now().UTC().Truncate(time.Microsecond))
		}
		existing.Nickname = nickname
		existing.IsFavorite = favorite
		if err := tx.Beneficiaries().SaveBeneficiary(ctx, existing); err != nil {
			return err
		}
		saved = existing
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	s.logger.Info("Saved beneficiary",
		"account_id", accountID,
		"beneficiary_account_id", beneficiaryID,
		"created", created,
		"favorite", favorite)
	return saved, created, nil
}

// List returns the wallet's beneficiaries, most recently paid first.
func (s *BeneficiaryService) List(ctx context.Context, accountID uuid.UUID, favoritesOnly bool) ([]*domain.Beneficiary, error) {
	return s.store.Beneficiaries().ListBeneficiaries(ctx, accountID, favoritesOnly)
}
