package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/logging"
	"wallet-ledger/migrations"
)

type StoreTestSuite struct {
	suite.Suite
	container *postgres.PostgresContainer
	db        *sql.DB
	store     *Store
}

func (s *StoreTestSuite) SetupSuite() {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("wallet_ledger"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	cfg := config.Default().Database
	s.db, err = Open(ctx, cfg, dsn)
	s.Require().NoError(err)

	s.Require().NoError(migrations.Up(ctx, s.db, logging.Discard()))
	// applying twice is a no-op
	s.Require().NoError(migrations.Up(ctx, s.db, logging.Discard()))

	s.store = NewStore(s.db, 500*time.Millisecond, logging.Discard())
}

func (s *StoreTestSuite) TearDownSuite() {
	if s.db != nil {
		s.db.Close()
	}
	if s.container != nil {
		s.container.Terminate(context.Background())
	}
}

func (s *StoreTestSuite) SetupTest() {
	_, err := s.db.Exec(`TRUNCATE accounts, transactions, idempotency_keys, device_change_log, beneficiaries CASCADE`)
	s.Require().NoError(err)
}

func (s *StoreTestSuite) newAccount(owner string, balance int64) *domain.Account {
	ctx := context.Background()
	acc, err := domain.NewAccount(owner, "USD", time.Now().UTC().Truncate(time.Microsecond))
	s.Require().NoError(err)
	s.Require().NoError(s.store.Accounts().CreateAccount(ctx, acc))
	if balance > 0 {
		s.Require().NoError(s.store.Accounts().UpdateAccountBalance(ctx, acc.ID, decimal.NewFromInt(balance)))
		acc.Balance = decimal.NewFromInt(balance)
	}
	return acc
}

func (s *StoreTestSuite) pendingRow(acc *domain.Account, amount int64, at time.Time) *domain.Transaction {
	return &domain.Transaction{
		Reference:     domain.NewReference(at),
		AccountID:     acc.ID,
		Type:          domain.Debit,
		Kind:          domain.KindBillPayment,
		Status:        domain.StatusPending,
		Amount:        decimal.NewFromInt(amount),
		Currency:      acc.Currency,
		BalanceBefore: acc.Balance,
		BalanceAfter:  acc.Balance,
		Metadata:      map[string]string{"bill_type": "airtime", "phone_number": "08012345678"},
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func (s *StoreTestSuite) TestAccountRoundTrip() {
	ctx := context.Background()
	acc := s.newAccount("alice", 100)

	got, err := s.store.Accounts().GetAccount(ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal("alice", got.OwnerID)
	s.True(got.Balance.Equal(decimal.NewFromInt(100)))
	s.Nil(got.PinLockedUntil)

	byOwner, err := s.store.Accounts().GetAccountByOwner(ctx, "alice")
	s.Require().NoError(err)
	s.Equal(acc.ID, byOwner.ID)

	dup, _ := domain.NewAccount("alice", "USD", time.Now())
	s.ErrorIs(s.store.Accounts().CreateAccount(ctx, dup), errors.ErrDuplicateAccount)

	_, err = s.store.Accounts().GetAccount(ctx, uuid.New())
	s.ErrorIs(err, errors.ErrAccountNotFound)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)
	s.Require().NoError(s.store.Accounts().UpdatePinState(ctx, acc.ID, domain.PinState{Hash: "h", LockedUntil: &until}))
	got, err = s.store.Accounts().GetAccount(ctx, acc.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.PinLockedUntil)
	s.True(until.Equal(*got.PinLockedUntil))
}

func (s *StoreTestSuite) TestBalanceCannotGoNegative() {
	acc := s.newAccount("alice", 10)
	err := s.store.Accounts().UpdateAccountBalance(context.Background(), acc.ID, decimal.NewFromInt(-1))
	s.ErrorIs(err, errors.ErrInsufficientFunds)
}

func (s *StoreTestSuite) TestTransactionLifecycle() {
	ctx := context.Background()
	acc := s.newAccount("alice", 100)
	now := time.Now().UTC().Truncate(time.Microsecond)
	row := s.pendingRow(acc, 40, now)

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Transactions().CreateTransaction(ctx, row); err != nil {
			return err
		}
		// a colliding reference reports the duplicate without aborting the unit of work
		dup := s.pendingRow(acc, 1, now)
		dup.Reference = row.Reference
		if err := tx.Transactions().CreateTransaction(ctx, dup); !stderrors.Is(err, errors.ErrDuplicateReference) {
			return fmt.Errorf("expected duplicate reference, got %v", err)
		}
		if err := row.Complete(now, decimal.NewFromInt(60)); err != nil {
			return err
		}
		row.Metadata["biller_request_id"] = row.Reference
		return tx.Transactions().SettleTransaction(ctx, row)
	})
	s.Require().NoError(err)

	got, err := s.store.Transactions().GetTransaction(ctx, row.Reference)
	s.Require().NoError(err)
	s.Equal(domain.StatusCompleted, got.Status)
	s.True(got.BalanceAfter.Equal(decimal.NewFromInt(60)))
	s.Equal("08012345678", got.Metadata["phone_number"])
	s.Equal(row.Reference, got.Metadata["biller_request_id"], "settle writes metadata gathered while pending")
	s.Require().NotNil(got.SettledAt)

	// settled rows are immutable
	s.ErrorIs(s.store.Transactions().SettleTransaction(ctx, got), errors.ErrInvalidStateChange)
	_, err = s.db.Exec(`UPDATE transactions SET amount = 1 WHERE reference = $1`, row.Reference)
	s.Error(err)
}

func (s *StoreTestSuite) TestRollbackLeavesNoTrace() {
	ctx := context.Background()
	acc := s.newAccount("alice", 100)
	row := s.pendingRow(acc, 40, time.Now().UTC())

	boom := stderrors.New("boom")
	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Transactions().CreateTransaction(ctx, row); err != nil {
			return err
		}
		if err := tx.Accounts().UpdateAccountBalance(ctx, acc.ID, decimal.NewFromInt(60)); err != nil {
			return err
		}
		return boom
	})
	s.ErrorIs(err, boom)

	_, err = s.store.Transactions().GetTransaction(ctx, row.Reference)
	s.ErrorIs(err, errors.ErrTransactionNotFound)
	got, err := s.store.Accounts().GetAccount(ctx, acc.ID)
	s.Require().NoError(err)
	s.True(got.Balance.Equal(decimal.NewFromInt(100)))
}

func (s *StoreTestSuite) TestLockTimeoutAndNowait() {
	ctx := context.Background()
	acc := s.newAccount("alice", 100)

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.store.WithTransaction(ctx, func(tx domain.Store) error {
			if _, err := tx.Accounts().LockAccounts(ctx, acc.ID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.store.WithTransaction(ctx, func(tx domain.Store) error {
		_, err := tx.Accounts().LockAccounts(ctx, acc.ID)
		return err
	})
	s.ErrorIs(err, errors.ErrLockTimeout)

	err = s.store.WithTransaction(ctx, func(tx domain.Store) error {
		_, err := tx.Accounts().TryLockAccount(ctx, acc.ID)
		return err
	})
	s.ErrorIs(err, errors.ErrAccountBusy)

	close(release)
	wg.Wait()
}

func (s *StoreTestSuite) TestOpposingLockOrderDoesNotDeadlock() {
	ctx := context.Background()
	a := s.newAccount("alice", 100)
	b := s.newAccount("bob", 100)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		for _, pair := range [][2]uuid.UUID{{a.ID, b.ID}, {b.ID, a.ID}} {
			go func(first, second uuid.UUID) {
				defer wg.Done()
				errs <- s.store.WithTransaction(ctx, func(tx domain.Store) error {
					_, err := tx.Accounts().LockAccounts(ctx, first, second)
					return err
				})
			}(pair[0], pair[1])
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
}

func (s *StoreTestSuite) TestListTransactionsKeyset() {
	ctx := context.Background()
	acc := s.newAccount("alice", 100)
	base := time.Now().UTC().Truncate(time.Microsecond)

	var refs []string
	for i := 0; i < 5; i++ {
		row := s.pendingRow(acc, int64(i+1), base.Add(time.Duration(i)*time.Second))
		s.Require().NoError(s.store.Transactions().CreateTransaction(ctx, row))
		refs = append([]string{row.Reference}, refs...)
	}

	filter := domain.HistoryFilter{AccountID: acc.ID}
	count, err := s.store.Transactions().CountTransactions(ctx, filter)
	s.Require().NoError(err)
	s.Equal(5, count)

	all, err := s.store.Transactions().ListTransactions(ctx, filter, domain.PageWindow{Limit: 10})
	s.Require().NoError(err)
	s.Require().Len(all, 5)
	for i := range all {
		s.Equal(refs[i], all[i].Reference)
	}

	pos := domain.PositionOf(all[1])
	older, err := s.store.Transactions().ListTransactions(ctx, filter, domain.PageWindow{Limit: 2, OlderThan: &pos})
	s.Require().NoError(err)
	s.Equal([]string{refs[2], refs[3]}, []string{older[0].Reference, older[1].Reference})

	pos = domain.PositionOf(all[3])
	newer, err := s.store.Transactions().ListTransactions(ctx, filter, domain.PageWindow{Limit: 2, NewerThan: &pos})
	s.Require().NoError(err)
	s.Equal([]string{refs[1], refs[2]}, []string{newer[0].Reference, newer[1].Reference})

	offset, err := s.store.Transactions().ListTransactions(ctx, filter, domain.PageWindow{Limit: 2, Offset: 4})
	s.Require().NoError(err)
	s.Len(offset, 1)

	credits, err := s.store.Transactions().CountTransactions(ctx, domain.HistoryFilter{AccountID: acc.ID, Type: domain.Credit})
	s.Require().NoError(err)
	s.Zero(credits)
}

func (s *StoreTestSuite) TestIdempotencyClaims() {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec := &domain.IdempotencyRecord{Key: "k", Fingerprint: "fp", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}

	won, _, err := s.store.Idempotency().Claim(ctx, rec)
	s.Require().NoError(err)
	s.True(won)

	won, existing, err := s.store.Idempotency().Claim(ctx, rec)
	s.Require().NoError(err)
	s.False(won)
	s.Require().NotNil(existing)
	s.Equal(domain.IdempotencyInProgress, existing.Status)

	s.Require().NoError(s.store.Idempotency().Release(ctx, "k"))
	got, err := s.store.Idempotency().Get(ctx, "k")
	s.Require().NoError(err)
	s.Nil(got)

	won, _, err = s.store.Idempotency().Claim(ctx, rec)
	s.Require().NoError(err)
	s.True(won)
	s.Require().NoError(s.store.Idempotency().Complete(ctx, "k", "TXN-20260101000000-ABCDEF"))
	got, err = s.store.Idempotency().Get(ctx, "k")
	s.Require().NoError(err)
	s.Equal(domain.IdempotencyCompleted, got.Status)
	s.Equal("TXN-20260101000000-ABCDEF", got.ResultingReference)

	// completed keys survive Release
	s.Require().NoError(s.store.Idempotency().Release(ctx, "k"))
	got, err = s.store.Idempotency().Get(ctx, "k")
	s.Require().NoError(err)
	s.NotNil(got)

	purged, err := s.store.Idempotency().PurgeExpired(ctx, now.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(int64(1), purged)
}

func (s *StoreTestSuite) TestDeviceChangeLog() {
	ctx := context.Background()
	acc := s.newAccount("alice", 0)
	s.Require().NoError(s.store.Accounts().UpdateBoundDevice(ctx, acc.ID, "phone-2"))
	s.Require().NoError(s.store.Accounts().LogDeviceChange(ctx, &domain.DeviceChange{
		AccountID: acc.ID, OldDeviceID: "phone-1", NewDeviceID: "phone-2", ChangedAt: time.Now().UTC(),
	}))

	var n int
	s.Require().NoError(s.db.QueryRow(`SELECT count(*) FROM device_change_log WHERE account_id = $1`, acc.ID).Scan(&n))
	s.Equal(1, n)
	got, err := s.store.Accounts().GetAccount(ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal("phone-2", got.BoundDeviceID)
}

func (s *StoreTestSuite) TestBeneficiaryTotals() {
	ctx := context.Background()
	alice := s.newAccount("alice", 0)
	bob := s.newAccount("bob", 0)
	carol := s.newAccount("carol", 0)
	first := time.Now().UTC().Truncate(time.Microsecond)
	later := first.Add(time.Minute)

	s.Require().NoError(s.store.WithTransaction(ctx, func(tx domain.Store) error {
		if err := tx.Beneficiaries().RecordTransfer(ctx, alice.ID, bob.ID, decimal.RequireFromString("10.25"), later); err != nil {
			return err
		}
		return tx.Beneficiaries().RecordTransfer(ctx, alice.ID, bob.ID, decimal.NewFromInt(5), first)
	}))

	got, err := s.store.Beneficiaries().GetBeneficiary(ctx, alice.ID, bob.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.TotalSent.Equal(decimal.RequireFromString("15.25")))
	s.Equal(2, got.TransactionCount)
	s.Require().NotNil(got.LastTransactionAt)
	s.True(got.LastTransactionAt.Equal(later), "older transfer does not move last_transaction_at back")

	// renaming keeps the totals
	s.Require().NoError(s.store.Beneficiaries().SaveBeneficiary(ctx, &domain.Beneficiary{
		AccountID: alice.ID, BeneficiaryAccountID: bob.ID, Nickname: "Bob", CreatedAt: first,
	}))
	s.Require().NoError(s.store.Beneficiaries().SaveBeneficiary(ctx, &domain.Beneficiary{
		AccountID: alice.ID, BeneficiaryAccountID: carol.ID, IsFavorite: true, CreatedAt: first,
	}))
	got, err = s.store.Beneficiaries().GetBeneficiary(ctx, alice.ID, bob.ID)
	s.Require().NoError(err)
	s.Equal("Bob", got.Nickname)
	s.Equal(2, got.TransactionCount)

	all, err := s.store.Beneficiaries().ListBeneficiaries(ctx, alice.ID, false)
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(bob.ID, all[0].BeneficiaryAccountID)
	s.Equal(carol.ID, all[1].BeneficiaryAccountID)

	favorites, err := s.store.Beneficiaries().ListBeneficiaries(ctx, alice.ID, true)
	s.Require().NoError(err)
	s.Require().Len(favorites, 1)
	s.Equal(carol.ID, favorites[0].BeneficiaryAccountID)

	missing, err := s.store.Beneficiaries().GetBeneficiary(ctx, bob.ID, alice.ID)
	s.Require().NoError(err)
	s.Nil(missing)

	_, err = s.db.Exec(`INSERT INTO beneficiaries (account_id, beneficiary_account_id, created_at) VALUES ($1, $1, now())`, alice.ID)
	s.Error(err, "an account cannot list itself")
}

func TestStoreTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping PostgreSQL suite in short mode")
	}
	suite.Run(t, new(StoreTestSuite))
}
