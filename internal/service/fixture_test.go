package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/gateway"
	"wallet-ledger/internal/logging"
	"wallet-ledger/internal/repository/memory"
)

const testPIN = "1234"

type settledEvent struct {
	AccountID uuid.UUID
	Reference string
	Status    domain.TransactionStatus
}

type recordingHook struct {
	mu     sync.Mutex
	events []settledEvent
}

func (h *recordingHook) OnTransactionSettled(ctx context.Context, accountID uuid.UUID, reference string, outcome domain.TransactionStatus) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, settledEvent{AccountID: accountID, Reference: reference, Status: outcome})
	return nil
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type fixture struct {
	cfg      *config.Config
	store    *memory.Store
	accounts *AccountService
	devices  *DeviceGuard
	pins     *PinGuard
	engine   *Engine
	history  *TransactionService
	gateway  *gateway.Stub
	biller   *gateway.Stub
	hook     *recordingHook
}

func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Security.BcryptCost = bcrypt.MinCost
	cfg.Ledger.LockTimeout = 2 * time.Second
	for _, fn := range tweak {
		fn(cfg)
	}

	logger := logging.Discard()
	store := memory.NewStore(cfg.Ledger.LockTimeout, logger)
	hook := &recordingHook{}
	f := &fixture{
		cfg:     cfg,
		store:   store,
		gateway: gateway.NewStub(),
		biller:  gateway.NewStub(),
		hook:    hook,
	}
	f.accounts = NewAccountService(store, cfg.Ledger, hook, logger)
	f.devices = NewDeviceGuard(store, logger)
	f.pins = NewPinGuard(store, cfg.Security, logger)
	idem := NewIdempotencyGuard(store, cfg.Ledger.IdempotencyRetention, cfg.Ledger.IdempotencyWait, logger)
	f.engine = NewEngine(store, f.devices, f.pins, idem, f.gateway, f.biller, hook, cfg.Ledger, logger)
	f.history = NewTransactionService(store, cfg.Ledger, logger)
	return f
}

func deviceFor(owner string) string {
	return "device-" + owner
}

// wallet opens an account for owner with a bound device, a PIN and the
// given balance funded by a card top-up.
func (f *fixture) wallet(t *testing.T, owner string, balance int64) *domain.Account {
	t.Helper()
	ctx := context.Background()
	acc, err := f.accounts.OpenAccount(ctx, owner, "USD")
	require.NoError(t, err)
	_, err = f.devices.Login(ctx, acc.ID, deviceFor(owner))
	require.NoError(t, err)
	require.NoError(t, f.pins.SetPin(ctx, acc.ID, testPIN, testPIN))
	if balance > 0 {
		f.topUp(t, acc, balance)
	}
	return acc
}

func (f *fixture) topUp(t *testing.T, acc *domain.Account, amount int64) *domain.Result {
	t.Helper()
	res, err := f.engine.TopUp(context.Background(), domain.TopUpOp{
		AccountID: acc.ID,
		Amount:    decimal.NewFromInt(amount),
		Method:    domain.MethodCard,
		Auth:      domain.Auth{DeviceID: deviceFor(acc.OwnerID)},
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, res.Transaction.Status)
	return res
}

func (f *fixture) transferOp(from, to *domain.Account, amount int64) domain.TransferOp {
	return domain.TransferOp{
		Source:      from.ID,
		Destination: to.ID,
		Amount:      decimal.NewFromInt(amount),
		Narration:   "rent",
		Auth:        domain.Auth{DeviceID: deviceFor(from.OwnerID), PIN: testPIN},
	}
}

func (f *fixture) balance(t *testing.T, acc *domain.Account) decimal.Decimal {
	t.Helper()
	current, err := f.store.Accounts().GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	return current.Balance
}

func (f *fixture) rows(t *testing.T, acc *domain.Account) []*domain.Transaction {
	t.Helper()
	rows, err := f.store.Transactions().ListTransactions(context.Background(),
		domain.HistoryFilter{AccountID: acc.ID}, domain.PageWindow{Limit: 1000})
	require.NoError(t, err)
	return rows
}

// requireBalanceMatchesLedger checks the balance against the completed rows.
func (f *fixture) requireBalanceMatchesLedger(t *testing.T, acc *domain.Account) {
	t.Helper()
	sum := decimal.Zero
	for _, row := range f.rows(t, acc) {
		if row.Status != domain.StatusCompleted {
			continue
		}
		if row.Type == domain.Credit {
			sum = sum.Add(row.Amount)
		} else {
			sum = sum.Sub(row.Amount)
		}
	}
	require.True(t, sum.Equal(f.balance(t, acc)), "balance %s does not match ledger %s", f.balance(t, acc), sum)
}
