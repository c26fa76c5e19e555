// Package memory is an in-process implementation of domain.Store with the
// same locking and visibility rules as the PostgreSQL store. It backs unit
// tests and local runs without a database.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

type state struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]*domain.Account
	owners    map[string]uuid.UUID
	txns      map[string]*domain.Transaction
	idem      map[string]*domain.IdempotencyRecord
	deviceLog []domain.DeviceChange
	payees    map[payeeKey]*domain.Beneficiary

	lockMu sync.Mutex
	locks  map[uuid.UUID]chan struct{}
}

// Store is safe for concurrent use.
type Store struct {
	st          *state
	lockTimeout time.Duration
	logger      *slog.Logger
	uow         *unitOfWork
}

var _ domain.Store = (*Store)(nil)

func NewStore(lockTimeout time.Duration, logger *slog.Logger) *Store {
	return &Store{
		st: &state{
			accounts: make(map[uuid.UUID]*domain.Account),
			owners:   make(map[string]uuid.UUID),
			txns:     make(map[string]*domain.Transaction),
			idem:     make(map[string]*domain.IdempotencyRecord),
			payees:   make(map[payeeKey]*domain.Beneficiary),
			locks:    make(map[uuid.UUID]chan struct{}),
		},
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

func (s *Store) Accounts() domain.AccountRepository         { return &accountRepository{s} }
func (s *Store) Transactions() domain.TransactionRepository { return &transactionRepository{s} }
func (s *Store) Idempotency() domain.IdempotencyRepository  { return &idempotencyRepository{s} }
func (s *Store) Beneficiaries() domain.BeneficiaryRepository {
	return &beneficiaryRepository{s}
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// DeviceChanges returns the device change log for accountID, oldest first.
func (s *Store) DeviceChanges(accountID uuid.UUID) []domain.DeviceChange {
	s.st.mu.RLock()
	defer s.st.mu.RUnlock()
	var out []domain.DeviceChange
	for _, c := range s.st.deviceLog {
		if c.AccountID == accountID {
			out = append(out, c)
		}
	}
	return out
}

// unitOfWork stages writes until commit. Rows it creates are invisible to
// other stores until then.
type unitOfWork struct {
	held      map[uuid.UUID]chan struct{}
	accounts  map[uuid.UUID]*domain.Account
	created   []uuid.UUID
	txns      map[string]*domain.Transaction
	txnOrder  []string
	completes map[string]string
	deviceLog []domain.DeviceChange
	payees    map[payeeKey]*domain.Beneficiary
}

func (s *Store) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	if s.uow != nil {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return errors.Internal("failed to begin transaction", err)
	}

	uow := &unitOfWork{
		held:      make(map[uuid.UUID]chan struct{}),
		accounts:  make(map[uuid.UUID]*domain.Account),
		txns:      make(map[string]*domain.Transaction),
		completes: make(map[string]string),
		payees:    make(map[payeeKey]*domain.Beneficiary),
	}
	txStore := &Store{st: s.st, lockTimeout: s.lockTimeout, logger: s.logger, uow: uow}
	defer uow.release()

	if err := fn(txStore); err != nil {
		return err
	}
	return s.commit(uow)
}

func (s *Store) commit(uow *unitOfWork) error {
	st := s.st
	st.mu.Lock()
	defer st.mu.Unlock()

	for _, id := range uow.created {
		if _, taken := st.owners[uow.accounts[id].OwnerID]; taken {
			return errors.ErrDuplicateAccount
		}
	}
	for _, ref := range uow.txnOrder {
		if _, ok := st.txns[ref]; ok {
			return errors.ErrDuplicateReference.WithDetails(ref)
		}
	}

	for id, acc := range uow.accounts {
		st.accounts[id] = acc
		st.owners[acc.OwnerID] = id
	}
	for _, ref := range uow.txnOrder {
		st.txns[ref] = uow.txns[ref]
	}
	for key, ref := range uow.completes {
		if rec, ok := st.idem[key]; ok {
			rec.Status = domain.IdempotencyCompleted
			rec.ResultingReference = ref
		}
	}
	st.deviceLog = append(st.deviceLog, uow.deviceLog...)
	for k, b := range uow.payees {
		st.payees[k] = b
	}
	return nil
}

func (u *unitOfWork) release() {
	for _, ch := range u.held {
		<-ch
	}
	u.held = nil
}

func (s *Store) lockChan(id uuid.UUID) chan struct{} {
	s.st.lockMu.Lock()
	defer s.st.lockMu.Unlock()
	ch, ok := s.st.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.st.locks[id] = ch
	}
	return ch
}

// acquire takes the row lock for id on behalf of the current unit of work.
func (s *Store) acquire(ctx context.Context, id uuid.UUID, wait bool) error {
	if _, ok := s.uow.held[id]; ok {
		return nil
	}
	ch := s.lockChan(id)

	if !wait {
		select {
		case ch <- struct{}{}:
			s.uow.held[id] = ch
			return nil
		default:
			return errors.ErrAccountBusy
		}
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		s.uow.held[id] = ch
		return nil
	case <-timer.C:
		s.logger.Warn("Account lock wait timed out", "account_id", id, "timeout", s.lockTimeout)
		return errors.ErrLockTimeout
	case <-ctx.Done():
		return errors.ErrLockTimeout.WithDetails(ctx.Err().Error())
	}
}

func (s *Store) requireUnitOfWork(op string) error {
	if s.uow == nil {
		return errors.Internal(op+" requires a unit of work", nil)
	}
	return nil
}
