package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/config"
	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

const maxReferenceAttempts = 3

// Engine executes balance-changing operations. Every mutation runs inside one
// unit of work that locks the touched accounts in ascending ID order.
type Engine struct {
	store       domain.Store
	devices     *DeviceGuard
	pins        *PinGuard
	idempotency *IdempotencyGuard
	gateway     domain.PaymentGateway
	biller      domain.Biller
	hook        domain.SettlementHook
	cfg         config.LedgerConfig
	logger      *slog.Logger
	now         func() time.Time
}

func NewEngine(
	store domain.Store,
	devices *DeviceGuard,
	pins *PinGuard,
	idempotency *IdempotencyGuard,
	gateway domain.PaymentGateway,
	biller domain.Biller,
	hook domain.SettlementHook,
	cfg config.LedgerConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:       store,
		devices:     devices,
		pins:        pins,
		idempotency: idempotency,
		gateway:     gateway,
		biller:      biller,
		hook:        hook,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
	}
}

func (e *Engine) Transfer(ctx context.Context, op domain.TransferOp) (*domain.Result, error) {
	return e.Execute(ctx, op)
}

func (e *Engine) TopUp(ctx context.Context, op domain.TopUpOp) (*domain.Result, error) {
	return e.Execute(ctx, op)
}

func (e *Engine) PayBill(ctx context.Context, op domain.BillPaymentOp) (*domain.Result, error) {
	return e.Execute(ctx, op)
}

// Execute runs op once per idempotency key. Business failures return the
// recorded failed transaction together with the error; aborted attempts
// (lock timeouts, missing accounts) return no result and leave no trace.
func (e *Engine) Execute(ctx context.Context, op domain.Operation) (*domain.Result, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	key := domain.IdempotencyKey(op)
	fingerprint := op.Fingerprint()
	if key != "" {
		if res, err := e.idempotency.Lookup(ctx, key, fingerprint); res != nil || err != nil {
			return res, err
		}
	}

	creds := op.Credentials()
	if err := e.devices.VerifyForTransaction(ctx, op.Account(), creds.DeviceID); err != nil {
		return nil, err
	}
	if op.RequiresPIN() {
		if err := e.pins.Verify(ctx, op.Account(), creds.PIN); err != nil {
			return nil, err
		}
	}

	if key != "" {
		if res, err := e.idempotency.Claim(ctx, key, fingerprint); res != nil || err != nil {
			return res, err
		}
	}

	var (
		res *domain.Result
		err error
	)
	switch o := op.(type) {
	case domain.TransferOp:
		res, err = e.transfer(ctx, o, key)
	case domain.TopUpOp:
		res, err = e.topUp(ctx, o, key)
	case domain.BillPaymentOp:
		res, err = e.payBill(ctx, o, key)
	default:
		err = errors.Internal(fmt.Sprintf("unsupported operation %T", op), nil)
	}

	if res == nil {
		if key != "" {
			e.idempotency.Release(ctx, key)
		}
		e.logger.Warn("Operation aborted", "kind", op.Kind(), "account_id", op.Account(), "error", err)
		return nil, err
	}

	e.notify(ctx, res)
	return res, err
}

func (e *Engine) transfer(ctx context.Context, op domain.TransferOp, key string) (*domain.Result, error) {
	var (
		result  *domain.Result
		failure error
	)

	err := e.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, op.Source, op.Destination)
		if err != nil {
			return err
		}
		src, dst := locked[op.Source], locked[op.Destination]

		now := e.clock()
		group := uuid.New()
		debit := newRow(src, domain.Debit, domain.KindTransfer, op.Amount, op.Narration, key, now)
		debit.SourceAccountID = &src.ID
		debit.DestinationAccountID = &dst.ID
		debit.TransferGroupID = &group
		debit.Counterparty = dst.ID.String()
		if err := insertRow(ctx, tx, debit); err != nil {
			return err
		}

		if appErr := transferFailure(src, dst, op.Amount, e.cfg.AllowFrozenCredits); appErr != nil {
			failure = appErr
			result = &domain.Result{Transaction: debit}
			return e.settleFailed(ctx, tx, debit, appErr.Code, key)
		}

		credit := newRow(dst, domain.Credit, domain.KindTransfer, op.Amount, op.Narration, key, now)
		credit.SourceAccountID = &src.ID
		credit.DestinationAccountID = &dst.ID
		credit.TransferGroupID = &group
		credit.Counterparty = src.ID.String()
		if err := insertRow(ctx, tx, credit); err != nil {
			return err
		}

		srcAfter := src.Balance.Sub(op.Amount)
		dstAfter := dst.Balance.Add(op.Amount)
		if err := tx.Accounts().UpdateAccountBalance(ctx, src.ID, srcAfter); err != nil {
			return err
		}
		if err := tx.Accounts().UpdateAccountBalance(ctx, dst.ID, dstAfter); err != nil {
			return err
		}
		if err := settle(ctx, tx, debit, debit.Complete(now, srcAfter)); err != nil {
			return err
		}
		if err := settle(ctx, tx, credit, credit.Complete(now, dstAfter)); err != nil {
			return err
		}
		if err := tx.Beneficiaries().RecordTransfer(ctx, src.ID, dst.ID, op.Amount, now); err != nil {
			return err
		}

		result = &domain.Result{Transaction: debit, Counterpart: credit}
		return recordOutcome(ctx, tx, key, debit.Reference)
	})
	if err != nil {
		return nil, err
	}

	if failure != nil {
		e.logger.Warn("Transfer failed",
			"reference", result.Transaction.Reference,
			"source_account_id", op.Source,
			"destination_account_id", op.Destination,
			"amount", op.Amount,
			"failure", result.Transaction.FailureCode)
		return result, failure
	}

	e.logger.Info("Transfer completed",
		"reference", result.Transaction.Reference,
		"source_account_id", op.Source,
		"destination_account_id", op.Destination,
		"amount", op.Amount)
	return result, nil
}

// transferFailure applies the business rules in precedence order.
func transferFailure(src, dst *domain.Account, amount decimal.Decimal, allowFrozenCredits bool) *errors.AppError {
	if appErr := src.CanDebit(); appErr != nil {
		return appErr
	}
	if appErr := dst.CanCredit(allowFrozenCredits); appErr != nil {
		return appErr.WithDetails("destination account")
	}
	if src.Currency != dst.Currency {
		return errors.ErrCurrencyMismatch
	}
	if src.Balance.LessThan(amount) {
		return errors.ErrInsufficientFunds
	}
	return nil
}

func (e *Engine) topUp(ctx context.Context, op domain.TopUpOp, key string) (*domain.Result, error) {
	var (
		result  *domain.Result
		failure error
		charged string
	)
	err := e.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, op.AccountID)
		if err != nil {
			return err
		}
		acc := locked[op.AccountID]

		now := e.clock()
		row := newRow(acc, domain.Credit, domain.KindTopUp, op.Amount, op.Narration, key, now)
		row.DestinationAccountID = &acc.ID
		row.Counterparty = string(op.Method)
		row.Metadata = map[string]string{"payment_method": string(op.Method)}
		if err := insertRow(ctx, tx, row); err != nil {
			return err
		}
		result = &domain.Result{Transaction: row}

		if appErr := acc.CanCredit(e.cfg.AllowFrozenCredits); appErr != nil {
			failure = appErr
			return e.settleFailed(ctx, tx, row, appErr.Code, key)
		}

		// The gateway is asked only once the account is locked and able to
		// receive, so an abort before this point has charged nothing.
		requestID := collaboratorRequestID(key, row)
		if gatewayErr := e.gateway.SettlePayment(ctx, requestID, op.Amount, op.Method); gatewayErr != nil {
			e.logger.Warn("Payment gateway did not settle top-up",
				"account_id", acc.ID, "amount", op.Amount, "method", op.Method, "error", gatewayErr)
			row.Metadata["gateway_error"] = gatewayErr.Error()
			return e.settleFailed(ctx, tx, row, errors.GatewayFailure, key)
		}
		charged = requestID
		row.Metadata["gateway_request_id"] = requestID

		after := acc.Balance.Add(op.Amount)
		if err := tx.Accounts().UpdateAccountBalance(ctx, acc.ID, after); err != nil {
			return err
		}
		if err := settle(ctx, tx, row, row.Complete(now, after)); err != nil {
			return err
		}
		return recordOutcome(ctx, tx, key, row.Reference)
	})
	if err != nil {
		if charged != "" {
			// A retry with the same key reuses the request ID and is
			// deduplicated by the gateway.
			e.logger.Error("Gateway settled a top-up that was not recorded",
				"account_id", op.AccountID, "amount", op.Amount, "gateway_request_id", charged, "error", err)
		}
		return nil, err
	}

	e.logger.Info("Top-up settled",
		"reference", result.Transaction.Reference,
		"account_id", op.AccountID,
		"amount", op.Amount,
		"status", result.Transaction.Status)
	return result, failure
}

func (e *Engine) payBill(ctx context.Context, op domain.BillPaymentOp, key string) (*domain.Result, error) {
	var (
		result  *domain.Result
		failure error
	)

	err := e.store.WithTransaction(ctx, func(tx domain.Store) error {
		locked, err := tx.Accounts().LockAccounts(ctx, op.AccountID)
		if err != nil {
			return err
		}
		acc := locked[op.AccountID]

		now := e.clock()
		row := newRow(acc, domain.Debit, domain.KindBillPayment, op.Amount, op.Narration, key, now)
		row.SourceAccountID = &acc.ID
		row.Counterparty = op.BillerReference
		row.Metadata = map[string]string{"bill_type": string(op.Bill)}
		row.Metadata[op.Bill.ReferenceField()] = op.BillerReference
		if err := insertRow(ctx, tx, row); err != nil {
			return err
		}
		result = &domain.Result{Transaction: row}

		appErr := acc.CanDebit()
		if appErr == nil && acc.Balance.LessThan(op.Amount) {
			appErr = errors.ErrInsufficientFunds
		}
		if appErr != nil {
			failure = appErr
			return e.settleFailed(ctx, tx, row, appErr.Code, key)
		}

		// The biller is called while the account lock is held so the debit
		// cannot be raced by another spend.
		requestID := collaboratorRequestID(key, row)
		row.Metadata["biller_request_id"] = requestID
		billCtx, cancel := context.WithTimeout(ctx, e.cfg.BillerTimeout)
		billErr := e.biller.PayBill(billCtx, requestID, op.Bill, op.BillerReference, op.Amount)
		cancel()
		if billErr != nil {
			e.logger.Warn("Biller rejected payment",
				"account_id", acc.ID, "bill_type", op.Bill, "amount", op.Amount,
				"biller_request_id", requestID, "error", billErr)
			row.Metadata["biller_error"] = billErr.Error()
			return e.settleFailed(ctx, tx, row, errors.BillerFailure, key)
		}

		after := acc.Balance.Sub(op.Amount)
		if err := tx.Accounts().UpdateAccountBalance(ctx, acc.ID, after); err != nil {
			return err
		}
		if err := settle(ctx, tx, row, row.Complete(now, after)); err != nil {
			return err
		}
		return recordOutcome(ctx, tx, key, row.Reference)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Bill payment settled",
		"reference", result.Transaction.Reference,
		"account_id", op.AccountID,
		"bill_type", op.Bill,
		"amount", op.Amount,
		"status", result.Transaction.Status)
	return result, failure
}

func (e *Engine) settleFailed(ctx context.Context, tx domain.Store, row *domain.Transaction, code errors.ErrorCode, key string) error {
	if err := settle(ctx, tx, row, row.Fail(e.clock(), code)); err != nil {
		return err
	}
	return recordOutcome(ctx, tx, key, row.Reference)
}

// notify runs after commit, outside every lock. Hook failures never reach
// the caller.
func (e *Engine) notify(ctx context.Context, res *domain.Result) {
	if e.hook == nil {
		return
	}
	for _, row := range res.Settled() {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.logger.Error("Settlement hook panicked", "reference", row.Reference, "panic", p)
				}
			}()
			if err := e.hook.OnTransactionSettled(ctx, row.AccountID, row.Reference, row.Status); err != nil {
				e.logger.Warn("Settlement hook failed", "reference", row.Reference, "error", err)
			}
		}()
	}
}

// clock truncates to the storage precision so rows read back compare equal.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}

func newRow(acc *domain.Account, typ domain.TransactionType, kind domain.TransactionKind, amount decimal.Decimal, narration, key string, now time.Time) *domain.Transaction {
	return &domain.Transaction{
		Reference:      domain.NewReference(now),
		AccountID:      acc.ID,
		Type:           typ,
		Kind:           kind,
		Status:         domain.StatusPending,
		Amount:         amount,
		Currency:       acc.Currency,
		BalanceBefore:  acc.Balance,
		BalanceAfter:   acc.Balance,
		Narration:      narration,
		IdempotencyKey: key,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// insertRow appends a pending row, drawing a fresh reference on collision.
func insertRow(ctx context.Context, tx domain.Store, row *domain.Transaction) error {
	for attempt := 1; ; attempt++ {
		err := tx.Transactions().CreateTransaction(ctx, row)
		if err == nil || !stderrors.Is(err, errors.ErrDuplicateReference) || attempt == maxReferenceAttempts {
			return err
		}
		row.Reference = domain.NewReference(row.CreatedAt)
	}
}

// collaboratorRequestID is the ledger key when the caller supplied one, so
// retries of the same request reach the collaborator with the same ID, and
// the row reference otherwise.
func collaboratorRequestID(key string, row *domain.Transaction) string {
	if key != "" {
		return key
	}
	return row.Reference
}

func settle(ctx context.Context, tx domain.Store, row *domain.Transaction, transitionErr error) error {
	if transitionErr != nil {
		return transitionErr
	}
	return tx.Transactions().SettleTransaction(ctx, row)
}

func recordOutcome(ctx context.Context, tx domain.Store, key, reference string) error {
	if key == "" {
		return nil
	}
	return tx.Idempotency().Complete(ctx, key, reference)
}
