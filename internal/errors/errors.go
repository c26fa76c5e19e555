package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	InvalidInput           ErrorCode = "invalid_input"
	InvalidAmount          ErrorCode = "invalid_amount"
	InvalidAccountID       ErrorCode = "invalid_account_id"
	SameAccountTransfer    ErrorCode = "same_account_transfer"
	AccountNotFound        ErrorCode = "account_not_found"
	DuplicateAccount       ErrorCode = "duplicate_account"
	DuplicateReference     ErrorCode = "duplicate_reference"
	InsufficientFunds      ErrorCode = "insufficient_funds"
	AccountFrozen          ErrorCode = "account_frozen"
	AccountInactive        ErrorCode = "account_inactive"
	CurrencyMismatch       ErrorCode = "currency_mismatch"
	AccountBusy            ErrorCode = "account_busy"
	InvalidPin             ErrorCode = "invalid_pin"
	PinNotSet              ErrorCode = "pin_not_set"
	PinAlreadySet          ErrorCode = "pin_already_set"
	PinLocked              ErrorCode = "pin_locked"
	PinChangeInProgress    ErrorCode = "pin_change_in_progress"
	DeviceMismatch         ErrorCode = "device_mismatch"
	DeviceNotBound         ErrorCode = "device_not_bound"
	DeviceChangeUnverified ErrorCode = "device_change_unverified"
	InvalidBeneficiary     ErrorCode = "invalid_beneficiary"
	LockTimeout            ErrorCode = "lock_timeout"
	GatewayFailure         ErrorCode = "gateway_failure"
	BillerFailure          ErrorCode = "biller_failure"
	TransactionNotFound    ErrorCode = "transaction_not_found"
	IdempotencyConflict    ErrorCode = "idempotency_conflict"
	RequestInProgress      ErrorCode = "request_in_progress"
	InvalidStateChange     ErrorCode = "invalid_state_change"
	Unauthorized           ErrorCode = "unauthorized"
	CannotBeginTransaction ErrorCode = "cannot_begin_transaction"
	InternalError          ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on Code so that copies produced by WithDetails still satisfy
// errors.Is against the predefined values below.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok || t == nil {
		return false
	}
	return t.Code == e.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details; predefined errors are shared
// and must not be mutated.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case InvalidInput, InvalidAmount, InvalidAccountID, SameAccountTransfer, CurrencyMismatch,
		InvalidBeneficiary:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case DeviceMismatch, DeviceNotBound, DeviceChangeUnverified, InvalidPin, PinLocked:
		return http.StatusForbidden
	case AccountNotFound, TransactionNotFound:
		return http.StatusNotFound
	case DuplicateAccount, PinAlreadySet, PinChangeInProgress, IdempotencyConflict,
		RequestInProgress, AccountBusy, InvalidStateChange:
		return http.StatusConflict
	case InsufficientFunds, AccountFrozen, AccountInactive, PinNotSet:
		return http.StatusUnprocessableEntity
	case LockTimeout:
		return http.StatusServiceUnavailable
	case GatewayFailure, BillerFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether resubmitting the same request, with the same
// idempotency key, may succeed without any change on the caller's side.
func (e *AppError) Retryable() bool {
	switch e.Code {
	case LockTimeout, AccountBusy, PinChangeInProgress, RequestInProgress:
		return true
	}
	return false
}

// Predefined errors for common cases
var (
	ErrInvalidInput           = NewAppError(InvalidInput, "invalid request")
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be a positive value with at most two decimal places")
	ErrInvalidAccountID       = NewAppError(InvalidAccountID, "invalid account ID")
	ErrSameAccountTransfer    = NewAppError(SameAccountTransfer, "source and destination accounts must differ")
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrDuplicateAccount       = NewAppError(DuplicateAccount, "account already exists")
	ErrDuplicateReference     = NewAppError(DuplicateReference, "transaction reference already exists")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrAccountFrozen          = NewAppError(AccountFrozen, "account is frozen")
	ErrAccountInactive        = NewAppError(AccountInactive, "account is not active")
	ErrCurrencyMismatch       = NewAppError(CurrencyMismatch, "accounts hold different currencies")
	ErrAccountBusy            = NewAppError(AccountBusy, "account is locked by another operation")
	ErrInvalidPin             = NewAppError(InvalidPin, "invalid transaction PIN")
	ErrPinNotSet              = NewAppError(PinNotSet, "transaction PIN not set")
	ErrPinAlreadySet          = NewAppError(PinAlreadySet, "transaction PIN already set")
	ErrPinLocked              = NewAppError(PinLocked, "transaction PIN temporarily locked")
	ErrPinChangeInProgress    = NewAppError(PinChangeInProgress, "another PIN change is in progress")
	ErrDeviceMismatch         = NewAppError(DeviceMismatch, "account is bound to a different device")
	ErrDeviceNotBound         = NewAppError(DeviceNotBound, "no device bound to account")
	ErrDeviceChangeUnverified = NewAppError(DeviceChangeUnverified, "device change has not been verified")
	ErrInvalidBeneficiary     = NewAppError(InvalidBeneficiary, "account cannot be its own beneficiary")
	ErrLockTimeout            = NewAppError(LockTimeout, "timed out waiting for account lock")
	ErrGatewayFailure         = NewAppError(GatewayFailure, "payment was not settled by the gateway")
	ErrBillerFailure          = NewAppError(BillerFailure, "biller rejected the payment")
	ErrTransactionNotFound    = NewAppError(TransactionNotFound, "transaction not found")
	ErrIdempotencyConflict    = NewAppError(IdempotencyConflict, "idempotency key was used for a different request")
	ErrRequestInProgress      = NewAppError(RequestInProgress, "a request with this idempotency key is still in progress")
	ErrInvalidStateChange     = NewAppError(InvalidStateChange, "transaction is already settled")
	ErrUnauthorized           = NewAppError(Unauthorized, "missing or invalid credentials")
	ErrCannotBeginTransaction = NewAppError(CannotBeginTransaction, "cannot begin a nested transaction")
)

var byCode = map[ErrorCode]*AppError{}

func init() {
	for _, e := range []*AppError{
		ErrInvalidAmount, ErrInvalidAccountID, ErrSameAccountTransfer, ErrAccountNotFound,
		ErrDuplicateAccount, ErrInsufficientFunds, ErrAccountFrozen, ErrAccountInactive,
		ErrCurrencyMismatch, ErrInvalidPin, ErrPinNotSet, ErrPinLocked, ErrDeviceMismatch,
		ErrDeviceNotBound, ErrLockTimeout, ErrGatewayFailure, ErrBillerFailure,
	} {
		byCode[e.Code] = e
	}
}

// FromCode returns the predefined error for a failure code stored on a
// transaction record.
func FromCode(code string) *AppError {
	if e, ok := byCode[ErrorCode(code)]; ok {
		return e
	}
	return NewAppError(ErrorCode(code), "transaction failed")
}

// Internal wraps an unexpected storage or runtime fault.
func Internal(message string, err error) *AppError {
	appErr := NewAppError(InternalError, message)
	if err != nil {
		appErr.Details = err.Error()
	}
	return appErr
}

// As extracts an *AppError from err, falling back to an internal error.
func As(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Internal("an unexpected error occurred", err)
}

// IsRetryable reports whether err is an AppError marked retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
