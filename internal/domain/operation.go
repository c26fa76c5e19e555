package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"wallet-ledger/internal/errors"
)

// MaxAmount caps a single operation.
var MaxAmount = decimal.NewFromInt(10_000_000_000)

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodBonus        PaymentMethod = "bonus"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodBonus:
		return true
	}
	return false
}

type BillType string

const (
	BillAirtime     BillType = "airtime"
	BillData        BillType = "data"
	BillElectricity BillType = "electricity"
	BillCableTV     BillType = "cable_tv"
)

// ReferenceField names the metadata field the biller reference is stored under.
func (b BillType) ReferenceField() string {
	switch b {
	case BillAirtime, BillData:
		return "phone_number"
	case BillElectricity:
		return "meter_number"
	case BillCableTV:
		return "smartcard_number"
	}
	return ""
}

func (b BillType) Valid() bool {
	return b.ReferenceField() != ""
}

// Auth carries the secondary credentials presented with an operation.
type Auth struct {
	DeviceID string
	PIN      string
}

// Idempotency carries the caller's deduplication inputs.
type Idempotency struct {
	Key   string
	Nonce string
}

// Operation is the closed set of balance-changing requests.
type Operation interface {
	Kind() TransactionKind
	// Account is the wallet initiating the operation.
	Account() uuid.UUID
	Validate() error
	RequiresPIN() bool
	Credentials() Auth
	Dedup() Idempotency
	// Fingerprint identifies the request payload independent of its key.
	Fingerprint() string
	isOperation()
}

type TransferOp struct {
	Source      uuid.UUID
	Destination uuid.UUID
	Amount      decimal.Decimal
	Narration   string
	Auth        Auth
	Idempotency Idempotency
}

type TopUpOp struct {
	AccountID   uuid.UUID
	Amount      decimal.Decimal
	Method      PaymentMethod
	Narration   string
	Auth        Auth
	Idempotency Idempotency
}

type BillPaymentOp struct {
	AccountID       uuid.UUID
	Amount          decimal.Decimal
	Bill            BillType
	BillerReference string
	Narration       string
	Auth            Auth
	Idempotency     Idempotency
}

func (TransferOp) isOperation()    {}
func (TopUpOp) isOperation()       {}
func (BillPaymentOp) isOperation() {}

func (TransferOp) Kind() TransactionKind    { return KindTransfer }
func (TopUpOp) Kind() TransactionKind       { return KindTopUp }
func (BillPaymentOp) Kind() TransactionKind { return KindBillPayment }

func (o TransferOp) Account() uuid.UUID    { return o.Source }
func (o TopUpOp) Account() uuid.UUID       { return o.AccountID }
func (o BillPaymentOp) Account() uuid.UUID { return o.AccountID }

func (TransferOp) RequiresPIN() bool    { return true }
func (TopUpOp) RequiresPIN() bool       { return false }
func (BillPaymentOp) RequiresPIN() bool { return true }

func (o TransferOp) Credentials() Auth    { return o.Auth }
func (o TopUpOp) Credentials() Auth       { return o.Auth }
func (o BillPaymentOp) Credentials() Auth { return o.Auth }

func (o TransferOp) Dedup() Idempotency    { return o.Idempotency }
func (o TopUpOp) Dedup() Idempotency       { return o.Idempotency }
func (o BillPaymentOp) Dedup() Idempotency { return o.Idempotency }

func (o TransferOp) Validate() error {
	if o.Source == uuid.Nil || o.Destination == uuid.Nil {
		return errors.ErrInvalidAccountID
	}
	if o.Source == o.Destination {
		return errors.ErrSameAccountTransfer
	}
	return ValidateAmount(o.Amount)
}

func (o TopUpOp) Validate() error {
	if o.AccountID == uuid.Nil {
		return errors.ErrInvalidAccountID
	}
	if !o.Method.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "unsupported payment method %q", o.Method)
	}
	return ValidateAmount(o.Amount)
}

func (o BillPaymentOp) Validate() error {
	if o.AccountID == uuid.Nil {
		return errors.ErrInvalidAccountID
	}
	if !o.Bill.Valid() {
		return errors.NewAppErrorf(errors.InvalidInput, "unsupported bill type %q", o.Bill)
	}
	if strings.TrimSpace(o.BillerReference) == "" {
		return errors.NewAppErrorf(errors.InvalidInput, "%s is required", o.Bill.ReferenceField())
	}
	return ValidateAmount(o.Amount)
}

func (o TransferOp) Fingerprint() string {
	return fingerprint(KindTransfer, o.Source, o.Destination.String(), o.Amount, o.Narration)
}

func (o TopUpOp) Fingerprint() string {
	return fingerprint(KindTopUp, o.AccountID, string(o.Method), o.Amount, o.Narration)
}

func (o BillPaymentOp) Fingerprint() string {
	return fingerprint(KindBillPayment, o.AccountID, string(o.Bill)+":"+o.BillerReference, o.Amount, o.Narration)
}

// ValidateAmount enforces a positive amount in minor-unit precision.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return errors.ErrInvalidAmount
	}
	if !amount.Equal(amount.Round(2)) {
		return errors.ErrInvalidAmount
	}
	if amount.GreaterThan(MaxAmount) {
		return errors.NewAppError(errors.InvalidAmount, "amount exceeds maximum limit")
	}
	return nil
}

// IdempotencyKey resolves the key used to deduplicate op. An explicit key
// wins; otherwise a nonce derives one from the payload. With neither the
// operation is not deduplicated and "" is returned.
func IdempotencyKey(op Operation) string {
	d := op.Dedup()
	if d.Key != "" {
		return d.Key
	}
	if d.Nonce == "" {
		return ""
	}
	return "derived:" + hash(op.Fingerprint(), d.Nonce)
}

func fingerprint(kind TransactionKind, account uuid.UUID, counterparty string, amount decimal.Decimal, narration string) string {
	return hash(string(kind), account.String(), counterparty, amount.StringFixed(2), narration)
}

func hash(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
