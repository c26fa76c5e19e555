package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/service"
)

const defaultSummaryDays = 30

type TransactionHandler struct {
	engine             *service.Engine
	transactionService *service.TransactionService
	aggregator         *service.Aggregator
}

func NewTransactionHandler(engine *service.Engine, transactionService *service.TransactionService, aggregator *service.Aggregator) *TransactionHandler {
	return &TransactionHandler{
		engine:             engine,
		transactionService: transactionService,
		aggregator:         aggregator,
	}
}

type TransferRequest struct {
	DestinationAccountID string `json:"destination_account_id"`
	Amount               string `json:"amount"`
	Narration            string `json:"narration,omitempty"`
	Pin                  string `json:"pin"`
	IdempotencyKey       string `json:"idempotency_key,omitempty"`
	Nonce                string `json:"nonce,omitempty"`
}

func (h *TransactionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	destination, err := uuid.Parse(req.DestinationAccountID)
	if err != nil {
		writeError(w, errors.ErrInvalidAccountID.WithDetails(err.Error()))
		return
	}

	res, err := h.engine.Transfer(r.Context(), domain.TransferOp{
		Source:      accountFrom(r).ID,
		Destination: destination,
		Amount:      amount,
		Narration:   req.Narration,
		Auth:        domain.Auth{DeviceID: r.Header.Get(headerDeviceID), PIN: req.Pin},
		Idempotency: idempotencyFrom(r, req.IdempotencyKey, req.Nonce),
	})
	writeResult(w, res, err)
}

type TopUpRequest struct {
	Amount         string `json:"amount"`
	Method         string `json:"method"`
	Narration      string `json:"narration,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
}

func (h *TransactionHandler) TopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	// bonus credits are issued by the ledger itself
	method := domain.PaymentMethod(req.Method)
	if method == domain.MethodBonus || !method.Valid() {
		writeError(w, errors.NewAppErrorf(errors.InvalidInput, "unsupported payment method %q", req.Method))
		return
	}

	res, err := h.engine.TopUp(r.Context(), domain.TopUpOp{
		AccountID:   accountFrom(r).ID,
		Amount:      amount,
		Method:      method,
		Narration:   req.Narration,
		Auth:        domain.Auth{DeviceID: r.Header.Get(headerDeviceID)},
		Idempotency: idempotencyFrom(r, req.IdempotencyKey, req.Nonce),
	})
	writeResult(w, res, err)
}

type BillPaymentRequest struct {
	BillType        string `json:"bill_type"`
	Amount          string `json:"amount"`
	PhoneNumber     string `json:"phone_number,omitempty"`
	MeterNumber     string `json:"meter_number,omitempty"`
	SmartcardNumber string `json:"smartcard_number,omitempty"`
	Narration       string `json:"narration,omitempty"`
	Pin             string `json:"pin"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	Nonce           string `json:"nonce,omitempty"`
}

// billerReference picks the identifier field the bill type uses.
func (req BillPaymentRequest) billerReference(bill domain.BillType) string {
	switch bill.ReferenceField() {
	case "phone_number":
		return req.PhoneNumber
	case "meter_number":
		return req.MeterNumber
	case "smartcard_number":
		return req.SmartcardNumber
	}
	return ""
}

func (h *TransactionHandler) PayBill(w http.ResponseWriter, r *http.Request) {
	var req BillPaymentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	bill := domain.BillType(req.BillType)

	res, err := h.engine.PayBill(r.Context(), domain.BillPaymentOp{
		AccountID:       accountFrom(r).ID,
		Amount:          amount,
		Bill:            bill,
		BillerReference: req.billerReference(bill),
		Narration:       req.Narration,
		Auth:            domain.Auth{DeviceID: r.Header.Get(headerDeviceID), PIN: req.Pin},
		Idempotency:     idempotencyFrom(r, req.IdempotencyKey, req.Nonce),
	})
	writeResult(w, res, err)
}

func (h *TransactionHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.HistoryFilter{
		AccountID: accountFrom(r).ID,
		Type:      domain.TransactionType(q.Get("type")),
		Status:    domain.TransactionStatus(q.Get("status")),
		Kind:      domain.TransactionKind(q.Get("kind")),
	}

	var err error
	if filter.From, err = parseTime(q.Get("from"), false); err != nil {
		writeError(w, err)
		return
	}
	if filter.To, err = parseTime(q.Get("to"), true); err != nil {
		writeError(w, err)
		return
	}

	req := domain.PageRequest{Cursor: q.Get("cursor")}
	if req.Page, err = parseInt(q.Get("page"), "page"); err != nil {
		writeError(w, err)
		return
	}
	if req.PageSize, err = parseInt(q.Get("page_size"), "page_size"); err != nil {
		writeError(w, err)
		return
	}

	page, err := h.transactionService.History(r.Context(), filter, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]

	txn, err := h.transactionService.GetTransaction(r.Context(), accountFrom(r).ID, reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// Summary accepts either from/to dates or a number of days ending today.
func (h *TransactionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accountID := accountFrom(r).ID

	var (
		summary *domain.Summary
		err     error
	)
	if q.Get("from") != "" || q.Get("to") != "" {
		var rng domain.DateRange
		rng, err = parseDateRange(q.Get("from"), q.Get("to"))
		if err == nil {
			summary, err = h.aggregator.Summarize(r.Context(), accountID, rng)
		}
	} else {
		days := defaultSummaryDays
		if raw := q.Get("days"); raw != "" {
			days, err = parseInt(raw, "days")
		}
		if err == nil {
			summary, err = h.aggregator.Last(r.Context(), accountID, days)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.NewAppErrorf(errors.InvalidInput, "%s must be an integer", name)
	}
	return n, nil
}

// parseTime accepts RFC 3339 or a bare date. A bare upper bound covers the
// whole day.
func parseTime(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return nil, errors.NewAppErrorf(errors.InvalidInput, "invalid time %q", raw)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &t, nil
}

func parseDateRange(fromRaw, toRaw string) (domain.DateRange, error) {
	if fromRaw == "" || toRaw == "" {
		return domain.DateRange{}, errors.NewAppError(errors.InvalidInput, "from and to are both required")
	}
	from, err := time.Parse(domain.DateLayout, fromRaw)
	if err != nil {
		return domain.DateRange{}, errors.NewAppErrorf(errors.InvalidInput, "invalid date %q", fromRaw)
	}
	to, err := time.Parse(domain.DateLayout, toRaw)
	if err != nil {
		return domain.DateRange{}, errors.NewAppErrorf(errors.InvalidInput, "invalid date %q", toRaw)
	}
	return domain.NewDateRange(from, to)
}
