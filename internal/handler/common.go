package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
)

const (
	headerDeviceID       = "X-Device-ID"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplay         = "X-Idempotent-Replay"
	maxBodyBytes         = 1 << 20
)

type Response struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := Response{Data: data}
	json.NewEncoder(w).Encode(response)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWithData(w, errors.As(err), nil)
}

// writeErrorWithData sends an error envelope that also carries data, used
// when a failed operation still produced a record.
func writeErrorWithData(w http.ResponseWriter, appErr *errors.AppError, data interface{}) {
	w.Header().Set("Content-Type", "application/json")

	errResponse := Error{
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
		Retryable: appErr.Retryable(),
	}

	w.WriteHeader(appErr.HTTPStatus())
	json.NewEncoder(w).Encode(Response{Data: data, Error: &errResponse})
}

// ResultResponse is the initiator's view of an operation. The other leg of
// a transfer is referenced, never shown, since its balances belong to the
// recipient.
type ResultResponse struct {
	Transaction          *domain.Transaction `json:"transaction"`
	CounterpartReference string              `json:"counterpart_reference,omitempty"`
}

func toResultResponse(res *domain.Result) ResultResponse {
	out := ResultResponse{Transaction: res.Transaction}
	if res.Counterpart != nil {
		out.CounterpartReference = res.Counterpart.Reference
	}
	return out
}

// writeResult renders a ledger outcome. A failed row is reported with the
// error matching its failure code even when the engine returned no error.
// A replay answers exactly like the first response, plus the replay header.
func writeResult(w http.ResponseWriter, res *domain.Result, err error) {
	if res == nil {
		writeError(w, err)
		return
	}
	if res.Replayed {
		w.Header().Set(headerReplay, "true")
	}
	if err == nil && res.Transaction.Status == domain.StatusFailed {
		err = errors.FromCode(res.Transaction.FailureCode)
	}
	if err != nil {
		writeErrorWithData(w, errors.As(err), toResultResponse(res))
		return
	}
	writeJSON(w, http.StatusCreated, toResultResponse(res))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, errors.NewAppError(errors.InvalidInput, "invalid request body").WithDetails(err.Error()))
		return false
	}
	return true
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error())
	}
	return amount, nil
}

// idempotencyFrom prefers the Idempotency-Key header over the body field.
func idempotencyFrom(r *http.Request, bodyKey, nonce string) domain.Idempotency {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if key == "" {
		key = strings.TrimSpace(bodyKey)
	}
	return domain.Idempotency{Key: key, Nonce: strings.TrimSpace(nonce)}
}
