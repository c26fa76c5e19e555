package handler

import (
	"net/http"
	"time"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/service"
)

type AccountHandler struct {
	accountService *service.AccountService
	devices        *service.DeviceGuard
	pins           *service.PinGuard
}

func NewAccountHandler(accountService *service.AccountService, devices *service.DeviceGuard, pins *service.PinGuard) *AccountHandler {
	return &AccountHandler{
		accountService: accountService,
		devices:        devices,
		pins:           pins,
	}
}

type CreateAccountRequest struct {
	Currency string `json:"currency"`
}

type AccountResponse struct {
	AccountID   string    `json:"account_id"`
	OwnerID     string    `json:"owner_id"`
	Balance     string    `json:"balance"`
	Currency    string    `json:"currency"`
	IsActive    bool      `json:"is_active"`
	IsFrozen    bool      `json:"is_frozen"`
	HasPin      bool      `json:"has_pin"`
	DeviceBound bool      `json:"device_bound"`
	CreatedAt   time.Time `json:"created_at"`
}

func toAccountResponse(account *domain.Account) AccountResponse {
	return AccountResponse{
		AccountID:   account.ID.String(),
		OwnerID:     account.OwnerID,
		Balance:     account.Balance.StringFixed(2),
		Currency:    account.Currency,
		IsActive:    account.IsActive,
		IsFrozen:    account.IsFrozen,
		HasPin:      account.HasPin(),
		DeviceBound: account.BoundDeviceID != "",
		CreatedAt:   account.CreatedAt,
	}
}

func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	account, err := h.accountService.OpenAccount(r.Context(), ownerFrom(r), req.Currency)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountResponse(account))
}

func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toAccountResponse(accountFrom(r)))
}

type DeviceRequest struct {
	DeviceID string `json:"device_id"`
}

func (h *AccountHandler) deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if id := r.Header.Get(headerDeviceID); id != "" {
		return id, true
	}
	var req DeviceRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	return req.DeviceID, true
}

func (h *AccountHandler) DeviceLogin(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := h.deviceID(w, r)
	if !ok {
		return
	}

	check, err := h.devices.Login(r.Context(), accountFrom(r).ID, deviceID)
	if err != nil {
		if check != nil {
			writeErrorWithData(w, errors.As(err), check)
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

// ChangeDevice rebinds the account to the device named by the OTP proof.
// A device ID sent alongside the proof must match it.
func (h *AccountHandler) ChangeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := provenDeviceFrom(r)
	if r.Header.Get(headerDeviceID) != "" || r.ContentLength != 0 {
		requested, ok := h.deviceID(w, r)
		if !ok {
			return
		}
		if requested != "" && requested != deviceID {
			writeError(w, errors.ErrDeviceChangeUnverified.WithDetails("proof names a different device"))
			return
		}
	}

	check, err := h.devices.ChangeDevice(r.Context(), accountFrom(r).ID, deviceID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, check)
}

type SetPinRequest struct {
	Pin        string `json:"pin"`
	ConfirmPin string `json:"confirm_pin"`
}

type ChangePinRequest struct {
	CurrentPin string `json:"current_pin"`
	Pin        string `json:"pin"`
	ConfirmPin string `json:"confirm_pin"`
}

type PinResponse struct {
	PinSet bool `json:"pin_set"`
}

func (h *AccountHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	var req SetPinRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.pins.SetPin(r.Context(), accountFrom(r).ID, req.Pin, req.ConfirmPin); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, PinResponse{PinSet: true})
}

func (h *AccountHandler) ChangePin(w http.ResponseWriter, r *http.Request) {
	var req ChangePinRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.pins.ChangePin(r.Context(), accountFrom(r).ID, req.CurrentPin, req.Pin, req.ConfirmPin); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PinResponse{PinSet: true})
}
