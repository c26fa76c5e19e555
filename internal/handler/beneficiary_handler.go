package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/domain"
	"wallet-ledger/internal/errors"
	"wallet-ledger/internal/service"
)

type BeneficiaryHandler struct {
	beneficiaries *service.BeneficiaryService
}

func NewBeneficiaryHandler(beneficiaries *service.BeneficiaryService) *BeneficiaryHandler {
	return &BeneficiaryHandler{beneficiaries: beneficiaries}
}

type SaveBeneficiaryRequest struct {
	BeneficiaryAccountID string `json:"beneficiary_account_id"`
	Nickname             string `json:"nickname,omitempty"`
	IsFavorite           bool   `json:"is_favorite,omitempty"`
}

type BeneficiaryResponse struct {
	BeneficiaryAccountID string     `json:"beneficiary_account_id"`
	Nickname             string     `json:"nickname,omitempty"`
	IsFavorite           bool       `json:"is_favorite"`
	TotalSent            string     `json:"total_sent"`
	TransactionCount     int        `json:"transaction_count"`
	CreatedAt            time.Time  `json:"created_at"`
	LastTransactionAt    *time.Time `json:"last_transaction_at,omitempty"`
}

func toBeneficiaryResponse(b *domain.Beneficiary) BeneficiaryResponse {
	return BeneficiaryResponse{
		BeneficiaryAccountID: b.BeneficiaryAccountID.String(),
		Nickname:             b.Nickname,
		IsFavorite:           b.IsFavorite,
		TotalSent:            b.TotalSent.StringFixed(2),
		TransactionCount:     b.TransactionCount,
		CreatedAt:            b.CreatedAt,
		LastTransactionAt:    b.LastTransactionAt,
	}
}

// SaveBeneficiary answers 201 for a new entry and 200 for an update.
func (h *BeneficiaryHandler) SaveBeneficiary(w http.ResponseWriter, r *http.Request) {
	var req SaveBeneficiaryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	beneficiaryID, err := uuid.Parse(req.BeneficiaryAccountID)
	if err != nil {
		writeError(w, errors.ErrInvalidAccountID.WithDetails(err.Error()))
		return
	}

	saved, created, err := h.beneficiaries.Save(r.Context(), accountFrom(r).ID, beneficiaryID, req.Nickname, req.IsFavorite)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toBeneficiaryResponse(saved))
}

func (h *BeneficiaryHandler) ListBeneficiaries(w http.ResponseWriter, r *http.Request) {
	favoritesOnly := false
	if v := r.URL.Query().Get("favorites"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, errors.NewAppError(errors.InvalidInput, "favorites must be a boolean"))
			return
		}
		favoritesOnly = parsed
	}

	list, err := h.beneficiaries.List(r.Context(), accountFrom(r).ID, favoritesOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]BeneficiaryResponse, 0, len(list))
	for _, b := range list {
		out = append(out, toBeneficiaryResponse(b))
	}
	writeJSON(w, http.StatusOK, out)
}
