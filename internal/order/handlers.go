package order

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/pricing"
)

// Handler exposes the order status endpoint polled by the confirmation page.
type Handler struct {
	Svc *Service
}

type orderResponse struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Total         string    `json:"total"`
	TotalMinor    int64     `json:"totalMinor"`
	Currency      string    `json:"currency"`
	FailureReason string    `json:"failureReason,omitempty"`
	PaidIntentID  string    `json:"paidIntentId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "order service not configured", nil)
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := uuid.Parse(id); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "invalid order id", nil)
		return
	}
	ord, err := h.Svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, common.CodeNotFound, "order not found", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "failed to load order", nil)
		return
	}
	common.JSONData(w, http.StatusOK, orderResponse{
		ID:            ord.ID,
		Status:        ord.Status,
		Total:         pricing.FormatMajor(ord.Total),
		TotalMinor:    ord.Total,
		Currency:      ord.Currency,
		FailureReason: ord.FailureReason,
		PaidIntentID:  ord.PaidIntentID,
		CreatedAt:     ord.CreatedAt,
		UpdatedAt:     ord.UpdatedAt,
	})
}
