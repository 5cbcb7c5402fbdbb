package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/resilience"
)

// Handler serves POST /api/payment/{provider}/init.
type Handler struct {
	Svc *Service
}

func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "checkout service not configured", nil)
		return
	}
	var payload Input
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeInvalidCart, "invalid payload", nil)
		return
	}
	payload.Provider = chi.URLParam(r, "provider")
	payload.IdempotencyKey = r.Header.Get(common.IdempotencyHeader)

	out, err := h.Svc.Initiate(r.Context(), payload)
	if err != nil {
		common.WriteError(w, toAppError(err))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusOK, out)
}

func toAppError(err error) error {
	var cartErr *CartError
	switch {
	case errors.As(err, &cartErr):
		appErr := common.NewAppError(common.CodeInvalidCart, "cart is invalid", http.StatusBadRequest, err)
		appErr.Details = map[string]string{"field": cartErr.Field, "reason": cartErr.Reason}
		return appErr
	case errors.Is(err, payment.ErrUnknownProvider):
		return common.NewAppError(common.CodeUnknownProvider, "unknown payment provider", http.StatusNotFound, err)
	case errors.Is(err, ErrIdempotentInFlight):
		return common.NewAppError(common.CodeIdempotentInFlight, "a request with this idempotency key is still in progress", http.StatusConflict, err)
	case errors.Is(err, ErrIdempotencyKeyFailed):
		return common.NewAppError(common.CodeIdempotencyKeyReused, "the request with this idempotency key failed; use a new key", http.StatusConflict, err)
	case errors.Is(err, payment.ErrProviderRejected):
		return common.NewAppError(common.CodeProviderRejected, "payment provider rejected the request", http.StatusUnprocessableEntity, err)
	case resilience.IsTimeout(err):
		return common.NewAppError(common.CodeProviderTimeout, "payment provider timed out", http.StatusGatewayTimeout, err)
	case errors.Is(err, payment.ErrProviderUnavailable):
		return common.NewAppError(common.CodeProviderUnavailable, "payment provider unavailable", http.StatusBadGateway, err)
	default:
		return err
	}
}
