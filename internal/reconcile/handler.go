package reconcile

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/payment"
)

const defaultMaxCallbackBody = 256 << 10

// Handler serves GET|POST /api/payment/{provider}/callback.
type Handler struct {
	Engine  *Engine
	MaxBody int64
}

func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Engine == nil {
		common.JSONError(w, http.StatusInternalServerError, common.CodeInternal, "callback handler not configured", nil)
		return
	}
	name := chi.URLParam(r, "provider")
	adapter, err := h.Engine.Registry.Get(name)
	if err != nil {
		common.JSONError(w, http.StatusNotFound, common.CodeUnknownProvider, "unknown payment provider", nil)
		return
	}
	limit := h.MaxBody
	if limit <= 0 {
		limit = defaultMaxCallbackBody
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, common.CodeBadRequest, "failed to read callback body", nil)
		return
	}
	if int64(len(body)) > limit {
		common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodePayloadTooLarge, "callback body too large", nil)
		return
	}

	res, err := h.Engine.Handle(r.Context(), name, payment.CallbackRequest{
		Method: r.Method,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Body:   body,
	})
	kind, status := Ack(res, err)
	contentType, ack := adapter.AckBody(kind, res.OrderID)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(ack)
}

// Ack chooses the acknowledgement kind and HTTP status for a handled callback.
func Ack(res Result, err error) (payment.AckKind, int) {
	switch {
	case err == nil:
		switch res.Kind {
		case ResultDuplicate:
			return payment.AckDuplicate, http.StatusOK
		case ResultUnknownIntent, ResultIgnored:
			return payment.AckIgnored, http.StatusOK
		default:
			return payment.AckProcessed, http.StatusOK
		}
	case errors.Is(err, payment.ErrInvalidSignature):
		return payment.AckRejected, http.StatusBadRequest
	case errors.Is(err, payment.ErrProviderUnavailable):
		return payment.AckRetry, http.StatusServiceUnavailable
	case errors.Is(err, ErrSessionPending):
		return payment.AckRetry, http.StatusConflict
	default:
		return payment.AckRetry, http.StatusInternalServerError
	}
}
