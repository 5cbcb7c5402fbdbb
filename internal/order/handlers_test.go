package order_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/order"
)

func serveGet(h *order.Handler, id string) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/orders/{id}", h.Get)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	return rec
}

func TestHandlerGet(t *testing.T) {
	svc := newService(t)
	o := createOrder(t, svc)
	_, err := svc.MarkPaid(context.Background(), o.ID, "intent-a")
	require.NoError(t, err)

	rec := serveGet(&order.Handler{Svc: svc}, o.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			Total        string `json:"total"`
			TotalMinor   int64  `json:"totalMinor"`
			PaidIntentID string `json:"paidIntentId"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, o.ID, body.Data.ID)
	require.Equal(t, "paid", body.Data.Status)
	require.Equal(t, "50.00", body.Data.Total)
	require.EqualValues(t, 5000, body.Data.TotalMinor)
	require.Equal(t, "intent-a", body.Data.PaidIntentID)
}

func TestHandlerGetErrors(t *testing.T) {
	h := &order.Handler{Svc: newService(t)}
	require.Equal(t, http.StatusBadRequest, serveGet(h, "not-a-uuid").Code)
	require.Equal(t, http.StatusNotFound, serveGet(h, uuid.NewString()).Code)
}
