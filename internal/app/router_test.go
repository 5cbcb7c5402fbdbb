package app_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/app"
	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/config"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/resilience"
	"github.com/technest/payment-core/internal/store/memory"
)

const webhookSecret = "whsec_router"

func fakeCardAPI(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	sessions := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v1/checkout/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions++
		id := "cs_test_" + strconv.Itoa(sessions)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "url": "https://checkout.card.example/" + id})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &sessions
}

type harness struct {
	router   http.Handler
	outbox   *common.InMemoryEmail
	sessions *int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	api, sessions := fakeCardAPI(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		AppEnv:          "test",
		StoreDriver:     config.StoreDriverMemory,
		PublicBaseURL:   "https://api.technest.example",
		FrontendBaseURL: "https://technest.example",
		ProviderTimeout: 2 * time.Second,
		IntentTTL:       30 * time.Minute,
		SweepInterval:   time.Minute,
		SweepBatchSize:  10,
		Retry:           resilience.ClientOptions{MaxAttempts: 1, BreakerMinRequests: 100, BreakerRatio: 1, BreakerOpenFor: time.Second},
		Card: payment.CardConfig{
			Enabled:       true,
			BaseURL:       api.URL,
			ClientID:      "client",
			ClientSecret:  "secret",
			WebhookSecret: webhookSecret,
		},
		NotifyEmailEnabled: true,
		RateLimitInit:      "100-M",
		IdempotencyTTL:     time.Minute,
		Obs:                config.ObsConfig{MetricsNamespace: "technest_test"},
	}
	registry, err := app.NewRegistry(cfg, zerolog.Nop())
	require.NoError(t, err)

	outbox := &common.InMemoryEmail{}
	deps := &app.Dependencies{
		Config:          cfg,
		Logger:          zerolog.Nop(),
		Store:           memory.New(),
		Redis:           rdb,
		Registry:        registry,
		Mailer:          outbox,
		MetricsRegistry: prometheus.NewRegistry(),
		MetricsEnabled:  true,
	}
	require.NoError(t, deps.OpenLimiter())
	return &harness{router: app.NewRouter(deps, app.NewServices(deps)), outbox: outbox, sessions: sessions}
}

func (h *harness) do(t *testing.T, method, path string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func signedCardEvent(t *testing.T, eventID, sessionID string, amount int64) ([]byte, http.Header) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             sessionID,
			"amount_total":   amount,
			"currency":       "usd",
			"payment_status": "paid",
		}},
	})
	require.NoError(t, err)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	header := http.Header{}
	header.Set(payment.CardSignatureHeader, "t="+ts+",v1="+payment.SignCardPayload(webhookSecret, ts, body))
	header.Set("Content-Type", "application/json")
	return body, header
}

func TestCheckoutToPaidOrder(t *testing.T) {
	h := newHarness(t)
	cart := []byte(`{"cart":[{"title":"Landing page","price":49.99,"type":"service","category":"web"}],"total":49.99,"email":"buyer@example.com"}`)
	header := http.Header{}
	header.Set(common.IdempotencyHeader, "cart-1")

	rec := h.do(t, http.MethodPost, "/api/payment/card/init", cart, header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var initResp struct {
		URL     string `json:"url"`
		OrderID string `json:"orderId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &initResp))
	require.Equal(t, "https://checkout.card.example/cs_test_1", initResp.URL)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	// Replaying the same key returns the same session.
	rec = h.do(t, http.MethodPost, "/api/payment/card/init", cart, header)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), initResp.URL)
	require.Equal(t, 1, *h.sessions)

	body, sig := signedCardEvent(t, "evt_1", "cs_test_1", 4999)
	rec = h.do(t, http.MethodPost, "/api/payment/card/callback", body, sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.JSONEq(t, `{"received":true}`, rec.Body.String())

	// A redelivery is acknowledged without a second email.
	rec = h.do(t, http.MethodPost, "/api/payment/card/callback", body, sig)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/orders/"+initResp.OrderID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orderResp struct {
		Data struct {
			Status string `json:"status"`
			Total  string `json:"total"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orderResp))
	require.Equal(t, "paid", orderResp.Data.Status)
	require.Equal(t, "49.99", orderResp.Data.Total)

	sent := h.outbox.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "buyer@example.com", sent[0].To)
}

func TestCallbackWithBadSignatureIsRejected(t *testing.T) {
	h := newHarness(t)
	body, sig := signedCardEvent(t, "evt_bad", "cs_unknown", 4999)
	sig.Set(payment.CardSignatureHeader, "t=1,v1=deadbeef")
	rec := h.do(t, http.MethodPost, "/api/payment/card/callback", body, sig)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouterSurface(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/health/live", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/payment/paypal/init", []byte(`{}`), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/payment/bkash/callback", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "technest_test_http_requests_total")
}
