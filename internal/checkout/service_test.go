package checkout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/checkout"
	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/store/memory"
)

type sessionAdapter struct {
	mu    sync.Mutex
	err   error
	calls []payment.SessionRequest
}

func (a *sessionAdapter) Name() payment.Provider { return payment.ProviderCard }
func (a *sessionAdapter) Currency() string       { return "USD" }

func (a *sessionAdapter) CreateSession(_ context.Context, req payment.SessionRequest) (payment.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, req)
	if a.err != nil {
		return payment.Session{}, a.err
	}
	ref := fmt.Sprintf("cs_%d", len(a.calls))
	return payment.Session{ProviderReference: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

func (a *sessionAdapter) VerifyCallback(context.Context, payment.CallbackRequest) (payment.VerifiedCallback, error) {
	return payment.VerifiedCallback{}, payment.ErrUnsupportedEvent
}

func (a *sessionAdapter) AckBody(kind payment.AckKind, _ string) (string, []byte) {
	return "text/plain", []byte(kind)
}

func (a *sessionAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

type fixture struct {
	store   *memory.Store
	adapter *sessionAdapter
	svc     *checkout.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	adapter := &sessionAdapter{}
	svc := &checkout.Service{
		Registry:      payment.NewRegistry(adapter),
		Intents:       store,
		Orders:        &order.Service{Store: store, Logger: zerolog.Nop()},
		Events:        &events.Bus{Store: store, Logger: zerolog.Nop()},
		PublicBaseURL: "https://api.technest.example/",
		Logger:        zerolog.Nop(),
	}
	return &fixture{store: store, adapter: adapter, svc: svc}
}

func validInput() checkout.Input {
	return checkout.Input{
		Cart: []checkout.CartItem{
			{Title: "Landing page", Price: 29.99, Type: "service", Category: "web"},
			{Title: "Logo", Price: 10, Quantity: 2},
		},
		Total:    49.99,
		Email:    "buyer@example.com",
		Provider: "card",
	}
}

func TestInitiateCreatesOrderAndIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.svc.Initiate(ctx, validInput())
	require.NoError(t, err)
	require.Equal(t, "https://pay.example/cs_1", out.URL)

	it, err := f.store.Get(ctx, out.IntentID)
	require.NoError(t, err)
	require.Equal(t, payment.StateAwaitingProvider, it.State)
	require.Equal(t, "cs_1", it.ProviderReference)
	require.EqualValues(t, 4999, it.Amount)
	require.Equal(t, "USD", it.Currency)

	o, err := f.store.GetOrder(ctx, out.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, o.Status)
	require.EqualValues(t, 4999, o.Total)
	require.Len(t, o.Items, 2)
	require.Equal(t, 1, o.Items[0].Quantity)

	require.Len(t, f.adapter.calls, 1)
	call := f.adapter.calls[0]
	require.Equal(t, it.ID, call.IntentID)
	require.Equal(t, "https://api.technest.example/api/payment/card/callback", call.CallbackURL)
	require.Len(t, f.store.Events(events.TopicOrderCreated), 1)
}

func TestInitiateRejectsInvalidCarts(t *testing.T) {
	cases := map[string]func(in *checkout.Input){
		"empty cart":     func(in *checkout.Input) { in.Cart = nil },
		"zero price":     func(in *checkout.Input) { in.Cart[0].Price = 0 },
		"sub-cent price": func(in *checkout.Input) { in.Cart[0].Price = 29.999 },
		"total mismatch": func(in *checkout.Input) { in.Total = 39.99 },
		"invalid email":  func(in *checkout.Input) { in.Email = "not-an-email" },
		"missing title":  func(in *checkout.Input) { in.Cart[1].Title = "" },
		"negative qty":   func(in *checkout.Input) { in.Cart[1].Quantity = -1 },
		"zero declared":  func(in *checkout.Input) { in.Total = 0 },
		"huge price":     func(in *checkout.Input) { in.Cart[0].Price, in.Cart[0].Quantity = 1e16, 20 },
		"huge declared":  func(in *checkout.Input) { in.Total = 1e18 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			in := validInput()
			mutate(&in)
			_, err := f.svc.Initiate(context.Background(), in)
			require.ErrorIs(t, err, checkout.ErrInvalidCart)
			require.Zero(t, f.adapter.callCount())
		})
	}
}

func TestInitiateToleratesOneMinorUnitOfRounding(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.Total = 50.00
	out, err := f.svc.Initiate(context.Background(), in)
	require.NoError(t, err)
	it, err := f.store.Get(context.Background(), out.IntentID)
	require.NoError(t, err)
	require.EqualValues(t, 4999, it.Amount)
}

func TestInitiateUnknownProvider(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.Provider = "paypal"
	_, err := f.svc.Initiate(context.Background(), in)
	require.ErrorIs(t, err, payment.ErrUnknownProvider)

	in.Provider = "bkash"
	_, err = f.svc.Initiate(context.Background(), in)
	require.ErrorIs(t, err, payment.ErrUnknownProvider)
}

func TestInitiateIdempotentReplayCreatesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := validInput()
	in.IdempotencyKey = "checkout-42"

	first, err := f.svc.Initiate(ctx, in)
	require.NoError(t, err)
	second, err := f.svc.Initiate(ctx, in)
	require.NoError(t, err)

	require.Equal(t, first.URL, second.URL)
	require.Equal(t, first.IntentID, second.IntentID)
	require.Equal(t, first.OrderID, second.OrderID)
	require.Equal(t, 1, f.adapter.callCount())
	require.Len(t, f.store.Events(events.TopicOrderCreated), 1)
}

func TestInitiateInFlightKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o, err := f.store.CreateOrder(ctx, order.Order{Total: 4999, Currency: "USD", Status: order.StatusPending})
	require.NoError(t, err)
	_, err = f.store.Create(ctx, payment.NewIntent{OrderID: o.ID, Provider: payment.ProviderCard, Amount: 4999, Currency: "USD", ClientKey: "busy"})
	require.NoError(t, err)

	in := validInput()
	in.IdempotencyKey = "busy"
	_, err = f.svc.Initiate(ctx, in)
	require.ErrorIs(t, err, checkout.ErrIdempotentInFlight)
	require.Zero(t, f.adapter.callCount())
}

func TestInitiateProviderFailureMarksIntentAndOrderFailed(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		reason string
	}{
		{"rejected", &payment.ProviderError{Provider: payment.ProviderCard, StatusCode: 400, Message: "bad amount", Kind: payment.ErrProviderRejected}, payment.ReasonProviderRejected},
		{"unavailable", &payment.ProviderError{Provider: payment.ProviderCard, StatusCode: 503, Message: "down", Kind: payment.ErrProviderUnavailable}, payment.ReasonProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.adapter.err = tc.err
			in := validInput()
			in.IdempotencyKey = "k-" + tc.name

			out, err := f.svc.Initiate(ctx, in)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.err))

			it, getErr := f.store.Get(ctx, out.IntentID)
			require.NoError(t, getErr)
			require.Equal(t, payment.StateFailed, it.State)
			require.Equal(t, tc.reason, it.FailureReason)

			o, getErr := f.store.GetOrder(ctx, out.OrderID)
			require.NoError(t, getErr)
			require.Equal(t, order.StatusFailed, o.Status)

			// The failed key cannot be replayed into a new session.
			f.adapter.err = nil
			_, err = f.svc.Initiate(ctx, in)
			require.ErrorIs(t, err, checkout.ErrIdempotencyKeyFailed)
			require.Equal(t, 1, f.adapter.callCount())
		})
	}
}

type attachFailingStore struct {
	*memory.Store
}

func (s attachFailingStore) AttachProviderReference(context.Context, string, string, string) error {
	return errors.New("db blip")
}

func TestInitiateStoreFailureAfterSessionFailsIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Intents = attachFailingStore{f.store}
	in := validInput()
	in.IdempotencyKey = "attach-fails"

	out, err := f.svc.Initiate(ctx, in)
	require.ErrorContains(t, err, "db blip")
	require.NotEmpty(t, out.IntentID)

	it, err := f.store.Get(ctx, out.IntentID)
	require.NoError(t, err)
	require.Equal(t, payment.StateFailed, it.State)
	require.Equal(t, payment.ReasonCreationIncomplete, it.FailureReason)

	o, err := f.store.GetOrder(ctx, out.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, o.Status)

	// The key resolves to the failed request instead of staying in flight.
	_, err = f.svc.Initiate(ctx, in)
	require.ErrorIs(t, err, checkout.ErrIdempotencyKeyFailed)
	require.Equal(t, 1, f.adapter.callCount())
}

func TestInitHandlerStatuses(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		body     string
		adapter  error
		status   int
		code     string
	}{
		{name: "ok", provider: "card", body: `{"cart":[{"title":"Site","price":49.99}],"total":49.99,"email":"a@b.co"}`, status: http.StatusOK},
		{name: "bad json", provider: "card", body: `{`, status: http.StatusBadRequest, code: "INVALID_CART"},
		{name: "bad total", provider: "card", body: `{"cart":[{"title":"Site","price":49.99}],"total":9.99,"email":"a@b.co"}`, status: http.StatusBadRequest, code: "INVALID_CART"},
		{name: "unknown provider", provider: "paypal", body: `{"cart":[{"title":"Site","price":49.99}],"total":49.99,"email":"a@b.co"}`, status: http.StatusNotFound, code: "UNKNOWN_PROVIDER"},
		{name: "rejected", provider: "card", body: `{"cart":[{"title":"Site","price":49.99}],"total":49.99,"email":"a@b.co"}`,
			adapter: &payment.ProviderError{Provider: payment.ProviderCard, Kind: payment.ErrProviderRejected}, status: http.StatusUnprocessableEntity, code: "PROVIDER_REJECTED"},
		{name: "unavailable", provider: "card", body: `{"cart":[{"title":"Site","price":49.99}],"total":49.99,"email":"a@b.co"}`,
			adapter: &payment.ProviderError{Provider: payment.ProviderCard, Kind: payment.ErrProviderUnavailable}, status: http.StatusBadGateway, code: "PROVIDER_UNAVAILABLE"},
		{name: "timeout", provider: "card", body: `{"cart":[{"title":"Site","price":49.99}],"total":49.99,"email":"a@b.co"}`,
			adapter: &payment.ProviderError{Provider: payment.ProviderCard, Kind: payment.ErrProviderUnavailable, Cause: context.DeadlineExceeded}, status: http.StatusGatewayTimeout, code: "PROVIDER_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.adapter.err = tc.adapter
			h := &checkout.Handler{Svc: f.svc}
			r := chi.NewRouter()
			r.Post("/api/payment/{provider}/init", h.Init)

			req := httptest.NewRequest(http.MethodPost, "/api/payment/"+tc.provider+"/init", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())

			if tc.code == "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				require.Equal(t, "https://pay.example/cs_1", body["url"])
				require.NotEmpty(t, body["orderId"])
				return
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, tc.code, body.Error.Code)
		})
	}
}
