package reconcile_test

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/notify"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/reconcile"
	"github.com/technest/payment-core/internal/store/memory"
)

const webhookSecret = "whsec_test"

// stubAdapter stands in for a redirect-style provider whose verification
// depends on a provider round trip.
type stubAdapter struct {
	mu      sync.Mutex
	verdict payment.VerifiedCallback
	err     error
}

func (s *stubAdapter) Name() payment.Provider { return payment.ProviderBkash }
func (s *stubAdapter) Currency() string       { return "BDT" }
func (s *stubAdapter) CreateSession(context.Context, payment.SessionRequest) (payment.Session, error) {
	return payment.Session{}, nil
}

func (s *stubAdapter) VerifyCallback(context.Context, payment.CallbackRequest) (payment.VerifiedCallback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verdict, s.err
}

func (s *stubAdapter) AckBody(kind payment.AckKind, orderID string) (string, []byte) {
	return "application/json", []byte(fmt.Sprintf(`{"status":%q,"order":%q}`, kind, orderID))
}

func (s *stubAdapter) set(v payment.VerifiedCallback, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdict, s.err = v, err
}

type fixture struct {
	store  *memory.Store
	orders *order.Service
	outbox *common.InMemoryEmail
	redis  *miniredis.Miniredis
	stub   *stubAdapter
	engine *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := memory.New()
	orders := &order.Service{Store: store, Logger: zerolog.Nop()}
	outbox := &common.InMemoryEmail{}
	bus := &events.Bus{
		Store:     store,
		Notifiers: []events.Notifier{notify.EmailNotifier{Mail: outbox, Enabled: true}},
		Logger:    zerolog.Nop(),
	}
	stub := &stubAdapter{}
	card := payment.NewCard(payment.CardConfig{Enabled: true, WebhookSecret: webhookSecret}, nil)
	return &fixture{
		store:  store,
		orders: orders,
		outbox: outbox,
		redis:  mr,
		stub:   stub,
		engine: &reconcile.Engine{
			Registry: payment.NewRegistry(card, stub),
			Intents:  store,
			Orders:   orders,
			Events:   bus,
			Replay:   reconcile.RedisReplayGuard{Client: rdb, TTL: time.Hour},
			Logger:   zerolog.Nop(),
		},
	}
}

// seed creates a pending order for price and an awaiting_provider intent
// attached to reference.
func (f *fixture) seed(t *testing.T, provider payment.Provider, price int64, currency, reference string) (order.Order, payment.Intent) {
	t.Helper()
	ctx := context.Background()
	o, err := f.orders.Create(ctx, order.NewOrder{
		Items:         []order.Item{{Title: "Portfolio site", Price: price, Quantity: 1, Type: "service", Category: "web"}},
		Currency:      currency,
		CustomerEmail: "buyer@example.com",
	})
	require.NoError(t, err)
	it, err := f.store.Create(ctx, payment.NewIntent{OrderID: o.ID, Provider: provider, Amount: o.Total, Currency: currency})
	require.NoError(t, err)
	require.NoError(t, f.store.AttachProviderReference(ctx, it.ID, reference, "https://pay.example/"+reference))
	it, err = f.store.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, "")
	require.NoError(t, err)
	return o, it
}

func (f *fixture) order(t *testing.T, id string) order.Order {
	t.Helper()
	o, err := f.orders.Get(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (f *fixture) intent(t *testing.T, id string) payment.Intent {
	t.Helper()
	it, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}

func cardCallback(eventID, typ, sessionID string, amount int64) payment.CallbackRequest {
	body := []byte(fmt.Sprintf(`{"id":%q,"type":%q,"data":{"object":{"id":%q,"amount_total":%d,"currency":"usd","payment_status":"paid"}}}`,
		eventID, typ, sessionID, amount))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	header := http.Header{}
	header.Set(payment.CardSignatureHeader, "t="+ts+",v1="+payment.SignCardPayload(webhookSecret, ts, body))
	return payment.CallbackRequest{Method: http.MethodPost, Header: header, Body: body}
}
