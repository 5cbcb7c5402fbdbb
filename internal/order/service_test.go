package order_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/store/memory"
)

func newService(t *testing.T) *order.Service {
	t.Helper()
	return &order.Service{Store: memory.New(), Logger: zerolog.Nop()}
}

func createOrder(t *testing.T, svc *order.Service) order.Order {
	t.Helper()
	o, err := svc.Create(context.Background(), order.NewOrder{
		Items: []order.Item{
			{Title: "Logo design", Price: 2500, Quantity: 1},
			{Title: "Business card", Price: 1250, Quantity: 2},
		},
		Currency:      " usd ",
		CustomerEmail: "buyer@example.com ",
	})
	require.NoError(t, err)
	return o
}

func TestCreateComputesTotal(t *testing.T) {
	svc := newService(t)
	o := createOrder(t, svc)
	require.EqualValues(t, 5000, o.Total)
	require.Equal(t, "USD", o.Currency)
	require.Equal(t, "buyer@example.com", o.CustomerEmail)
	require.Equal(t, order.StatusPending, o.Status)

	_, err := svc.Create(context.Background(), order.NewOrder{Currency: "USD"})
	require.Error(t, err)
}

func TestMarkPaidIsIdempotentPerIntent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	o := createOrder(t, svc)

	changed, err := svc.MarkPaid(ctx, o.ID, "intent-a")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = svc.MarkPaid(ctx, o.ID, "intent-a")
	require.NoError(t, err)
	require.False(t, changed)

	changed, err = svc.MarkPaid(ctx, o.ID, "intent-b")
	require.ErrorIs(t, err, order.ErrConflictingPayment)
	require.False(t, changed)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, got.Status)
	require.Equal(t, "intent-a", got.PaidIntentID)
}

func TestFailureNeverRevertsPaid(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	o := createOrder(t, svc)

	_, err := svc.MarkPaid(ctx, o.ID, "intent-a")
	require.NoError(t, err)

	changed, err := svc.MarkFailed(ctx, o.ID, "intent-b", "provider_declined")
	require.NoError(t, err)
	require.False(t, changed)
	changed, err = svc.MarkCancelled(ctx, o.ID, "provider_cancelled")
	require.NoError(t, err)
	require.False(t, changed)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, got.Status)
}

func TestLateSuccessSettlesFailedOrder(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	o := createOrder(t, svc)

	changed, err := svc.MarkFailed(ctx, o.ID, "intent-a", "amount_mismatch")
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = svc.MarkPaid(ctx, o.ID, "intent-b")
	require.NoError(t, err)
	require.True(t, changed)

	got, err := svc.Get(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, got.Status)
	require.Empty(t, got.FailureReason)
}

func TestMarkUnknownOrder(t *testing.T) {
	svc := newService(t)
	_, err := svc.MarkPaid(context.Background(), "missing", "intent-a")
	require.ErrorIs(t, err, order.ErrNotFound)
	_, err = svc.MarkFailed(context.Background(), "missing", "intent-a", "x")
	require.ErrorIs(t, err, order.ErrNotFound)
}
