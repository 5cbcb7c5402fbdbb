// Package storetest holds behaviour tests shared by every store driver.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
)

// Store is the combined surface a driver must provide.
type Store interface {
	payment.IntentStore
	order.Store
}

// Run exercises the intent and order contracts against the store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("DuplicateClientKey", func(t *testing.T) { testDuplicateClientKey(t, newStore(t)) })
	t.Run("AttachReferenceOnce", func(t *testing.T) { testAttachReferenceOnce(t, newStore(t)) })
	t.Run("TransitionConflict", func(t *testing.T) { testTransitionConflict(t, newStore(t)) })
	t.Run("ConcurrentTransitions", func(t *testing.T) { testConcurrentTransitions(t, newStore(t)) })
	t.Run("RecordDelivery", func(t *testing.T) { testRecordDelivery(t, newStore(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStore(t)) })
	t.Run("OrderConditionalUpdate", func(t *testing.T) { testOrderConditionalUpdate(t, newStore(t)) })
}

func seedOrder(t *testing.T, s Store) order.Order {
	t.Helper()
	o, err := s.CreateOrder(context.Background(), order.Order{
		ID:            uuid.NewString(),
		Items:         []order.Item{{Title: "Landing page", Price: 4999, Quantity: 1, Type: "service", Category: "web"}},
		Total:         4999,
		Currency:      "USD",
		CustomerEmail: "buyer@example.com",
		Status:        order.StatusPending,
	})
	require.NoError(t, err)
	return o
}

func seedIntent(t *testing.T, s Store, key string) payment.Intent {
	t.Helper()
	o := seedOrder(t, s)
	it, err := s.Create(context.Background(), payment.NewIntent{
		OrderID:   o.ID,
		Provider:  payment.ProviderCard,
		Amount:    4999,
		Currency:  "USD",
		ClientKey: key,
	})
	require.NoError(t, err)
	return it
}

func testCreateAndGet(t *testing.T, s Store) {
	ctx := context.Background()
	it := seedIntent(t, s, "")
	require.Equal(t, payment.StatePendingCreation, it.State)
	require.NotEmpty(t, it.ID)

	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, it.OrderID, got.OrderID)
	require.EqualValues(t, 4999, got.Amount)
	require.Empty(t, got.ProviderReference)

	_, err = s.Get(ctx, uuid.NewString())
	require.ErrorIs(t, err, payment.ErrIntentNotFound)
	_, err = s.FindByProviderReference(ctx, payment.ProviderCard, "missing")
	require.ErrorIs(t, err, payment.ErrIntentNotFound)

	o, err := s.GetOrder(ctx, it.OrderID)
	require.NoError(t, err)
	require.Len(t, o.Items, 1)
	require.Equal(t, "Landing page", o.Items[0].Title)
	_, err = s.GetOrder(ctx, uuid.NewString())
	require.ErrorIs(t, err, order.ErrNotFound)
}

func testDuplicateClientKey(t *testing.T, s Store) {
	ctx := context.Background()
	first := seedIntent(t, s, "key-1")
	o := seedOrder(t, s)
	_, err := s.Create(ctx, payment.NewIntent{OrderID: o.ID, Provider: payment.ProviderCard, Amount: 1, Currency: "USD", ClientKey: "key-1"})
	require.ErrorIs(t, err, payment.ErrDuplicateClientKey)

	// The same key under another provider is a different request.
	_, err = s.Create(ctx, payment.NewIntent{OrderID: o.ID, Provider: payment.ProviderBkash, Amount: 1, Currency: "BDT", ClientKey: "key-1"})
	require.NoError(t, err)

	found, err := s.FindByClientKey(ctx, payment.ProviderCard, "key-1")
	require.NoError(t, err)
	require.Equal(t, first.ID, found.ID)
}

func testAttachReferenceOnce(t *testing.T, s Store) {
	ctx := context.Background()
	it := seedIntent(t, s, "")
	require.NoError(t, s.AttachProviderReference(ctx, it.ID, "cs_1", "https://pay.example/cs_1"))
	require.NoError(t, s.AttachProviderReference(ctx, it.ID, "cs_1", "https://pay.example/cs_1"))
	require.ErrorIs(t, s.AttachProviderReference(ctx, it.ID, "cs_2", "https://pay.example/cs_2"), payment.ErrAlreadyAttached)

	got, err := s.FindByProviderReference(ctx, payment.ProviderCard, "cs_1")
	require.NoError(t, err)
	require.Equal(t, it.ID, got.ID)
	require.Equal(t, "https://pay.example/cs_1", got.RedirectURL)

	_, err = s.FindByProviderReference(ctx, payment.ProviderPayoneer, "cs_1")
	require.ErrorIs(t, err, payment.ErrIntentNotFound)
	_, err = s.FindByProviderReference(ctx, payment.ProviderCard, "")
	require.ErrorIs(t, err, payment.ErrIntentNotFound)

	// A reference belongs to one intent per provider.
	other := seedIntent(t, s, "")
	require.ErrorIs(t, s.AttachProviderReference(ctx, other.ID, "cs_1", ""), payment.ErrAlreadyAttached)

	// Lookups return the current row, not the one seen at attach time.
	_, err = s.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, "")
	require.NoError(t, err)
	got, err = s.FindByProviderReference(ctx, payment.ProviderCard, "cs_1")
	require.NoError(t, err)
	require.Equal(t, payment.StateAwaitingProvider, got.State)

	require.ErrorIs(t, s.AttachProviderReference(ctx, uuid.NewString(), "cs_9", ""), payment.ErrIntentNotFound)
}

func testTransitionConflict(t *testing.T, s Store) {
	ctx := context.Background()
	it := seedIntent(t, s, "")

	_, err := s.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateSucceeded, "")
	require.ErrorIs(t, err, payment.ErrInvalidTransition)

	moved, err := s.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, "")
	require.NoError(t, err)
	require.Equal(t, payment.StateAwaitingProvider, moved.State)

	done, err := s.Transition(ctx, it.ID, payment.StateAwaitingProvider, payment.StateFailed, payment.ReasonAmountMismatch)
	require.NoError(t, err)
	require.Equal(t, payment.ReasonAmountMismatch, done.FailureReason)

	_, err = s.Transition(ctx, it.ID, payment.StateAwaitingProvider, payment.StateSucceeded, "")
	require.ErrorIs(t, err, payment.ErrStateConflict)
	var conflict *payment.StateConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, payment.StateFailed, conflict.Actual)
	require.Equal(t, payment.StateAwaitingProvider, conflict.Expected)

	_, err = s.Transition(ctx, uuid.NewString(), payment.StateAwaitingProvider, payment.StateSucceeded, "")
	require.ErrorIs(t, err, payment.ErrIntentNotFound)
}

func testConcurrentTransitions(t *testing.T, s Store) {
	ctx := context.Background()
	it := seedIntent(t, s, "")
	_, err := s.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, "")
	require.NoError(t, err)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			to := payment.StateSucceeded
			if i%2 == 1 {
				to = payment.StateFailed
			}
			_, err := s.Transition(ctx, it.ID, payment.StateAwaitingProvider, to, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, payment.ErrStateConflict):
				conflicts++
			}
		}(i)
	}
	close(start)
	wg.Wait()
	require.Equal(t, 1, successes)
	require.Equal(t, n-1, conflicts)
}

func testRecordDelivery(t *testing.T, s Store) {
	ctx := context.Background()
	it := seedIntent(t, s, "")
	require.NoError(t, s.RecordDelivery(ctx, it.ID))
	require.NoError(t, s.RecordDelivery(ctx, it.ID))
	got, err := s.Get(ctx, it.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.Attempts)
}

func testListStale(t *testing.T, s Store) {
	ctx := context.Background()
	stale := seedIntent(t, s, "")
	_, err := s.Transition(ctx, stale.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, "")
	require.NoError(t, err)
	pending := seedIntent(t, s, "")

	list, err := s.ListStale(ctx, payment.StateAwaitingProvider, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, it := range list {
		ids = append(ids, it.ID)
	}
	require.Contains(t, ids, stale.ID)
	require.NotContains(t, ids, pending.ID)

	list, err = s.ListStale(ctx, payment.StateAwaitingProvider, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, list)
}

func testOrderConditionalUpdate(t *testing.T, s Store) {
	ctx := context.Background()
	o := seedOrder(t, s)

	paid, err := s.UpdateOrderStatus(ctx, o.ID, []order.Status{order.StatusPending}, order.StatusPaid, order.StatusUpdate{PaidIntentID: "intent-a"})
	require.NoError(t, err)
	require.Equal(t, order.StatusPaid, paid.Status)
	require.Equal(t, "intent-a", paid.PaidIntentID)

	_, err = s.UpdateOrderStatus(ctx, o.ID, []order.Status{order.StatusPending}, order.StatusFailed, order.StatusUpdate{FailureReason: "x"})
	require.ErrorIs(t, err, order.ErrStatusConflict)
	var conflict *order.StatusConflictError
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, order.StatusPaid, conflict.Actual)

	_, err = s.UpdateOrderStatus(ctx, uuid.NewString(), []order.Status{order.StatusPending}, order.StatusPaid, order.StatusUpdate{})
	require.ErrorIs(t, err, order.ErrNotFound)
}
