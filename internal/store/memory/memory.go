// Package memory provides mutex-guarded in-process stores for intents, orders
// and events. It backs STORE_DRIVER=memory and the engine tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
)

// Store implements payment.IntentStore, order.Store and events.Store.
type Store struct {
	now func() time.Time

	mu      sync.Mutex
	intents map[string]payment.Intent
	// Secondary indexes onto intents, mirroring the unique indexes in postgres.
	byReference map[scopedKey]string
	byClientKey map[scopedKey]string
	orders      map[string]order.Order
	events      []events.Event
}

// scopedKey is a provider reference or client key, unique per provider.
type scopedKey struct {
	provider payment.Provider
	value    string
}

var (
	_ payment.IntentStore = (*Store)(nil)
	_ order.Store         = (*Store)(nil)
	_ events.Store        = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		intents:     map[string]payment.Intent{},
		byReference: map[scopedKey]string{},
		byClientKey: map[scopedKey]string{},
		orders:      map[string]order.Order{},
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Create(_ context.Context, in payment.NewIntent) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ck := scopedKey{in.Provider, in.ClientKey}
	if in.ClientKey != "" {
		if _, taken := s.byClientKey[ck]; taken {
			return payment.Intent{}, payment.ErrDuplicateClientKey
		}
	}
	now := s.now()
	it := payment.Intent{
		ID:        uuid.NewString(),
		OrderID:   in.OrderID,
		Provider:  in.Provider,
		ClientKey: in.ClientKey,
		Amount:    in.Amount,
		Currency:  in.Currency,
		State:     payment.StatePendingCreation,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.intents[it.ID] = it
	if in.ClientKey != "" {
		s.byClientKey[ck] = it.ID
	}
	return it, nil
}

func (s *Store) AttachProviderReference(_ context.Context, id, reference, redirectURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[id]
	if !ok {
		return payment.ErrIntentNotFound
	}
	if it.ProviderReference != "" {
		if it.ProviderReference == reference {
			return nil
		}
		return payment.ErrAlreadyAttached
	}
	rk := scopedKey{it.Provider, reference}
	if other, taken := s.byReference[rk]; taken && other != id {
		return fmt.Errorf("reference %s belongs to intent %s: %w", reference, other, payment.ErrAlreadyAttached)
	}
	s.byReference[rk] = id
	it.ProviderReference = reference
	it.RedirectURL = redirectURL
	it.UpdatedAt = s.now()
	s.intents[id] = it
	return nil
}

func (s *Store) Get(_ context.Context, id string) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[id]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return it, nil
}

func (s *Store) FindByProviderReference(_ context.Context, provider payment.Provider, reference string) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reference == "" {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.lookupLocked(s.byReference, scopedKey{provider, reference})
}

func (s *Store) FindByClientKey(_ context.Context, provider payment.Provider, key string) (payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.lookupLocked(s.byClientKey, scopedKey{provider, key})
}

func (s *Store) lookupLocked(index map[scopedKey]string, k scopedKey) (payment.Intent, error) {
	id, ok := index[k]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	it, ok := s.intents[id]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return it, nil
}

func (s *Store) Transition(_ context.Context, id string, from, to payment.State, reason string) (payment.Intent, error) {
	if !payment.CanTransition(from, to) {
		return payment.Intent{}, fmt.Errorf("%s -> %s: %w", from, to, payment.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[id]
	if !ok {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	if it.State != from {
		return payment.Intent{}, &payment.StateConflictError{IntentID: id, Expected: from, Actual: it.State}
	}
	it.State = to
	if reason != "" {
		it.FailureReason = reason
	}
	it.UpdatedAt = s.now()
	s.intents[id] = it
	return it, nil
}

func (s *Store) RecordDelivery(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.intents[id]
	if !ok {
		return payment.ErrIntentNotFound
	}
	it.Attempts++
	s.intents[id] = it
	return nil
}

func (s *Store) ListStale(_ context.Context, state payment.State, olderThan time.Time, limit int) ([]payment.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []payment.Intent
	for _, it := range s.intents {
		if it.State == state && it.CreatedAt.Before(olderThan) {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s already exists", o.ID)
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	o.Items = append([]order.Item(nil), o.Items...)
	s.orders[o.ID] = o
	return o, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *Store) UpdateOrderStatus(_ context.Context, id string, from []order.Status, to order.Status, u order.StatusUpdate) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	allowed := false
	for _, st := range from {
		if o.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return order.Order{}, &order.StatusConflictError{OrderID: id, Actual: o.Status}
	}
	o.Status = to
	if u.PaidIntentID != "" {
		o.PaidIntentID = u.PaidIntentID
	}
	o.FailureReason = u.FailureReason
	o.UpdatedAt = s.now()
	s.orders[id] = o
	return o, nil
}

func (s *Store) InsertEvent(_ context.Context, ev events.Event) (events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now()
	}
	s.events = append(s.events, ev)
	return ev, nil
}

// Events returns recorded events, optionally filtered by topic prefix.
func (s *Store) Events(topicPrefix string) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, len(s.events))
	for _, ev := range s.events {
		if strings.HasPrefix(ev.Topic, topicPrefix) {
			out = append(out, ev)
		}
	}
	return out
}

// Ping satisfies the readiness checker.
func (s *Store) Ping(context.Context) error { return nil }
