package payment

import (
	"context"
	"time"
)

// State is a payment intent lifecycle state.
type State string

const (
	StatePendingCreation  State = "pending_creation"
	StateAwaitingProvider State = "awaiting_provider"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Failure reasons recorded on intents and orders.
const (
	ReasonAmountMismatch      = "amount_mismatch"
	ReasonProviderRejected    = "provider_rejected"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonProviderDeclined    = "provider_declined"
	ReasonProviderCancelled   = "provider_cancelled"
	ReasonExpired             = "expired"
	// ReasonCreationIncomplete marks an intent whose session was never
	// recorded against it.
	ReasonCreationIncomplete = "creation_incomplete"
)

var transitions = map[State][]State{
	StatePendingCreation:  {StateAwaitingProvider, StateFailed},
	StateAwaitingProvider: {StateSucceeded, StateFailed, StateCancelled},
}

// Terminal reports whether no further transition is permitted from s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Intent is one attempted payment against one provider.
type Intent struct {
	ID                string
	OrderID           string
	Provider          Provider
	ProviderReference string
	RedirectURL       string
	ClientKey         string
	Amount            int64
	Currency          string
	State             State
	FailureReason     string
	Attempts          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// NewIntent is the input to IntentStore.Create.
type NewIntent struct {
	OrderID   string
	Provider  Provider
	Amount    int64
	Currency  string
	ClientKey string
}

// IntentStore persists payment intents. Every state change goes through Transition.
type IntentStore interface {
	Create(ctx context.Context, in NewIntent) (Intent, error)
	AttachProviderReference(ctx context.Context, id, reference, redirectURL string) error
	Get(ctx context.Context, id string) (Intent, error)
	FindByProviderReference(ctx context.Context, provider Provider, reference string) (Intent, error)
	FindByClientKey(ctx context.Context, provider Provider, key string) (Intent, error)
	Transition(ctx context.Context, id string, from, to State, reason string) (Intent, error)
	RecordDelivery(ctx context.Context, id string) error
	ListStale(ctx context.Context, state State, olderThan time.Time, limit int) ([]Intent, error)
}
