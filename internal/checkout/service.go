// Package checkout turns a cart into an order, a payment intent and a provider
// redirect URL.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/obs"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/pricing"
	"github.com/technest/payment-core/internal/resilience"
)

var (
	ErrInvalidCart = errors.New("checkout: invalid cart")
	// ErrIdempotentInFlight means an earlier request with the same key has not
	// finished creating its provider session.
	ErrIdempotentInFlight = errors.New("checkout: idempotent request in flight")
	// ErrIdempotencyKeyFailed means the earlier request with this key failed;
	// the client has to retry with a new key.
	ErrIdempotencyKeyFailed = errors.New("checkout: idempotency key belongs to a failed request")
)

// DefaultTimeout bounds CreateSession.
const DefaultTimeout = 10 * time.Second

// CartItem is one line of the storefront cart. Prices are major units.
type CartItem struct {
	Title    string  `json:"title" validate:"required,max=200"`
	Price    float64 `json:"price" validate:"gt=0,lte=1000000"`
	Type     string  `json:"type" validate:"max=64"`
	Category string  `json:"category" validate:"max=64"`
	Quantity int     `json:"quantity" validate:"gte=0,lte=1000"`
}

// Input is the init request.
type Input struct {
	Cart           []CartItem `json:"cart" validate:"required,min=1,max=100,dive"`
	Total          float64    `json:"total" validate:"gt=0,lte=100000000"`
	Email          string     `json:"email" validate:"required,email,max=254"`
	Message        string     `json:"message" validate:"max=2000"`
	Provider       string     `json:"-"`
	IdempotencyKey string     `json:"-"`
}

// Output is returned to the storefront, which redirects to URL.
type Output struct {
	URL      string `json:"url"`
	OrderID  string `json:"orderId"`
	IntentID string `json:"intentId"`
	// Reused is set when the response replays an earlier request.
	Reused bool `json:"-"`
}

// Orders is the order service surface checkout needs.
type Orders interface {
	Create(ctx context.Context, in order.NewOrder) (order.Order, error)
	MarkFailed(ctx context.Context, orderID, intentID, reason string) (bool, error)
	MarkCancelled(ctx context.Context, orderID, reason string) (bool, error)
}

// Emitter records domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Service coordinates order creation and the provider session.
type Service struct {
	Registry *payment.Registry
	Intents  payment.IntentStore
	Orders   Orders
	Events   Emitter
	// PublicBaseURL is where providers reach /api/payment/{provider}/callback.
	PublicBaseURL string
	Timeout       time.Duration
	Validate      *validator.Validate
	Logger        zerolog.Logger
}

// Initiate creates one order and one intent and returns the provider redirect URL.
func (s *Service) Initiate(ctx context.Context, in Input) (out Output, err error) {
	if s == nil || s.Registry == nil || s.Intents == nil || s.Orders == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "CheckoutService.Initiate")
	defer span.End()

	start := time.Now()
	providerLabel := strings.ToLower(strings.TrimSpace(in.Provider))
	defer func() {
		result := intentResult(out, err)
		span.SetAttributes(
			attribute.String("payment.provider", providerLabel),
			attribute.String("payment.intent.result", result),
			attribute.String("payment.intent_id", out.IntentID),
			attribute.Float64("payment.intent.duration_ms", obs.DurationMillis(time.Since(start))),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		obs.PaymentIntentTotal.WithLabelValues(providerLabel, result).Inc()
	}()

	adapter, err := s.Registry.Get(in.Provider)
	if err != nil {
		providerLabel = "unknown"
		return Output{}, err
	}
	provider := adapter.Name()
	providerLabel = string(provider)

	items, total, err := s.validate(in)
	if err != nil {
		return Output{}, err
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if out, done, err := s.replay(ctx, provider, key); done {
			return out, err
		}
	}

	ord, err := s.Orders.Create(ctx, order.NewOrder{
		Items:         items,
		Currency:      adapter.Currency(),
		CustomerEmail: in.Email,
		Message:       strings.TrimSpace(in.Message),
	})
	if err != nil {
		return Output{}, fmt.Errorf("create order: %w", err)
	}
	if ord.Total != total {
		return Output{}, fmt.Errorf("order total %d differs from cart total %d", ord.Total, total)
	}
	s.emit(ctx, events.TopicOrderCreated, ord.ID, map[string]any{
		"orderId":  ord.ID,
		"total":    pricing.FormatMajor(ord.Total),
		"currency": ord.Currency,
		"provider": string(provider),
	})

	it, err := s.Intents.Create(ctx, payment.NewIntent{
		OrderID:   ord.ID,
		Provider:  provider,
		Amount:    ord.Total,
		Currency:  ord.Currency,
		ClientKey: key,
	})
	if errors.Is(err, payment.ErrDuplicateClientKey) {
		// Lost a race with a concurrent request using the same key.
		_, _ = s.Orders.MarkCancelled(ctx, ord.ID, "duplicate_request")
		if out, done, err := s.replay(ctx, provider, key); done {
			return out, err
		}
		return Output{}, ErrIdempotentInFlight
	}
	if err != nil {
		return Output{}, fmt.Errorf("create intent: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", ord.ID))

	sessionCtx, cancel := context.WithTimeout(ctx, s.timeout())
	sess, err := adapter.CreateSession(sessionCtx, payment.SessionRequest{
		IntentID:      it.ID,
		OrderID:       ord.ID,
		Amount:        it.Amount,
		Currency:      it.Currency,
		CustomerEmail: ord.CustomerEmail,
		CallbackURL:   s.callbackURL(provider),
	})
	cancel()
	if err != nil {
		s.failIntent(ctx, it, err, sessionFailureReason(err))
		return Output{OrderID: ord.ID, IntentID: it.ID}, err
	}

	// The provider session exists from here on. An intent left in
	// pending_creation would hold the key forever, so store errors fail it.
	if err := s.Intents.AttachProviderReference(ctx, it.ID, sess.ProviderReference, sess.RedirectURL); err != nil {
		err = fmt.Errorf("attach provider reference: %w", err)
		s.failIntent(ctx, it, err, payment.ReasonCreationIncomplete)
		return Output{OrderID: ord.ID, IntentID: it.ID}, err
	}
	if _, err := s.Intents.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateAwaitingProvider, ""); err != nil {
		err = fmt.Errorf("activate intent: %w", err)
		s.failIntent(ctx, it, err, payment.ReasonCreationIncomplete)
		return Output{OrderID: ord.ID, IntentID: it.ID}, err
	}
	s.Logger.Info().
		Str("provider", string(provider)).
		Str("intent_id", it.ID).
		Str("order_id", ord.ID).
		Str("provider_reference", sess.ProviderReference).
		Int64("amount", it.Amount).
		Msg("payment intent created")
	return Output{URL: sess.RedirectURL, OrderID: ord.ID, IntentID: it.ID}, nil
}

// replay resolves a request whose Idempotency-Key was seen before. done is
// false when no intent holds the key yet.
func (s *Service) replay(ctx context.Context, provider payment.Provider, key string) (Output, bool, error) {
	it, err := s.Intents.FindByClientKey(ctx, provider, key)
	if errors.Is(err, payment.ErrIntentNotFound) {
		return Output{}, false, nil
	}
	if err != nil {
		return Output{}, true, fmt.Errorf("lookup idempotency key: %w", err)
	}
	switch {
	case it.RedirectURL != "":
		return Output{URL: it.RedirectURL, OrderID: it.OrderID, IntentID: it.ID, Reused: true}, true, nil
	case it.State == payment.StateFailed:
		return Output{}, true, fmt.Errorf("%w: %s", ErrIdempotencyKeyFailed, it.FailureReason)
	default:
		return Output{}, true, ErrIdempotentInFlight
	}
}

func sessionFailureReason(err error) string {
	if errors.Is(err, payment.ErrProviderRejected) {
		return payment.ReasonProviderRejected
	}
	return payment.ReasonProviderUnavailable
}

func (s *Service) failIntent(ctx context.Context, it payment.Intent, cause error, reason string) {
	// The caller's context may already be past its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.Intents.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateFailed, reason); err != nil {
		s.Logger.Error().Err(err).Str("intent_id", it.ID).Msg("mark intent failed")
	}
	if _, err := s.Orders.MarkFailed(ctx, it.OrderID, it.ID, reason); err != nil {
		s.Logger.Error().Err(err).Str("order_id", it.OrderID).Msg("mark order failed")
	}
	s.Logger.Warn().
		Err(cause).
		Str("provider", string(it.Provider)).
		Str("intent_id", it.ID).
		Str("order_id", it.OrderID).
		Str("reason", reason).
		Msg("payment session creation failed")
}

// validate checks the cart and converts it to order items in minor units.
func (s *Service) validate(in Input) ([]order.Item, int64, error) {
	v := s.Validate
	if v == nil {
		v = validator.New(validator.WithRequiredStructEnabled())
	}
	if err := v.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, 0, &CartError{Field: verrs[0].Namespace(), Reason: verrs[0].Tag()}
		}
		return nil, 0, &CartError{Reason: err.Error()}
	}
	items := make([]order.Item, 0, len(in.Cart))
	lines := make([]pricing.Item, 0, len(in.Cart))
	for i, line := range in.Cart {
		price, err := pricing.FromMajor(line.Price)
		if err != nil || price <= 0 {
			return nil, 0, &CartError{Field: fmt.Sprintf("Input.Cart[%d].Price", i), Reason: "precision"}
		}
		qty := line.Quantity
		if qty == 0 {
			qty = 1
		}
		items = append(items, order.Item{
			Title:    strings.TrimSpace(line.Title),
			Price:    price,
			Quantity: qty,
			Type:     line.Type,
			Category: line.Category,
		})
		lines = append(lines, pricing.Item{Qty: qty, UnitPrice: price})
	}
	total, err := pricing.Total(lines)
	if err != nil {
		return nil, 0, &CartError{Field: "Input.Cart", Reason: "total_out_of_range"}
	}
	if total <= 0 {
		return nil, 0, &CartError{Field: "Input.Cart", Reason: "empty_total"}
	}
	declared, err := pricing.RoundMajor(in.Total)
	if err != nil {
		return nil, 0, &CartError{Field: "Input.Total", Reason: "out_of_range"}
	}
	if diff := declared - total; diff > 1 || diff < -1 {
		return nil, 0, &CartError{
			Field:  "Input.Total",
			Reason: fmt.Sprintf("declared %s, computed %s", pricing.FormatMajor(declared), pricing.FormatMajor(total)),
		}
	}
	return items, total, nil
}

func (s *Service) emit(ctx context.Context, topic, aggregateID string, payload any) {
	if s.Events == nil {
		return
	}
	if _, err := s.Events.Emit(ctx, topic, aggregateID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Msg("event emit failed")
	}
}

func (s *Service) callbackURL(p payment.Provider) string {
	return strings.TrimRight(s.PublicBaseURL, "/") + "/api/payment/" + string(p) + "/callback"
}

func (s *Service) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// CartError describes why a cart was rejected.
type CartError struct {
	Field  string
	Reason string
}

func (e *CartError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("checkout: invalid cart: %s", e.Reason)
	}
	return fmt.Sprintf("checkout: invalid cart: %s: %s", e.Field, e.Reason)
}

func (e *CartError) Is(target error) bool { return target == ErrInvalidCart }

func intentResult(out Output, err error) string {
	switch {
	case err == nil && out.Reused:
		return "reused"
	case err == nil:
		return "created"
	case errors.Is(err, ErrInvalidCart):
		return "invalid"
	case errors.Is(err, payment.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(err, ErrIdempotentInFlight), errors.Is(err, ErrIdempotencyKeyFailed):
		return "idempotent_conflict"
	case errors.Is(err, payment.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, payment.ErrProviderUnavailable), resilience.IsTimeout(err):
		return "unavailable"
	default:
		return "error"
	}
}
