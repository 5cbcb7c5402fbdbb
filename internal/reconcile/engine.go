// Package reconcile applies verified provider callbacks to intents and orders.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/notify"
	"github.com/technest/payment-core/internal/obs"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/pricing"
)

// ErrSessionPending means the callback beat AttachProviderReference; the
// provider should retry.
var ErrSessionPending = errors.New("reconcile: payment session still being created")

// DefaultVerifyTimeout bounds VerifyCallback, including provider round trips.
const DefaultVerifyTimeout = 10 * time.Second

// ResultKind classifies a handled callback.
type ResultKind string

const (
	ResultProcessed     ResultKind = "processed"
	ResultDuplicate     ResultKind = "duplicate"
	ResultUnknownIntent ResultKind = "unknown_intent"
	ResultConflict      ResultKind = "conflict"
	// ResultIgnored is an authentic callback without a terminal outcome.
	ResultIgnored ResultKind = "ignored"
)

// Result describes what a callback did.
type Result struct {
	Kind              ResultKind
	Provider          payment.Provider
	ProviderReference string
	IntentID          string
	OrderID           string
	State             payment.State
}

// Orders is the order service surface the engine drives.
type Orders interface {
	Get(ctx context.Context, id string) (order.Order, error)
	MarkPaid(ctx context.Context, orderID, intentID string) (bool, error)
	MarkFailed(ctx context.Context, orderID, intentID, reason string) (bool, error)
	MarkCancelled(ctx context.Context, orderID, reason string) (bool, error)
}

// Emitter records domain events.
type Emitter interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// Engine reconciles provider callbacks exactly once. The conditional intent
// transition decides which delivery wins; everything after it is idempotent.
type Engine struct {
	Registry      *payment.Registry
	Intents       payment.IntentStore
	Orders        Orders
	Events        Emitter
	Replay        ReplayGuard
	VerifyTimeout time.Duration
	Logger        zerolog.Logger
}

// Handle verifies and applies one callback for the named provider.
func (e *Engine) Handle(ctx context.Context, provider string, req payment.CallbackRequest) (Result, error) {
	adapter, err := e.Registry.Get(provider)
	if err != nil {
		return Result{}, err
	}
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.Handle")
	defer span.End()

	res, err := e.handle(ctx, adapter, req)
	res.Provider = adapter.Name()
	label := resultLabel(res, err)
	obs.PaymentCallbackTotal.WithLabelValues(string(res.Provider), label).Inc()
	span.SetAttributes(
		attribute.String("payment.provider", string(res.Provider)),
		attribute.String("payment.result", label),
		attribute.String("payment.intent_id", res.IntentID),
	)

	evt := e.Logger.Info()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
		evt = e.Logger.Warn().Err(err)
	}
	evt.Str("provider", string(res.Provider)).
		Str("provider_reference", res.ProviderReference).
		Str("intent_id", res.IntentID).
		Str("order_id", res.OrderID).
		Str("state", string(res.State)).
		Str("result", label).
		Msg("payment_callback")
	return res, err
}

func (e *Engine) handle(ctx context.Context, adapter payment.Adapter, req payment.CallbackRequest) (Result, error) {
	p := adapter.Name()
	verifyCtx, cancel := context.WithTimeout(ctx, e.verifyTimeout())
	cb, err := adapter.VerifyCallback(verifyCtx, req)
	cancel()
	if errors.Is(err, payment.ErrUnsupportedEvent) {
		return Result{Kind: ResultIgnored}, nil
	}
	if err != nil {
		return Result{}, err
	}
	res := Result{ProviderReference: cb.ProviderReference}

	key := ReplayKey(p, cb)
	if seen, err := e.seen(ctx, key); err != nil {
		e.Logger.Warn().Err(err).Str("key", key).Msg("replay guard lookup failed")
	} else if seen {
		res.Kind = ResultDuplicate
		return res, nil
	}

	it, err := e.Intents.FindByProviderReference(ctx, p, cb.ProviderReference)
	if errors.Is(err, payment.ErrIntentNotFound) {
		res.Kind = ResultUnknownIntent
		e.Logger.Warn().
			Err(payment.ErrUnknownIntent).
			Str("provider", string(p)).
			Str("provider_reference", cb.ProviderReference).
			Msg("callback for unknown intent")
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("find intent: %w", err)
	}
	res.IntentID, res.OrderID, res.State = it.ID, it.OrderID, it.State
	if err := e.Intents.RecordDelivery(ctx, it.ID); err != nil {
		return res, fmt.Errorf("record delivery: %w", err)
	}

	target, reason := TargetState(it, cb)
	moved, err := e.Intents.Transition(ctx, it.ID, payment.StateAwaitingProvider, target, reason)
	var conflict *payment.StateConflictError
	switch {
	case err == nil:
		res.State = moved.State
		res.Kind, err = e.settleOrder(ctx, moved, true)
	case errors.As(err, &conflict) && conflict.Actual == payment.StatePendingCreation:
		return res, fmt.Errorf("intent %s: %w", it.ID, ErrSessionPending)
	case errors.As(err, &conflict):
		// Another delivery already won. Re-apply its outcome so a crash
		// between the intent and order writes heals on the next delivery.
		res.State = conflict.Actual
		current, gerr := e.Intents.Get(ctx, it.ID)
		if gerr != nil {
			return res, fmt.Errorf("reload intent: %w", gerr)
		}
		if cb.Outcome == payment.OutcomeSucceeded && current.State != payment.StateSucceeded {
			e.lateCapture(ctx, current)
		}
		var kind ResultKind
		kind, err = e.settleOrder(ctx, current, false)
		res.Kind = ResultDuplicate
		if kind == ResultConflict {
			res.Kind = ResultConflict
		}
	default:
		return res, fmt.Errorf("transition intent: %w", err)
	}
	if err != nil {
		return res, err
	}
	if err := e.mark(ctx, key); err != nil {
		e.Logger.Warn().Err(err).Str("key", key).Msg("replay guard mark failed")
	}
	return res, nil
}

// TargetState maps a verified callback onto the terminal state for it. A
// success whose amount or currency differs from the intent is a failure.
func TargetState(it payment.Intent, cb payment.VerifiedCallback) (payment.State, string) {
	switch cb.Outcome {
	case payment.OutcomeSucceeded:
		if cb.Amount != it.Amount || !strings.EqualFold(cb.Currency, it.Currency) {
			return payment.StateFailed, payment.ReasonAmountMismatch
		}
		return payment.StateSucceeded, ""
	case payment.OutcomeCancelled:
		return payment.StateCancelled, payment.ReasonProviderCancelled
	default:
		return payment.StateFailed, payment.ReasonProviderDeclined
	}
}

// settleOrder applies a terminal intent to its order. An event is emitted only
// when the order actually changed; fresh marks the first delivery, which alone
// records a payment conflict.
func (e *Engine) settleOrder(ctx context.Context, it payment.Intent, fresh bool) (ResultKind, error) {
	var (
		changed bool
		err     error
		topic   string
	)
	switch it.State {
	case payment.StateSucceeded:
		changed, err = e.Orders.MarkPaid(ctx, it.OrderID, it.ID)
		topic = events.TopicOrderPaid
		if errors.Is(err, order.ErrConflictingPayment) {
			e.Logger.Error().
				Err(err).
				Str("order_id", it.OrderID).
				Str("intent_id", it.ID).
				Str("provider", string(it.Provider)).
				Msg("second successful payment for paid order")
			if fresh {
				obs.PaymentConflictsTotal.Inc()
				e.emit(ctx, events.TopicPaymentConflict, it, "")
			}
			return ResultConflict, nil
		}
	case payment.StateFailed:
		changed, err = e.Orders.MarkFailed(ctx, it.OrderID, it.ID, it.FailureReason)
		topic = events.TopicPaymentFailed
	case payment.StateCancelled:
		changed, err = e.Orders.MarkCancelled(ctx, it.OrderID, it.FailureReason)
		topic = events.TopicPaymentCancelled
	default:
		return ResultProcessed, nil
	}
	if err != nil {
		return "", fmt.Errorf("update order %s: %w", it.OrderID, err)
	}
	if changed {
		e.emit(ctx, topic, it, it.FailureReason)
	}
	return ResultProcessed, nil
}

// lateCapture records money taken against an intent that already closed as
// failed or cancelled, typically a customer paying after expiry. The order is
// not reopened; an operator refunds or fulfils it.
func (e *Engine) lateCapture(ctx context.Context, it payment.Intent) {
	e.Logger.Error().
		Str("provider", string(it.Provider)).
		Str("intent_id", it.ID).
		Str("order_id", it.OrderID).
		Str("state", string(it.State)).
		Str("reason", it.FailureReason).
		Msg("provider reports capture for a closed intent")
	obs.PaymentLateCaptureTotal.WithLabelValues(string(it.Provider)).Inc()
	e.emit(ctx, events.TopicPaymentLateCapture, it, it.FailureReason)
}

func (e *Engine) emit(ctx context.Context, topic string, it payment.Intent, reason string) {
	emitPaymentEvent(ctx, e.Events, e.Orders, e.Logger, topic, it, reason)
}

// emitPaymentEvent never fails the caller: the order change is already durable.
func emitPaymentEvent(ctx context.Context, em Emitter, orders Orders, logger zerolog.Logger, topic string, it payment.Intent, reason string) {
	if em == nil {
		return
	}
	payload := notify.Payload{
		OrderID:  it.OrderID,
		IntentID: it.ID,
		Provider: string(it.Provider),
		Total:    pricing.FormatMajor(it.Amount),
		Currency: it.Currency,
		Reason:   reason,
	}
	if o, err := orders.Get(ctx, it.OrderID); err == nil {
		payload.CustomerEmail = o.CustomerEmail
	}
	if _, err := em.Emit(ctx, topic, it.ID, payload); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Str("intent_id", it.ID).Msg("event emit failed")
	}
}

func (e *Engine) seen(ctx context.Context, key string) (bool, error) {
	if e.Replay == nil {
		return false, nil
	}
	return e.Replay.Seen(ctx, key)
}

func (e *Engine) mark(ctx context.Context, key string) error {
	if e.Replay == nil {
		return nil
	}
	return e.Replay.Mark(ctx, key)
}

func (e *Engine) verifyTimeout() time.Duration {
	if e.VerifyTimeout > 0 {
		return e.VerifyTimeout
	}
	return DefaultVerifyTimeout
}

func resultLabel(res Result, err error) string {
	switch {
	case err == nil:
		return string(res.Kind)
	case errors.Is(err, payment.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, payment.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, ErrSessionPending):
		return "session_pending"
	default:
		return "error"
	}
}
