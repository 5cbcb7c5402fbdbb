package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technest/payment-core/internal/pricing"
)

// Service applies payment outcomes to orders. Every mutation is a conditional
// status update, so concurrent or repeated calls settle on one result.
type Service struct {
	Store  Store
	Logger zerolog.Logger
}

// Create stores a pending order and computes its total from the items.
func (s *Service) Create(ctx context.Context, in NewOrder) (Order, error) {
	if s == nil || s.Store == nil {
		return Order{}, errors.New("order service not configured")
	}
	if len(in.Items) == 0 {
		return Order{}, errors.New("order has no items")
	}
	lines := make([]pricing.Item, 0, len(in.Items))
	for _, it := range in.Items {
		lines = append(lines, pricing.Item{Qty: it.Quantity, UnitPrice: it.Price})
	}
	total, err := pricing.Total(lines)
	if err != nil {
		return Order{}, fmt.Errorf("order total: %w", err)
	}
	return s.Store.CreateOrder(ctx, Order{
		ID:            uuid.NewString(),
		Items:         in.Items,
		Total:         total,
		Currency:      strings.ToUpper(strings.TrimSpace(in.Currency)),
		CustomerEmail: strings.TrimSpace(in.CustomerEmail),
		Message:       in.Message,
		Status:        StatusPending,
	})
}

// Get returns the order by id.
func (s *Service) Get(ctx context.Context, id string) (Order, error) {
	return s.Store.GetOrder(ctx, id)
}

// MarkPaid records intentID as the payment that settled the order. A failed
// or cancelled order still moves to paid because the money was captured. An
// order already paid by the same intent is left alone (changed=false); one
// paid by another intent yields ErrConflictingPayment.
func (s *Service) MarkPaid(ctx context.Context, orderID, intentID string) (bool, error) {
	_, err := s.Store.UpdateOrderStatus(ctx, orderID,
		[]Status{StatusPending, StatusFailed, StatusCancelled}, StatusPaid,
		StatusUpdate{PaidIntentID: intentID})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrStatusConflict) {
		return false, err
	}
	current, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	if current.PaidIntentID == intentID {
		return false, nil
	}
	return false, fmt.Errorf("order %s paid by intent %s, intent %s also succeeded: %w",
		orderID, current.PaidIntentID, intentID, ErrConflictingPayment)
}

// MarkFailed moves a pending order to failed. Paid orders are never reverted.
func (s *Service) MarkFailed(ctx context.Context, orderID, intentID, reason string) (bool, error) {
	_, err := s.Store.UpdateOrderStatus(ctx, orderID, []Status{StatusPending}, StatusFailed, StatusUpdate{FailureReason: reason})
	if err == nil {
		return true, nil
	}
	var conflict *StatusConflictError
	if errors.As(err, &conflict) {
		if conflict.Actual == StatusPaid {
			s.Logger.Warn().
				Str("order_id", orderID).
				Str("intent_id", intentID).
				Str("reason", reason).
				Msg("failure ignored for paid order")
		}
		return false, nil
	}
	return false, err
}

// MarkCancelled moves a pending order to cancelled.
func (s *Service) MarkCancelled(ctx context.Context, orderID, reason string) (bool, error) {
	_, err := s.Store.UpdateOrderStatus(ctx, orderID, []Status{StatusPending}, StatusCancelled, StatusUpdate{FailureReason: reason})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrStatusConflict) {
		return false, nil
	}
	return false, err
}
