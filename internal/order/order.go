package order

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the customer-visible order state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	ErrNotFound = errors.New("order: not found")
	// ErrConflictingPayment means a second intent succeeded for an order
	// already paid by another intent. It needs operator attention.
	ErrConflictingPayment = errors.New("order: conflicting payment")
	ErrStatusConflict     = errors.New("order: status conflict")
)

// StatusConflictError reports a conditional update that found another status.
type StatusConflictError struct {
	OrderID string
	Actual  Status
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("order %s is %s", e.OrderID, e.Actual)
}

func (e *StatusConflictError) Is(target error) bool { return target == ErrStatusConflict }

// Item is one cart line captured on the order.
type Item struct {
	Title    string `json:"title"`
	Price    int64  `json:"price"`
	Quantity int    `json:"quantity"`
	Type     string `json:"type,omitempty"`
	Category string `json:"category,omitempty"`
}

// Order is a customer purchase settled by at most one succeeded payment intent.
type Order struct {
	ID            string
	Items         []Item
	Total         int64
	Currency      string
	CustomerEmail string
	Message       string
	Status        Status
	PaidIntentID  string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewOrder is the input to Service.Create.
type NewOrder struct {
	Items         []Item
	Currency      string
	CustomerEmail string
	Message       string
}

// StatusUpdate carries the fields written alongside a status change.
type StatusUpdate struct {
	PaidIntentID  string
	FailureReason string
}

// Store persists orders. UpdateStatus is conditional: it applies only when the
// current status is one of from and otherwise returns *StatusConflictError.
type Store interface {
	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	UpdateOrderStatus(ctx context.Context, id string, from []Status, to Status, u StatusUpdate) (Order, error)
}
