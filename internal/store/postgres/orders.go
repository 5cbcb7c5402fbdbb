package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/technest/payment-core/internal/order"
)

const orderColumns = `id::text, items, total, currency, customer_email, message, status,
	paid_intent_id, failure_reason, created_at, updated_at`

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		items  []byte
		status string
		paidBy pgtype.Text
	)
	err := row.Scan(&o.ID, &items, &o.Total, &o.Currency, &o.CustomerEmail, &o.Message, &status,
		&paidBy, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return order.Order{}, fmt.Errorf("decode order items: %w", err)
	}
	o.Status = order.Status(status)
	o.PaidIntentID = paidBy.String
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) queryOrder(ctx context.Context, sql string, args ...any) (order.Order, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return order.Order{}, err
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if isNoRows(err) {
		return order.Order{}, order.ErrNotFound
	}
	return o, err
}

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	items, err := json.Marshal(o.Items)
	if err != nil {
		return order.Order{}, fmt.Errorf("encode order items: %w", err)
	}
	created, err := s.queryOrder(ctx, `
		INSERT INTO orders (id, items, total, currency, customer_email, message, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+orderColumns,
		o.ID, items, o.Total, o.Currency, o.CustomerEmail, o.Message, string(o.Status))
	if err != nil {
		return order.Order{}, fmt.Errorf("insert order: %w", err)
	}
	return created, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return order.Order{}, order.ErrNotFound
	}
	return s.queryOrder(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from []order.Status, to order.Status, u order.StatusUpdate) (order.Order, error) {
	if _, err := uuid.Parse(id); err != nil {
		return order.Order{}, order.ErrNotFound
	}
	allowed := make([]string, 0, len(from))
	for _, st := range from {
		allowed = append(allowed, string(st))
	}
	updated, err := s.queryOrder(ctx, `
		UPDATE orders
		SET status = $2,
		    paid_intent_id = COALESCE(NULLIF($3::text, ''), paid_intent_id),
		    failure_reason = $4,
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)
		RETURNING `+orderColumns,
		id, string(to), u.PaidIntentID, u.FailureReason, allowed)
	if err == nil {
		return updated, nil
	}
	if err != order.ErrNotFound {
		return order.Order{}, fmt.Errorf("update order status: %w", err)
	}
	var actual string
	err = s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&actual)
	if isNoRows(err) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("read order status: %w", err)
	}
	return order.Order{}, &order.StatusConflictError{OrderID: id, Actual: order.Status(actual)}
}
