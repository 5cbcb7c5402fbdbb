package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/technest/payment-core/internal/payment"
)

const intentColumns = `id::text, order_id::text, provider, provider_reference, redirect_url, client_key,
	amount, currency, state, failure_reason, attempts, created_at, updated_at`

func scanIntent(row pgx.CollectableRow) (payment.Intent, error) {
	var (
		it        payment.Intent
		reference pgtype.Text
		clientKey pgtype.Text
		provider  string
		state     string
	)
	err := row.Scan(&it.ID, &it.OrderID, &provider, &reference, &it.RedirectURL, &clientKey,
		&it.Amount, &it.Currency, &state, &it.FailureReason, &it.Attempts, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return payment.Intent{}, err
	}
	it.Provider = payment.Provider(provider)
	it.State = payment.State(state)
	it.ProviderReference = reference.String
	it.ClientKey = clientKey.String
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	return it, nil
}

func (s *Store) queryIntent(ctx context.Context, sql string, args ...any) (payment.Intent, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return payment.Intent{}, err
	}
	it, err := pgx.CollectExactlyOneRow(rows, scanIntent)
	if isNoRows(err) {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return it, err
}

func (s *Store) Create(ctx context.Context, in payment.NewIntent) (payment.Intent, error) {
	it, err := s.queryIntent(ctx, `
		INSERT INTO payment_intents (order_id, provider, client_key, amount, currency, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+intentColumns,
		in.OrderID, string(in.Provider), nullable(in.ClientKey), in.Amount, in.Currency, string(payment.StatePendingCreation))
	if _, dup := uniqueConstraint(err); dup {
		return payment.Intent{}, payment.ErrDuplicateClientKey
	}
	if err != nil {
		return payment.Intent{}, fmt.Errorf("insert intent: %w", err)
	}
	return it, nil
}

func (s *Store) AttachProviderReference(ctx context.Context, id, reference, redirectURL string) error {
	if _, err := uuid.Parse(id); err != nil {
		return payment.ErrIntentNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE payment_intents
		SET provider_reference = $2, redirect_url = $3, updated_at = now()
		WHERE id = $1 AND provider_reference IS NULL`,
		id, reference, redirectURL)
	if _, dup := uniqueConstraint(err); dup {
		return fmt.Errorf("reference %s already attached to another intent: %w", reference, payment.ErrAlreadyAttached)
	}
	if err != nil {
		return fmt.Errorf("attach provider reference: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.ProviderReference == reference {
		return nil
	}
	return payment.ErrAlreadyAttached
}

func (s *Store) Get(ctx context.Context, id string) (payment.Intent, error) {
	if _, err := uuid.Parse(id); err != nil {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.queryIntent(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE id = $1`, id)
}

func (s *Store) FindByProviderReference(ctx context.Context, provider payment.Provider, reference string) (payment.Intent, error) {
	if reference == "" {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.queryIntent(ctx, `SELECT `+intentColumns+`
		FROM payment_intents WHERE provider = $1 AND provider_reference = $2`,
		string(provider), reference)
}

func (s *Store) FindByClientKey(ctx context.Context, provider payment.Provider, key string) (payment.Intent, error) {
	if key == "" {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	return s.queryIntent(ctx, `SELECT `+intentColumns+`
		FROM payment_intents WHERE provider = $1 AND client_key = $2`,
		string(provider), key)
}

// Transition is a single conditional UPDATE; a miss is resolved into
// ErrIntentNotFound or a StateConflictError carrying the state that won.
func (s *Store) Transition(ctx context.Context, id string, from, to payment.State, reason string) (payment.Intent, error) {
	if !payment.CanTransition(from, to) {
		return payment.Intent{}, fmt.Errorf("%s -> %s: %w", from, to, payment.ErrInvalidTransition)
	}
	if _, err := uuid.Parse(id); err != nil {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	it, err := s.queryIntent(ctx, `
		UPDATE payment_intents
		SET state = $3,
		    failure_reason = CASE WHEN $4::text = '' THEN failure_reason ELSE $4::text END,
		    updated_at = now()
		WHERE id = $1 AND state = $2
		RETURNING `+intentColumns,
		id, string(from), string(to), reason)
	if err == nil {
		return it, nil
	}
	if err != payment.ErrIntentNotFound {
		return payment.Intent{}, fmt.Errorf("transition intent: %w", err)
	}
	var actual string
	err = s.pool.QueryRow(ctx, `SELECT state FROM payment_intents WHERE id = $1`, id).Scan(&actual)
	if isNoRows(err) {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	if err != nil {
		return payment.Intent{}, fmt.Errorf("read intent state: %w", err)
	}
	return payment.Intent{}, &payment.StateConflictError{IntentID: id, Expected: from, Actual: payment.State(actual)}
}

func (s *Store) RecordDelivery(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return payment.ErrIntentNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE payment_intents SET attempts = attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrIntentNotFound
	}
	return nil
}

func (s *Store) ListStale(ctx context.Context, state payment.State, olderThan time.Time, limit int) ([]payment.Intent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+intentColumns+`
		FROM payment_intents
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		string(state), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale intents: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanIntent)
	if err != nil {
		return nil, fmt.Errorf("scan stale intents: %w", err)
	}
	return out, nil
}
