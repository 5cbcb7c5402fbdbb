package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/technest/payment-core/internal/events"
)

func (s *Store) InsertEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payment_events (id, topic, aggregate_id, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Topic, ev.AggregateID, payload, ev.OccurredAt)
	if err != nil {
		return events.Event{}, fmt.Errorf("insert event %s: %w", ev.Topic, err)
	}
	return ev, nil
}

// EventsFor returns the events recorded for one aggregate, oldest first.
func (s *Store) EventsFor(ctx context.Context, aggregateID string) ([]events.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, topic, aggregate_id, payload, occurred_at
		FROM payment_events WHERE aggregate_id = $1
		ORDER BY occurred_at, id`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []events.Event
	for rows.Next() {
		var (
			ev      events.Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.AggregateID, &payload, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		ev.OccurredAt = ev.OccurredAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
