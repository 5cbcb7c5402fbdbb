package postgres_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/store/postgres"
	"github.com/technest/payment-core/internal/store/storetest"
)

func setupDatabase(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "payments",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://testuser:testpass@%s:%s/payments?sslmode=disable", host, port.Port())
	require.NoError(t, postgres.Migrate(url, zerolog.Nop()))
	// A second run is a no-op.
	require.NoError(t, postgres.Migrate(url, zerolog.Nop()))

	pool, err := postgres.Connect(ctx, url, "payment-core-test")
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestStoreContract(t *testing.T) {
	pool := setupDatabase(t)
	storetest.Run(t, func(t *testing.T) storetest.Store {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE payment_events, payment_intents, orders")
		require.NoError(t, err)
		return postgres.New(pool)
	})
}

func TestInsertEvent(t *testing.T) {
	pool := setupDatabase(t)
	s := postgres.New(pool)
	ctx := context.Background()

	payload, err := json.Marshal(map[string]string{"orderId": "o-1"})
	require.NoError(t, err)
	saved, err := s.InsertEvent(ctx, events.Event{Topic: events.TopicOrderPaid, AggregateID: "o-1", Payload: payload})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	_, err = s.InsertEvent(ctx, events.Event{Topic: events.TopicPaymentFailed, AggregateID: "o-1"})
	require.NoError(t, err)

	list, err := s.EventsFor(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, events.TopicOrderPaid, list[0].Topic)
	require.JSONEq(t, `{"orderId":"o-1"}`, string(list[0].Payload))
	require.NoError(t, s.Ping(ctx))
}
