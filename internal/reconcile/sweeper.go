package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/obs"
	"github.com/technest/payment-core/internal/payment"
)

const (
	DefaultIntentTTL     = 30 * time.Minute
	DefaultSweepInterval = time.Minute
	sweepLockKey         = "lock:payment:sweep"
)

// Locker runs fn only when no other replica holds the lock.
type Locker interface {
	TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Sweeper cancels intents whose customer never came back from the provider
// and fails intents stranded before their session was recorded.
type Sweeper struct {
	Intents   payment.IntentStore
	Orders    Orders
	Events    Emitter
	Locker    Locker
	TTL       time.Duration
	Interval  time.Duration
	BatchSize int
	Logger    zerolog.Logger
	Meter     metric.Meter
	Now       func() time.Time

	expired metric.Int64Counter
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.Logger.Error().Err(err).Msg("payment sweep failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce expires one batch of stale intents, fails intents whose creation
// never completed, and reports how many it closed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.Locker == nil {
		return s.sweep(ctx)
	}
	var n int
	ran, err := s.Locker.TryWithLock(ctx, sweepLockKey, s.interval(), func(ctx context.Context) error {
		var err error
		n, err = s.sweep(ctx)
		return err
	})
	if !ran && err == nil {
		s.Logger.Debug().Msg("payment sweep skipped, lock held elsewhere")
	}
	return n, err
}

func (s *Sweeper) sweep(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.Sweep")
	defer span.End()

	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultIntentTTL
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 100
	}
	stale, err := s.Intents.ListStale(ctx, payment.StateAwaitingProvider, s.now().Add(-ttl), batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, it := range stale {
		moved, err := s.Intents.Transition(ctx, it.ID, payment.StateAwaitingProvider, payment.StateCancelled, payment.ReasonExpired)
		if errors.Is(err, payment.ErrStateConflict) {
			continue
		}
		if err != nil {
			s.Logger.Warn().Err(err).Str("intent_id", it.ID).Msg("expire intent failed")
			continue
		}
		expired++
		obs.PaymentExpiredTotal.Inc()
		s.counter().Add(ctx, 1, metric.WithAttributes(attribute.String("provider", string(it.Provider))))

		changed, err := s.Orders.MarkCancelled(ctx, moved.OrderID, payment.ReasonExpired)
		if err != nil {
			s.Logger.Warn().Err(err).Str("order_id", moved.OrderID).Msg("cancel expired order failed")
			continue
		}
		if changed {
			emitPaymentEvent(ctx, s.Events, s.Orders, s.Logger, events.TopicPaymentExpired, moved, payment.ReasonExpired)
		}
		s.Logger.Info().
			Str("intent_id", moved.ID).
			Str("order_id", moved.OrderID).
			Str("provider", string(moved.Provider)).
			Msg("payment intent expired")
	}

	failed, err := s.failIncomplete(ctx, s.now().Add(-ttl), batch)
	span.SetAttributes(
		attribute.Int("payment.expired", expired),
		attribute.Int("payment.incomplete", failed),
	)
	return expired + failed, err
}

// failIncomplete closes intents stuck in pending_creation, which happens when
// the process died or the store failed between Create and recording the session.
func (s *Sweeper) failIncomplete(ctx context.Context, olderThan time.Time, batch int) (int, error) {
	stuck, err := s.Intents.ListStale(ctx, payment.StatePendingCreation, olderThan, batch)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, it := range stuck {
		moved, err := s.Intents.Transition(ctx, it.ID, payment.StatePendingCreation, payment.StateFailed, payment.ReasonCreationIncomplete)
		if errors.Is(err, payment.ErrStateConflict) {
			continue
		}
		if err != nil {
			s.Logger.Warn().Err(err).Str("intent_id", it.ID).Msg("fail incomplete intent failed")
			continue
		}
		failed++
		changed, err := s.Orders.MarkFailed(ctx, moved.OrderID, moved.ID, payment.ReasonCreationIncomplete)
		if err != nil {
			s.Logger.Warn().Err(err).Str("order_id", moved.OrderID).Msg("fail incomplete order failed")
			continue
		}
		if changed {
			emitPaymentEvent(ctx, s.Events, s.Orders, s.Logger, events.TopicPaymentFailed, moved, payment.ReasonCreationIncomplete)
		}
		s.Logger.Warn().
			Str("intent_id", moved.ID).
			Str("order_id", moved.OrderID).
			Str("provider", string(moved.Provider)).
			Msg("payment intent never left pending_creation")
	}
	return failed, nil
}

func (s *Sweeper) counter() metric.Int64Counter {
	if s.expired != nil {
		return s.expired
	}
	meter := s.Meter
	if meter == nil {
		meter = otel.Meter("reconcile")
	}
	c, err := meter.Int64Counter("payment.sweep.expired", metric.WithDescription("Intents expired by the sweeper"))
	if err != nil {
		s.Logger.Warn().Err(err).Msg("sweep counter unavailable")
		c = noop.Int64Counter{}
	}
	s.expired = c
	return c
}

func (s *Sweeper) interval() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultSweepInterval
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
