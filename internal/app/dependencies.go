// Package app wires the payment core's stores, adapters and services and
// builds the HTTP router shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	validator "github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/technest/payment-core/internal/checkout"
	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/config"
	"github.com/technest/payment-core/internal/events"
	"github.com/technest/payment-core/internal/lock"
	"github.com/technest/payment-core/internal/notify"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/ratelimit"
	"github.com/technest/payment-core/internal/reconcile"
	"github.com/technest/payment-core/internal/resilience"
	"github.com/technest/payment-core/internal/store/memory"
	"github.com/technest/payment-core/internal/store/postgres"
)

// Store is everything the services persist through.
type Store interface {
	payment.IntentStore
	order.Store
	events.Store
	Ping(ctx context.Context) error
}

// Dependencies enumerates the shared infrastructure handed to the services.
type Dependencies struct {
	Config          *config.Config
	Logger          zerolog.Logger
	Store           Store
	Redis           redis.UniversalClient
	Registry        *payment.Registry
	Validator       *validator.Validate
	Limiter         *limiter.Limiter
	TaskClient      notify.Enqueuer
	Mailer          common.EmailSender
	MetricsRegistry *prometheus.Registry
	TracingEnabled  bool
	MetricsEnabled  bool

	closers []func() error
}

// Close releases connections opened by the Open helpers, in reverse order.
func (d *Dependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Dependencies) onClose(fn func() error) { d.closers = append(d.closers, fn) }

// OpenStore connects the configured store driver. Postgres schemas are
// migrated when migrate is set.
func (d *Dependencies) OpenStore(ctx context.Context, applicationName string, migrate bool) error {
	cfg := d.Config
	if cfg.StoreDriver == config.StoreDriverMemory {
		d.Logger.Warn().Msg("using in-memory store; state is lost on restart")
		d.Store = memory.New()
		return nil
	}
	if migrate {
		if err := postgres.Migrate(cfg.DatabaseURL, d.Logger); err != nil {
			return err
		}
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, applicationName)
	if err != nil {
		return err
	}
	d.onClose(func() error { pool.Close(); return nil })
	d.Store = postgres.New(pool)
	return nil
}

// OpenRedis connects and instruments Redis when REDIS_URL is set.
func (d *Dependencies) OpenRedis(ctx context.Context) error {
	if !d.Config.UsesRedis() {
		return nil
	}
	opts, err := redis.ParseURL(d.Config.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		d.Logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if d.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			d.Logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	d.onClose(client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	d.Redis = client
	return nil
}

// OpenTaskClient connects the asynq client used to hand emails to the worker.
func (d *Dependencies) OpenTaskClient() error {
	if !d.Config.UsesRedis() || !d.Config.NotifyEmailEnabled {
		return nil
	}
	opt, err := RedisConnOpt(d.Config.RedisURL)
	if err != nil {
		return err
	}
	client := asynq.NewClient(opt)
	d.onClose(client.Close)
	d.TaskClient = client
	return nil
}

// OpenLimiter builds the init rate limiter on Redis, or in memory without it.
func (d *Dependencies) OpenLimiter() error {
	store, err := ratelimit.NewStore(d.Redis, ratelimit.DefaultPrefix)
	if err != nil {
		return fmt.Errorf("rate limit store: %w", err)
	}
	lim, err := ratelimit.New(store, d.Config.RateLimitInit)
	if err != nil {
		return fmt.Errorf("rate limit %q: %w", d.Config.RateLimitInit, err)
	}
	d.Limiter = lim
	return nil
}

// RedisConnOpt converts REDIS_URL for asynq.
func RedisConnOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis uri for asynq: %w", err)
	}
	return opt, nil
}

// NewRegistry builds the enabled provider adapters, each behind its own
// retrying, circuit-broken HTTP client.
func NewRegistry(cfg *config.Config, logger zerolog.Logger) (*payment.Registry, error) {
	client := func(p payment.Provider) resilience.HTTPClient {
		return resilience.NewProviderClient(string(p), cfg.Retry, logger)
	}
	var adapters []payment.Adapter
	if cfg.Card.Enabled {
		adapters = append(adapters, payment.NewCard(cfg.Card, client(payment.ProviderCard)))
	}
	if cfg.Payoneer.Enabled {
		adapters = append(adapters, payment.NewPayoneer(cfg.Payoneer, client(payment.ProviderPayoneer)))
	}
	if cfg.Bkash.Enabled {
		adapters = append(adapters, payment.NewBkash(cfg.Bkash, client(payment.ProviderBkash)))
	}
	if cfg.Nagad.Enabled {
		nagad, err := payment.NewNagad(cfg.Nagad, client(payment.ProviderNagad))
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, nagad)
	}
	return payment.NewRegistry(adapters...), nil
}

// Services are the domain services built from Dependencies.
type Services struct {
	Orders   *order.Service
	Bus      *events.Bus
	Checkout *checkout.Service
	Engine   *reconcile.Engine
	Sweeper  *reconcile.Sweeper
}

// NewServices wires the order service, event bus, checkout facade,
// reconcile engine and expiry sweeper.
func NewServices(d *Dependencies) *Services {
	cfg := d.Config
	orders := &order.Service{Store: d.Store, Logger: d.Logger.With().Str("component", "order").Logger()}

	filter := notify.EmailNotifier{
		Mail:           d.Mailer,
		Enabled:        cfg.NotifyEmailEnabled,
		TopicToggles:   cfg.NotifyEmailTopics,
		SupportAddress: cfg.NotifySupportAddress,
	}
	var notifier events.Notifier = filter
	if d.TaskClient != nil {
		// The worker owns SMTP; the API only enqueues.
		filter.Mail = common.NopEmailSender{}
		notifier = notify.TaskNotifier{
			Client:    d.TaskClient,
			Filter:    filter,
			Queue:     cfg.NotifyQueue,
			MaxRetry:  cfg.NotifyMaxRetry,
			Retention: cfg.CallbackReplayTTL,
		}
	}
	bus := &events.Bus{
		Store:     d.Store,
		Notifiers: []events.Notifier{notifier},
		Logger:    d.Logger.With().Str("component", "events").Logger(),
	}

	var replay reconcile.ReplayGuard = &reconcile.MemoryReplayGuard{}
	var locker reconcile.Locker
	if d.Redis != nil {
		replay = reconcile.RedisReplayGuard{Client: d.Redis, TTL: cfg.CallbackReplayTTL}
		locker = lock.Locker{R: d.Redis}
	}

	return &Services{
		Orders: orders,
		Bus:    bus,
		Checkout: &checkout.Service{
			Registry:      d.Registry,
			Intents:       d.Store,
			Orders:        orders,
			Events:        bus,
			PublicBaseURL: cfg.PublicBaseURL,
			Timeout:       cfg.ProviderTimeout,
			Validate:      d.Validator,
			Logger:        d.Logger.With().Str("component", "checkout").Logger(),
		},
		Engine: &reconcile.Engine{
			Registry:      d.Registry,
			Intents:       d.Store,
			Orders:        orders,
			Events:        bus,
			Replay:        replay,
			VerifyTimeout: cfg.ProviderTimeout,
			Logger:        d.Logger.With().Str("component", "reconcile").Logger(),
		},
		Sweeper: &reconcile.Sweeper{
			Intents:   d.Store,
			Orders:    orders,
			Events:    bus,
			Locker:    locker,
			TTL:       cfg.IntentTTL,
			Interval:  cfg.SweepInterval,
			BatchSize: cfg.SweepBatchSize,
			Logger:    d.Logger.With().Str("component", "sweeper").Logger(),
			Meter:     Meter("github.com/technest/payment-core/internal/reconcile"),
		},
	}
}

// Tracer returns the default OpenTelemetry tracer for instrumentation hooks.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns the default OpenTelemetry meter for instrumentation hooks.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
