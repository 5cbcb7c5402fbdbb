package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technest/payment-core/internal/checkout"
	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/health"
	"github.com/technest/payment-core/internal/obs"
	"github.com/technest/payment-core/internal/order"
	"github.com/technest/payment-core/internal/ratelimit"
	"github.com/technest/payment-core/internal/reconcile"
	"github.com/technest/payment-core/internal/security"
)

// NewRouter mounts the payment API, health probes and metrics.
func NewRouter(d *Dependencies, svc *Services) http.Handler {
	cfg := d.Config
	logger := d.Logger

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if d.TracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if d.MetricsEnabled {
		reg := d.MetricsRegistry
		var registerer prometheus.Registerer = prometheus.DefaultRegisterer
		if reg != nil {
			registerer = reg
		}
		buckets := obs.ParseBucketsCSV(cfg.Obs.MetricsBuckets)
		r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.Obs.MetricsNamespace, buckets, registerer)}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg.CORSAllowedOrigins, cfg.FrontendBaseURL),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", common.IdempotencyHeader, "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)

	if d.MetricsEnabled {
		if d.MetricsRegistry != nil {
			r.Handle("/metrics", promhttp.HandlerFor(d.MetricsRegistry, promhttp.HandlerOpts{}))
		} else {
			r.Handle("/metrics", promhttp.Handler())
		}
	}

	healthHandler := health.Handler{
		Checker:      health.Probe{DB: d.Store, Redis: d.Redis},
		DBTimeout:    cfg.HealthDBTimeout,
		RedisTimeout: cfg.HealthRedisTimeout,
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	initHandler := &checkout.Handler{Svc: svc.Checkout}
	callbackHandler := &reconcile.Handler{Engine: svc.Engine}
	orderHandler := &order.Handler{Svc: svc.Orders}
	idem := common.Idem{R: d.Redis, TTL: cfg.IdempotencyTTL}
	limit := ratelimit.Handler{
		Limiter: d.Limiter,
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}

	r.Route("/api", func(api chi.Router) {
		api.Route("/payment/{provider}", func(p chi.Router) {
			p.With(
				limit.Middleware,
				security.BodyLimit{Max: security.DefaultMaxBody}.Middleware,
				idem.Middleware,
			).Post("/init", initHandler.Init)
			p.Get("/callback", callbackHandler.Callback)
			p.Post("/callback", callbackHandler.Callback)
		})
		api.Get("/orders/{id}", orderHandler.Get)
	})
	return r
}

func allowedOrigins(configured []string, frontend string) []string {
	if len(configured) > 0 {
		return configured
	}
	if frontend != "" {
		return []string{frontend}
	}
	return []string{"*"}
}
