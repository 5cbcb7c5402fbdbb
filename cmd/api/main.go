package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/technest/payment-core/internal/app"
	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/config"
	"github.com/technest/payment-core/internal/health"
	"github.com/technest/payment-core/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger("payment-api", cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, prometheus.DefaultRegisterer)
	}
	tracingEnabled := cfg.Obs.EnableTracing
	if tracingEnabled {
		shutdown, err := obs.InitTracer(ctx, obs.TracingConfig{
			ServiceName:   "payment-api",
			Endpoint:      cfg.Obs.OTLPEndpoint,
			Exporter:      cfg.Obs.TracingExporter,
			SamplingRatio: cfg.Obs.SamplingRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	registry, err := app.NewRegistry(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment providers")
	}

	var mailer common.EmailSender = common.NopEmailSender{}
	if cfg.NotifyEmailEnabled {
		mailer = common.NewSMTPSender(cfg.SMTP)
	}

	deps := &app.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Registry:       registry,
		Validator:      validator.New(validator.WithRequiredStructEnabled()),
		Mailer:         mailer,
		TracingEnabled: tracingEnabled,
		MetricsEnabled: cfg.Obs.EnablePrometheus,
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := deps.OpenStore(startCtx, "payment-core-api", true); err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	if err := deps.OpenRedis(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("open redis")
	}
	if err := deps.OpenTaskClient(); err != nil {
		logger.Fatal().Err(err).Msg("open task client")
	}
	if err := deps.OpenLimiter(); err != nil {
		logger.Fatal().Err(err).Msg("open rate limiter")
	}

	services := app.NewServices(deps)
	if cfg.StoreDriver == config.StoreDriverMemory {
		// No worker shares a memory store, so the API sweeps for itself.
		go func() {
			if err := services.Sweeper.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("sweeper stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           app.NewRouter(deps, services),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().
		Str("addr", srv.Addr).
		Str("store", cfg.StoreDriver).
		Interface("providers", registry.Names()).
		Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}
