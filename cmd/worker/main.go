package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/technest/payment-core/internal/app"
	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/config"
	"github.com/technest/payment-core/internal/notify"
	"github.com/technest/payment-core/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger("payment-worker", cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("env", cfg.AppEnv).Logger()
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Fatal().Msg("worker needs STORE_DRIVER=postgres; the API sweeps the memory store itself")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Obs.EnablePrometheus {
		obs.MustRegisterDomainMetrics(cfg.Obs.MetricsNamespace, prometheus.DefaultRegisterer)
	}

	var mailer common.EmailSender = common.NopEmailSender{}
	if cfg.NotifyEmailEnabled {
		mailer = common.NewSMTPSender(cfg.SMTP)
	}
	registry, err := app.NewRegistry(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise payment providers")
	}
	deps := &app.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Registry:       registry,
		Mailer:         mailer,
		MetricsEnabled: cfg.Obs.EnablePrometheus,
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Error().Err(err).Msg("close dependencies")
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := deps.OpenStore(startCtx, "payment-core-worker", false); err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	if err := deps.OpenRedis(startCtx); err != nil {
		logger.Fatal().Err(err).Msg("open redis")
	}
	if err := deps.OpenTaskClient(); err != nil {
		logger.Fatal().Err(err).Msg("open task client")
	}
	services := app.NewServices(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Dur("interval", cfg.SweepInterval).Dur("ttl", cfg.IntentTTL).Msg("sweeper starting")
		return services.Sweeper.Run(gctx)
	})
	if cfg.NotifyEmailEnabled {
		srv, err := newTaskServer(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise task server")
		}
		mux := asynq.NewServeMux()
		mux.Handle(notify.TaskSendEmail, notify.EmailTaskHandler(notify.EmailNotifier{
			Mail:           mailer,
			Enabled:        true,
			TopicToggles:   cfg.NotifyEmailTopics,
			SupportAddress: cfg.NotifySupportAddress,
		}, logger))
		if err := srv.Start(mux); err != nil {
			logger.Fatal().Err(err).Msg("start task server")
		}
		g.Go(func() error {
			<-gctx.Done()
			srv.Shutdown()
			return nil
		})
	}

	logger.Info().Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func newTaskServer(cfg *config.Config, logger zerolog.Logger) (*asynq.Server, error) {
	opt, err := app.RedisConnOpt(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	queue := cfg.NotifyQueue
	if queue == "" {
		queue = "default"
	}
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{logger: logger},
	}), nil
}

// asynqLogger routes asynq's logs through zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.logger.Debug().Msg(sprint(args)) }
func (l asynqLogger) Info(args ...any)  { l.logger.Info().Msg(sprint(args)) }
func (l asynqLogger) Warn(args ...any)  { l.logger.Warn().Msg(sprint(args)) }
func (l asynqLogger) Error(args ...any) { l.logger.Error().Msg(sprint(args)) }
func (l asynqLogger) Fatal(args ...any) { l.logger.Fatal().Msg(sprint(args)) }

func sprint(args []any) string { return fmt.Sprint(args...) }
