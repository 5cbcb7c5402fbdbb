package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/technest/payment-core/internal/common"
	"github.com/technest/payment-core/internal/payment"
	"github.com/technest/payment-core/internal/resilience"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string `validate:"required_if=StoreDriver postgres"`
	RedisURL           string `validate:"required_if=StoreDriver postgres"`
	StoreDriver        string `validate:"oneof=postgres memory"`
	PublicBaseURL      string `validate:"required,url"`
	FrontendBaseURL    string `validate:"omitempty,url"`
	CORSAllowedOrigins []string

	ProviderTimeout   time.Duration `validate:"gt=0"`
	IntentTTL         time.Duration `validate:"gt=0"`
	SweepInterval     time.Duration `validate:"gt=0"`
	SweepBatchSize    int           `validate:"gt=0"`
	CallbackReplayTTL time.Duration
	Retry             resilience.ClientOptions

	Card     payment.CardConfig
	Payoneer payment.PayoneerConfig
	Bkash    payment.BkashConfig
	Nagad    payment.NagadConfig

	SMTP                 common.SMTPConfig
	NotifyEmailEnabled   bool
	NotifyEmailTopics    map[string]bool
	NotifySupportAddress string
	NotifyQueue          string
	NotifyMaxRetry       int
	WorkerConcurrency    int

	// RateLimitInit uses the limiter formatted rate, e.g. "20-M".
	RateLimitInit  string
	IdempotencyTTL time.Duration

	HealthDBTimeout    time.Duration
	HealthRedisTimeout time.Duration

	Obs ObsConfig
}

// ObsConfig controls logging, metrics and tracing.
type ObsConfig struct {
	LogFormat        string
	LogLevel         string
	MetricsNamespace string
	MetricsBuckets   string
	EnablePrometheus bool
	EnableTracing    bool
	TracingExporter  string
	OTLPEndpoint     string
	SamplingRatio    float64 `validate:"gte=0,lte=1"`
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	str := func(key, fallback string) string { return valueOrDefault(k.String(key), fallback) }

	frontend := strings.TrimRight(str("FRONTEND_BASE_URL", ""), "/")
	cfg := &Config{
		AppEnv:             str("APP_ENV", "development"),
		Port:               str("PORT", "8080"),
		DatabaseURL:        k.String("DATABASE_URL"),
		RedisURL:           k.String("REDIS_URL"),
		StoreDriver:        strings.ToLower(str("STORE_DRIVER", StoreDriverPostgres)),
		PublicBaseURL:      strings.TrimRight(str("PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		FrontendBaseURL:    frontend,
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),

		ProviderTimeout:   parseDuration(k.String("PAYMENT_PROVIDER_TIMEOUT"), "10s"),
		IntentTTL:         parseDuration(k.String("PAYMENT_INTENT_TTL"), "30m"),
		SweepInterval:     parseDuration(k.String("PAYMENT_SWEEP_INTERVAL"), "1m"),
		SweepBatchSize:    parseInt(k.String("PAYMENT_SWEEP_BATCH_SIZE"), 100),
		CallbackReplayTTL: parseDuration(k.String("PAYMENT_CALLBACK_REPLAY_TTL"), "24h"),
		Retry: resilience.ClientOptions{
			Timeout:            parseDuration(k.String("PAYMENT_PROVIDER_TIMEOUT"), "10s"),
			MaxAttempts:        parseInt(k.String("PAYMENT_RETRY_MAX_ATTEMPTS"), 3),
			BaseBackoff:        parseDuration(k.String("PAYMENT_RETRY_BASE"), "200ms"),
			Jitter:             parseFloat(k.String("PAYMENT_RETRY_JITTER"), 0.2),
			BreakerMinRequests: parseInt(k.String("PAYMENT_BREAKER_MIN_REQUESTS"), 10),
			BreakerRatio:       parseFloat(k.String("PAYMENT_BREAKER_FAILURE_RATIO"), 0.5),
			BreakerOpenFor:     parseDuration(k.String("PAYMENT_BREAKER_OPEN_FOR"), "30s"),
		},

		Card: payment.CardConfig{
			Enabled:            parseBool(k.String("CARD_ENABLED")),
			BaseURL:            k.String("CARD_BASE_URL"),
			ClientID:           k.String("CARD_CLIENT_ID"),
			ClientSecret:       k.String("CARD_CLIENT_SECRET"),
			WebhookSecret:      k.String("CARD_WEBHOOK_SECRET"),
			Currency:           str("CARD_CURRENCY", "USD"),
			SuccessURL:         str("CARD_SUCCESS_URL", frontend+"/payment/success"),
			CancelURL:          str("CARD_CANCEL_URL", frontend+"/payment/cancel"),
			SignatureTolerance: parseDuration(k.String("CARD_SIGNATURE_TOLERANCE"), "5m"),
		},
		Payoneer: payment.PayoneerConfig{
			Enabled:            parseBool(k.String("PAYONEER_ENABLED")),
			BaseURL:            k.String("PAYONEER_BASE_URL"),
			ClientID:           k.String("PAYONEER_CLIENT_ID"),
			ClientSecret:       k.String("PAYONEER_CLIENT_SECRET"),
			NotificationSecret: k.String("PAYONEER_NOTIFICATION_SECRET"),
			Currency:           str("PAYONEER_CURRENCY", "USD"),
			ReturnURL:          str("PAYONEER_RETURN_URL", frontend+"/payment/success"),
			CancelURL:          str("PAYONEER_CANCEL_URL", frontend+"/payment/cancel"),
		},
		Bkash: payment.BkashConfig{
			Enabled:   parseBool(k.String("BKASH_ENABLED")),
			BaseURL:   k.String("BKASH_BASE_URL"),
			AppKey:    k.String("BKASH_APP_KEY"),
			AppSecret: k.String("BKASH_APP_SECRET"),
			Username:  k.String("BKASH_USERNAME"),
			Password:  k.String("BKASH_PASSWORD"),
			Currency:  str("BKASH_CURRENCY", "BDT"),
			ResultURL: str("BKASH_RESULT_URL", frontend+"/payment/result"),
		},
		Nagad: payment.NagadConfig{
			Enabled:            parseBool(k.String("NAGAD_ENABLED")),
			BaseURL:            k.String("NAGAD_BASE_URL"),
			MerchantID:         k.String("NAGAD_MERCHANT_ID"),
			MerchantPrivateKey: k.String("NAGAD_MERCHANT_PRIVATE_KEY"),
			GatewayPublicKey:   k.String("NAGAD_GATEWAY_PUBLIC_KEY"),
			ClientIP:           k.String("NAGAD_CLIENT_IP"),
			ResultURL:          str("NAGAD_RESULT_URL", frontend+"/payment/result"),
		},

		SMTP: common.SMTPConfig{
			Host:     k.String("SMTP_HOST"),
			Port:     parseInt(k.String("SMTP_PORT"), 587),
			Username: k.String("SMTP_USERNAME"),
			Password: k.String("SMTP_PASSWORD"),
			From:     str("SMTP_FROM", "payments@technest.example"),
			FromName: str("SMTP_FROM_NAME", "TechNest"),
		},
		NotifyEmailEnabled:   parseBool(k.String("NOTIFY_EMAIL_ENABLED")),
		NotifyEmailTopics:    parseToggles(k.String("NOTIFY_EMAIL_TOPICS")),
		NotifySupportAddress: k.String("NOTIFY_EMAIL_SUPPORT_ADDRESS"),
		NotifyQueue:          str("NOTIFY_EMAIL_QUEUE", "email"),
		NotifyMaxRetry:       parseInt(k.String("NOTIFY_EMAIL_MAX_RETRY"), 8),
		WorkerConcurrency:    parseInt(k.String("WORKER_CONCURRENCY"), 4),

		RateLimitInit:  str("RATE_LIMIT_INIT", "20-M"),
		IdempotencyTTL: parseDuration(k.String("IDEMPOTENCY_TTL"), "1m"),

		HealthDBTimeout:    parseDuration(k.String("HEALTH_READY_DB_TIMEOUT"), "500ms"),
		HealthRedisTimeout: parseDuration(k.String("HEALTH_READY_REDIS_TIMEOUT"), "300ms"),

		Obs: ObsConfig{
			LogFormat:        str("OBS_LOG_FORMAT", "json"),
			LogLevel:         str("OBS_LOG_LEVEL", "info"),
			MetricsNamespace: str("OBS_METRICS_NAMESPACE", "technest"),
			MetricsBuckets:   k.String("OBS_METRICS_BUCKETS_MS"),
			EnablePrometheus: parseBoolDefault(k.String("OBS_ENABLE_PROMETHEUS"), true),
			EnableTracing:    parseBoolDefault(k.String("OBS_ENABLE_TRACING"), true),
			TracingExporter:  str("OBS_TRACING_EXPORTER", "otlp"),
			OTLPEndpoint:     k.String("OBS_OTLP_ENDPOINT"),
			SamplingRatio:    parseFloat(k.String("OBS_TRACING_SAMPLING_RATIO"), 1.0),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.Card.Enabled && !cfg.Payoneer.Enabled && !cfg.Bkash.Enabled && !cfg.Nagad.Enabled {
		return errors.New("invalid configuration: no payment provider enabled")
	}
	if cfg.NotifyEmailEnabled && strings.TrimSpace(cfg.SMTP.Host) == "" {
		return errors.New("invalid configuration: SMTP_HOST is required when NOTIFY_EMAIL_ENABLED is set")
	}
	return nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// UsesRedis reports whether Redis-backed guards should be wired.
func (c *Config) UsesRedis() bool {
	return strings.TrimSpace(c.RedisURL) != ""
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseToggles reads "payment.failed=false,order.paid=true" into a map.
func parseToggles(value string) map[string]bool {
	parts := splitAndTrim(value)
	if len(parts) == 0 {
		return nil
	}
	out := make(map[string]bool, len(parts))
	for _, part := range parts {
		topic, flag, found := strings.Cut(part, "=")
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		out[topic] = !found || parseBool(flag)
	}
	return out
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		return parsed
	}
	return fallback
}

func parseFloat(value string, fallback float64) float64 {
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
		return parsed
	}
	return fallback
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	case "0", "f", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
