package resilience

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ClientOptions configures outbound provider clients.
type ClientOptions struct {
	Timeout            time.Duration
	MaxAttempts        int
	BaseBackoff        time.Duration
	Jitter             float64
	BreakerMinRequests int
	BreakerRatio       float64
	BreakerOpenFor     time.Duration
}

// NewProviderClient builds an HTTPClient for one provider with its own breaker
// and an otelhttp-instrumented transport.
func NewProviderClient(target string, opts ClientOptions, logger zerolog.Logger) HTTPClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16
	breaker := NewBreaker(opts.BreakerMinRequests, opts.BreakerRatio, opts.BreakerOpenFor).
		WithTarget(target).
		WithLogger(logger)
	return HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(transport),
		},
		Breaker:     breaker,
		Target:      target,
		BaseBackoff: opts.BaseBackoff,
		MaxAttempts: opts.MaxAttempts,
		Jitter:      opts.Jitter,
		Timeout:     opts.Timeout,
	}
}
