package resilience

import "github.com/prometheus/client_golang/prometheus"

var (
	// BreakerState exposes State as a number: 0 closed, 1 open, 2 half-open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provider_breaker_state",
			Help: "Current provider breaker state: 0=closed,1=open,2=half-open",
		},
		[]string{"provider"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_breaker_transition_total",
			Help: "Count of provider breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)
	BreakerOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_breaker_open_total",
			Help: "Number of times a provider breaker transitioned into open state",
		},
		[]string{"provider"},
	)
	// CallDuration observes outbound provider call latency per attempt.
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_call_duration_ms",
			Help:    "Outbound provider call latency in milliseconds.",
			Buckets: []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
		[]string{"provider", "outcome"},
	)
	// CallRetries counts attempts beyond the first.
	CallRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_call_retries_total",
			Help: "Number of retried outbound provider calls.",
		},
		[]string{"provider"},
	)
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, CallDuration, CallRetries)
}
