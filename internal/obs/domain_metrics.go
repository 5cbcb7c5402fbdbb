package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts checkout initiations by provider and result.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentCallbackTotal counts inbound provider callbacks by outcome.
	PaymentCallbackTotal *prometheus.CounterVec
	// PaymentConflictsTotal counts orders that received a second successful payment.
	PaymentConflictsTotal prometheus.Counter
	// PaymentLateCaptureTotal counts captures reported for intents already failed or cancelled.
	PaymentLateCaptureTotal *prometheus.CounterVec
	// PaymentExpiredTotal counts intents cancelled by the expiry sweep.
	PaymentExpiredTotal prometheus.Counter
	// DBQueryDuration observes postgres statement latency by leading keyword.
	DBQueryDuration *prometheus.HistogramVec
)

// Collectors start unregistered so packages can record before (or without)
// MustRegisterDomainMetrics being called, as in unit tests.
func init() {
	newDomainMetrics("")
}

func newDomainMetrics(namespace string) {
	PaymentIntentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_intent_total",
		Help:      "Count of payment intent creation outcomes.",
	}, []string{"provider", "result"})
	PaymentCallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_callback_total",
		Help:      "Count of processed provider callbacks by outcome.",
	}, []string{"provider", "result"})
	PaymentConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_conflicts_total",
		Help:      "Orders that received a succeeded payment after already being paid by another intent.",
	})
	PaymentLateCaptureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_late_capture_total",
		Help:      "Captures reported by a provider for an intent that was already failed or cancelled.",
	}, []string{"provider"})
	PaymentExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_expired_total",
		Help:      "Payment intents cancelled by the expiry sweep.",
	})
	DBQueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_ms",
		Help:      "Postgres statement latency in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 1000},
	}, []string{"operation"})
}

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
// It must run before the server starts handling traffic.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		newDomainMetrics(namespace)

		mustRegisterCollector(reg, PaymentIntentTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentIntentTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentCallbackTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentCallbackTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentConflictsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PaymentConflictsTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentLateCaptureTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				PaymentLateCaptureTotal = v
			}
		})
		mustRegisterCollector(reg, PaymentExpiredTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				PaymentExpiredTotal = v
			}
		})
		mustRegisterCollector(reg, DBQueryDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				DBQueryDuration = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
