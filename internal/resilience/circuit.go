package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned when a provider's breaker refuses the call.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is a breaker position.
type State int

const (
	Closed State = iota
	Open
	// HalfOpen lets a single probe through after the cool-off.
	HalfOpen
)

var stateNames = [...]string{Closed: "closed", Open: "open", HalfOpen: "half_open"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// minWindow is the smallest number of outcomes the breaker remembers.
const minWindow = 10

// Breaker guards one payment provider. It keeps the outcomes of the most
// recent calls in a ring and opens once at least minRequests are recorded and
// the failed share reaches failureRatio. After openFor it admits exactly one
// probe; the probe's outcome closes or reopens it.
type Breaker struct {
	now          func() time.Time
	minRequests  int
	failureRatio float64
	openFor      time.Duration

	mu       sync.Mutex
	state    State
	ring     []bool
	next     int
	filled   int
	failed   int
	openedAt time.Time
	probing  bool
	provider string
	logger   zerolog.Logger
}

// NewBreaker returns a closed breaker. Zero or out-of-range arguments fall
// back to 1 request, a 0.5 ratio and a 30s cool-off.
func NewBreaker(minRequests int, failureRatio float64, openFor time.Duration) *Breaker {
	if minRequests <= 0 {
		minRequests = 1
	}
	if failureRatio <= 0 {
		failureRatio = 0.5
	}
	failureRatio = min(failureRatio, 1)
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		now:          time.Now,
		minRequests:  minRequests,
		failureRatio: failureRatio,
		openFor:      openFor,
		ring:         make([]bool, max(minRequests*2, minWindow)),
		logger:       zerolog.Nop(),
	}
}

// WithTarget names the provider in metrics and logs.
func (b *Breaker) WithTarget(provider string) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provider = strings.TrimSpace(provider)
	b.publishLocked()
	return b
}

// WithLogger sets the fallback logger for transitions. A logger carried in the
// call context takes precedence.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
	return b
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may go out now.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.probing = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	if b.filled == len(b.ring) {
		if !b.ring[b.next] {
			b.failed--
		}
	} else {
		b.filled++
	}
	b.ring[b.next] = success
	if !success {
		b.failed++
	}
	b.next = (b.next + 1) % len(b.ring)

	if b.filled >= b.minRequests && float64(b.failed)/float64(b.filled) >= b.failureRatio {
		b.moveLocked(ctx, Open)
	}
}

func (b *Breaker) moveLocked(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.openedAt = time.Time{}
	}
	b.next, b.filled, b.failed = 0, 0, 0
	b.publishLocked()

	label := b.targetLabel()
	BreakerTransitions.WithLabelValues(label, from.String(), to.String()).Inc()
	if to == Open {
		BreakerOpenedTotal.WithLabelValues(label).Inc()
	}

	logger := b.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	evt := logger.Info().
		Str("provider", label).
		Str("from_state", from.String()).
		Str("to_state", to.String())
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	if to == Open {
		evt = evt.Dur("open_for", b.openFor)
	}
	evt.Msg("provider breaker transition")
}

func (b *Breaker) publishLocked() {
	BreakerState.WithLabelValues(b.targetLabel()).Set(float64(b.state))
}

func (b *Breaker) targetLabel() string {
	if b.provider == "" {
		return "default"
	}
	return b.provider
}
