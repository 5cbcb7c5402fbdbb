package resilience

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// DefaultCallTimeout bounds a whole provider call, retries included.
const DefaultCallTimeout = 10 * time.Second

// HTTPClient wraps an http.Client with an overall deadline, bounded retries
// and a circuit breaker. It satisfies the payment adapters' Doer.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	// Timeout is the budget for the whole call including retries.
	Timeout time.Duration
}

// Do executes the request. Transport errors, 502, 503, 504 and 429 are retried
// while attempts and the deadline allow; the final provider response is
// returned to the caller as-is so status mapping stays with the adapter. When
// the breaker is open ErrOpenCircuit is returned without calling the provider.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	breaker := cl.Breaker
	if breaker == nil {
		breaker = NewBreaker(1, 1, time.Second)
	}
	maxAttempts := cl.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	baseBackoff := cl.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 100 * time.Millisecond
	}
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	target := cl.Target
	if target == "" {
		target = breaker.targetLabel()
	}

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if !breaker.Allow(ctx) {
			cancel()
			return nil, ErrOpenCircuit
		}
		if attempt > 1 {
			CallRetries.WithLabelValues(target).Inc()
		}
		start := time.Now()
		resp, err := cl.Client.Do(cloneRequest(ctx, req, body))
		outcome := classify(resp, err)
		CallDuration.WithLabelValues(target, outcome).Observe(float64(time.Since(start)) / float64(time.Millisecond))

		retryable := outcome == "transport_error" || outcome == "retryable_status"
		breaker.Report(ctx, !retryable && outcome != "server_error")
		if !retryable || attempt == maxAttempts || ctx.Err() != nil {
			if err != nil {
				cancel()
				return nil, err
			}
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
		lastErr = err
		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			_ = resp.Body.Close()
			lastErr = errors.New(resp.Status)
		}

		timer := time.NewTimer(Backoff(baseBackoff, attempt, cl.Jitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			cancel()
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
	cancel()
	return nil, lastErr
}

func classify(resp *http.Response, err error) string {
	switch {
	case err != nil:
		return "transport_error"
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return "retryable_status"
	case resp.StatusCode >= http.StatusInternalServerError:
		return "server_error"
	default:
		return strconv.Itoa(resp.StatusCode/100) + "xx"
	}
}

// IsTimeout reports whether err came from an expired deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// cancelOnClose releases the call deadline once the caller has read the body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func replayableBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	defer func() { _ = src.Close() }()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) *http.Request {
	clone := req.Clone(ctx)
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
		clone.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		clone.ContentLength = int64(len(body))
	}
	return clone
}
