package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func initRequest(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/payment/card/init", nil)
	req.Header.Set("X-Forwarded-For", ip)
	return req
}

func TestHandlerMiddlewareEnforcesLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = client.Close() }()

	store, err := NewStore(client, "")
	require.NoError(t, err)
	lim, err := New(store, "1-M")
	require.NoError(t, err)
	counted := Handler{Limiter: lim}.Middleware(okHandler())

	rr1 := httptest.NewRecorder()
	counted.ServeHTTP(rr1, initRequest("203.0.113.7"))
	require.Equal(t, http.StatusOK, rr1.Code)
	require.Equal(t, "1", rr1.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr1.Header().Get("X-RateLimit-Remaining"))

	rr2 := httptest.NewRecorder()
	counted.ServeHTTP(rr2, initRequest("203.0.113.7"))
	require.Equal(t, http.StatusTooManyRequests, rr2.Code)
	require.Contains(t, rr2.Body.String(), "RATE_LIMITED")
	require.NotEmpty(t, rr2.Header().Get("Retry-After"))

	// Another client has its own budget.
	rr3 := httptest.NewRecorder()
	counted.ServeHTTP(rr3, initRequest("198.51.100.2"))
	require.Equal(t, http.StatusOK, rr3.Code)
}

func TestMemoryStoreWithoutRedis(t *testing.T) {
	store, err := NewStore(nil, "")
	require.NoError(t, err)
	lim, err := New(store, "2-H")
	require.NoError(t, err)
	counted := Handler{Limiter: lim}.Middleware(okHandler())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		counted.ServeHTTP(rr, initRequest("203.0.113.9"))
		codes = append(codes, rr.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestNewRejectsBadRate(t *testing.T) {
	store, err := NewStore(nil, "")
	require.NoError(t, err)
	_, err = New(store, "twenty per minute")
	require.Error(t, err)
}

func TestHandlerMiddlewareOnError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = client.Close() }()
	store, err := NewStore(client, "")
	require.NoError(t, err)
	lim, err := New(store, "1-S")
	require.NoError(t, err)
	mr.Close()

	called := false
	handler := Handler{Limiter: lim, OnError: func(error) { called = true }}
	rr := httptest.NewRecorder()
	handler.Middleware(okHandler()).ServeHTTP(rr, initRequest("203.0.113.1"))
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, called)
}
