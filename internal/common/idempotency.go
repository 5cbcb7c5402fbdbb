package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// IdempotencyHeader is the client supplied request key.
const IdempotencyHeader = "Idempotency-Key"

// Idem rejects a request while another request with the same Idempotency-Key
// is still being handled. Completed requests release the key; replaying them
// is resolved by the handler from stored state.
type Idem struct {
	R   redis.UniversalClient
	TTL time.Duration
}

// idemKey scopes the client key to the route so the same key may be reused
// across providers.
func idemKey(scope, key string) string {
	sum := sha256.Sum256([]byte(scope + "\x00" + key))
	return "idem:" + hex.EncodeToString(sum[:])
}

// Middleware enforces the in-flight guard for write endpoints.
func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		if len(header) > 255 {
			JSONError(w, http.StatusBadRequest, CodeBadRequest, "Idempotency-Key too long", nil)
			return
		}
		ttl := i.TTL
		if ttl <= 0 {
			ttl = time.Minute
		}
		key := idemKey(r.URL.Path, header)
		ok, err := i.R.SetNX(r.Context(), key, "in-flight", ttl).Result()
		if err != nil {
			JSONError(w, http.StatusInternalServerError, CodeInternal, "idempotency store error", nil)
			return
		}
		if !ok {
			JSONError(w, http.StatusConflict, CodeIdempotentInFlight, "a request with this Idempotency-Key is in progress", nil)
			return
		}
		defer func() {
			_ = i.R.Del(context.Background(), key).Err()
		}()
		next.ServeHTTP(w, r)
	})
}
