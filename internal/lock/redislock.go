// Package lock provides a single-holder Redis lock used to keep one expiry
// sweep running across API and worker replicas.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL applies when TryWithLock is given a non-positive ttl.
const DefaultTTL = 30 * time.Second

// releaseScript deletes the key only while it still holds our token, so a
// holder whose lease expired cannot drop the next holder's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)

// Locker takes leases with SET NX PX.
type Locker struct {
	R redis.UniversalClient
}

// TryWithLock runs fn only if key is free right now and reports whether fn
// ran. A held lock is not an error. The lease lasts ttl; fn should finish
// well within it.
func (l Locker) TryWithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	if l.R == nil {
		return false, errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return false, errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.R, []string{key}, token).Err()
	}()
	return true, fn(ctx)
}
