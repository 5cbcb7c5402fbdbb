package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/technest/payment-core/internal/payment"
)

// DefaultReplayTTL is how long a processed callback stays marked.
const DefaultReplayTTL = 24 * time.Hour

// ReplayGuard remembers callbacks that were already fully processed.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// ReplayKey identifies one provider delivery.
func ReplayKey(p payment.Provider, cb payment.VerifiedCallback) string {
	event := cb.EventID
	if event == "" {
		event = string(cb.Outcome)
	}
	return fmt.Sprintf("cb:%s:%s:%s", p, cb.ProviderReference, event)
}

// RedisReplayGuard keeps replay marks in Redis with a TTL.
type RedisReplayGuard struct {
	Client redis.UniversalClient
	TTL    time.Duration
}

func (g RedisReplayGuard) Seen(ctx context.Context, key string) (bool, error) {
	if g.Client == nil {
		return false, nil
	}
	n, err := g.Client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g RedisReplayGuard) Mark(ctx context.Context, key string) error {
	if g.Client == nil {
		return nil
	}
	ttl := g.TTL
	if ttl <= 0 {
		ttl = DefaultReplayTTL
	}
	return g.Client.Set(ctx, key, "1", ttl).Err()
}

// MemoryReplayGuard is the in-process guard used with the memory store.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (g *MemoryReplayGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.keys[key]
	return ok, nil
}

func (g *MemoryReplayGuard) Mark(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = map[string]struct{}{}
	}
	g.keys[key] = struct{}{}
	return nil
}
