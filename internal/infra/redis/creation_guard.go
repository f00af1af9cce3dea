package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries our token, so an
// expired holder cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// CreationGuard serialises session creation across instances with a
// SET NX lock per key. The lock expires after ttl if its holder dies.
type CreationGuard struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
}

func NewCreationGuard(client *redis.Client, ttl time.Duration) *CreationGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &CreationGuard{client: client, ttl: ttl, retry: 25 * time.Millisecond}
}

func (g *CreationGuard) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := g.key(key)
	token := uuid.NewString()
	for {
		ok, err := g.client.SetNX(ctx, lockKey, token, g.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.retry):
		}
	}

	return func() {
		// the caller's context may already be done; release on a fresh one
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, g.client, []string{lockKey}, token).Err()
	}, nil
}

func (g *CreationGuard) key(key string) string {
	return "lock:" + key
}
