package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"bongard-study-service/internal/domain"
	"bongard-study-service/internal/infra/memory"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// PoolRepository caches category pools in Redis and falls back to a loader on
// cache miss. Each pool is stored as a JSON array under pool:{category}.
type PoolRepository struct {
	client *redis.Client
	loader memory.PoolLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewPoolRepository(client *redis.Client, loader memory.PoolLoader, ttl time.Duration) *PoolRepository {
	return &PoolRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *PoolRepository) Pool(ctx context.Context, category string) ([]domain.RawItem, error) {
	key := r.key(category)
	if items, ok := r.cached(ctx, key); ok {
		return items, nil
	}

	result, err, _ := r.sf.Do(category, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if items, ok := r.cached(ctx, key); ok {
			return items, nil
		}

		items, err := r.loader.LoadPool(ctx, category)
		if err != nil {
			return nil, err
		}

		payload, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		// best-effort: a failed write only costs another load
		if err := r.client.Set(ctx, key, payload, r.ttlWithJitter()).Err(); err != nil {
			log.Printf("pool cache write %s: %v", key, err)
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.RawItem), nil
}

// Invalidate drops the cached pool so the next call reloads it.
func (r *PoolRepository) Invalidate(ctx context.Context, category string) error {
	r.sf.Forget(category)
	return r.client.Del(ctx, r.key(category)).Err()
}

func (r *PoolRepository) cached(ctx context.Context, key string) ([]domain.RawItem, bool) {
	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("pool cache read %s: %v", key, err)
		}
		return nil, false
	}
	var items []domain.RawItem
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Printf("pool cache decode %s: %v", key, err)
		return nil, false
	}
	return items, true
}

func (r *PoolRepository) key(category string) string {
	return "pool:" + category
}

func (r *PoolRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}
