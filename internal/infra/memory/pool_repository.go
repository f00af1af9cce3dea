package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"bongard-study-service/internal/domain"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PoolLoader fetches a category pool from its backing store (files, Postgres).
type PoolLoader interface {
	LoadPool(ctx context.Context, category string) ([]domain.RawItem, error)
}

// PoolReader serves category pools, cached or not.
type PoolReader interface {
	Pool(ctx context.Context, category string) ([]domain.RawItem, error)
}

// warmConcurrency bounds parallel loads when warming many categories.
const warmConcurrency = 4

// PoolRepository keeps category pools in process memory for ttl (plus up to
// 10% jitter). Concurrent misses for one category share a single load.
type PoolRepository struct {
	loader PoolLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand

	mu    sync.RWMutex
	pools map[string]cachedPool
	// generation is bumped by Invalidate so a load that started earlier does
	// not put its result back into the cache.
	generation map[string]uint64
}

type cachedPool struct {
	items     []domain.RawItem
	expiresAt time.Time
}

func NewPoolRepository(loader PoolLoader, ttl time.Duration) *PoolRepository {
	return &PoolRepository{
		loader:     loader,
		ttl:        ttl,
		clock:      time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		pools:      make(map[string]cachedPool),
		generation: make(map[string]uint64),
	}
}

func (r *PoolRepository) Pool(ctx context.Context, category string) ([]domain.RawItem, error) {
	if items, ok := r.fresh(category); ok {
		return items, nil
	}

	result, err, _ := r.sf.Do(category, func() (interface{}, error) {
		if items, ok := r.fresh(category); ok {
			return items, nil
		}

		r.mu.RLock()
		gen := r.generation[category]
		r.mu.RUnlock()

		items, err := r.loader.LoadPool(ctx, category)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		if r.generation[category] == gen {
			r.pools[category] = cachedPool{
				items:     items,
				expiresAt: r.clock().Add(r.ttlWithJitter()),
			}
		}
		r.mu.Unlock()
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.RawItem), nil
}

// Invalidate drops the cached pool so the next call reloads it.
func (r *PoolRepository) Invalidate(_ context.Context, category string) error {
	r.mu.Lock()
	delete(r.pools, category)
	r.generation[category]++
	r.mu.Unlock()
	r.sf.Forget(category)
	return nil
}

// Cached reports the categories currently held and unexpired.
func (r *PoolRepository) Cached() []string {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pools))
	for category, entry := range r.pools {
		if entry.expiresAt.After(now) {
			out = append(out, category)
		}
	}
	return out
}

func (r *PoolRepository) fresh(category string) ([]domain.RawItem, bool) {
	now := r.clock()
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.pools[category]
	if !ok || !entry.expiresAt.After(now) {
		return nil, false
	}
	return entry.items, true
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

// Warm loads every category through src and reports all that failed, not just
// the first.
func Warm(ctx context.Context, src PoolReader, categories []string) error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(warmConcurrency)
	for _, category := range categories {
		category := category
		g.Go(func() error {
			if _, err := src.Pool(ctx, category); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("pool %s: %w", category, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// StaticPoolLoader is a simple loader backed by an in-memory map (useful for tests/demos).
type StaticPoolLoader struct {
	pools map[string][]domain.RawItem
}

func NewStaticPoolLoader(pools map[string][]domain.RawItem) *StaticPoolLoader {
	return &StaticPoolLoader{pools: pools}
}

func (l *StaticPoolLoader) LoadPool(_ context.Context, category string) ([]domain.RawItem, error) {
	if items, ok := l.pools[category]; ok {
		return items, nil
	}
	return nil, domain.NotFound("pool " + category)
}

// Pool lets the loader stand in for a cached repository.
func (l *StaticPoolLoader) Pool(ctx context.Context, category string) ([]domain.RawItem, error) {
	return l.LoadPool(ctx, category)
}
