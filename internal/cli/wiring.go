package cli

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"bongard-study-service/internal/app"
	"bongard-study-service/internal/assignment"
	"bongard-study-service/internal/config"
	"bongard-study-service/internal/infra/files"
	"bongard-study-service/internal/infra/memory"
	"bongard-study-service/internal/infra/postgres"
	redisinfra "bongard-study-service/internal/infra/redis"
	"bongard-study-service/internal/infra/sqlite"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
)

const defaultStudyConfig = "config/study.json"

// poolCache is the memory or Redis pool cache in front of the pool loader.
type poolCache interface {
	assignment.PoolSource
	Invalidate(ctx context.Context, category string) error
}

// runtime holds the collaborators shared by the commands.
type runtime struct {
	cfg     config.Config
	study   config.Study
	redis   *redis.Client
	pg      *pgxpool.Pool
	store   app.Store
	pools   poolCache
	builder *assignment.Builder
	hub     *app.ProgressHub
	service *app.StudyService
	closers []func()
}

func loadStudy(cfg config.Config) (config.Study, error) {
	path := cfg.Study.ConfigPath
	if path == "" {
		path = defaultStudyConfig
	}
	study, err := config.LoadStudy(path)
	if err != nil {
		return config.Study{}, fmt.Errorf("load study config %s: %w", path, err)
	}
	return study, nil
}

func newRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	study, err := loadStudy(cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, study: study, hub: app.NewProgressHub()}

	if cfg.Redis.Addr != "" {
		rt.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func() { _ = rt.redis.Close() })
	}
	if cfg.Postgres.URL != "" {
		rt.pg, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, rt.pg.Close)
	}

	if err := rt.openStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.pools, err = rt.poolSource()
	if err != nil {
		rt.Close()
		return nil, err
	}

	var opts []assignment.Option
	if cfg.Study.VerifyAssets {
		imagesRoot := filepath.Join(cfg.Study.ContentRoot, filepath.FromSlash(strings.TrimPrefix(study.ImageBasePath, "/")))
		opts = append(opts, assignment.WithAssetVerifier(files.NewAssetVerifier(imagesRoot)))
	}
	rt.builder = assignment.NewBuilder(study, rt.pools, opts...)

	storeTimeout := config.TTLDuration(cfg.Store.Timeout, app.DefaultStoreTimeout)
	var guard app.CreationGuard = memory.NewCreationGuard()
	if rt.redis != nil {
		guard = redisinfra.NewCreationGuard(rt.redis, config.TTLDuration(cfg.Redis.TTL, 2*storeTimeout))
	}
	rt.service = app.NewStudyService(rt.store, rt.builder,
		app.WithCreationGuard(guard),
		app.WithProgressHub(rt.hub),
		app.WithStoreTimeout(storeTimeout),
		app.WithLogger(slog.Default()),
	)
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch driver := rt.cfg.StoreDriver(); driver {
	case "memory":
		log.Printf("using in-memory store; data is lost on restart")
		rt.store = memory.NewStore()
	case "postgres":
		if rt.pg == nil {
			return fmt.Errorf("store driver postgres requires postgres.url")
		}
		rt.store = postgres.NewStore(rt.pg)
	case "sqlite":
		s, err := sqlite.Open(ctx, rt.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = s.Close() })
		rt.store = s
	default:
		return fmt.Errorf("unknown store driver %q", driver)
	}
	return nil
}

func (rt *runtime) poolSource() (poolCache, error) {
	var loader memory.PoolLoader
	switch rt.cfg.Study.PoolSource {
	case "", "files":
		loader = files.NewPoolLoader(rt.cfg.Study.ContentRoot, rt.study.MetadataFiles)
	case "postgres":
		if rt.pg == nil {
			return nil, fmt.Errorf("pool source postgres requires postgres.url")
		}
		loader = postgres.NewPoolLoader(rt.pg)
	default:
		return nil, fmt.Errorf("unknown pool source %q", rt.cfg.Study.PoolSource)
	}

	ttl := config.TTLDuration(rt.cfg.Study.PoolTTL, 10*time.Minute)
	if rt.redis != nil {
		return redisinfra.NewPoolRepository(rt.redis, loader, ttl), nil
	}
	return memory.NewPoolRepository(loader, ttl), nil
}

// reloadPools drops every cached pool and loads them again.
func (rt *runtime) reloadPools(ctx context.Context) error {
	for _, category := range rt.study.CategoryOrder {
		if err := rt.pools.Invalidate(ctx, category); err != nil {
			return fmt.Errorf("invalidate pool %s: %w", category, err)
		}
	}
	return memory.Warm(ctx, rt.pools, rt.study.CategoryOrder)
}

// Close releases connections in reverse order of creation.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
