package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bongard-study-service/internal/domain"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// PoolLoader loads category pools stored as JSONB in item_pools.
type PoolLoader struct {
	pool *pgxpool.Pool
}

func NewPoolLoader(pool *pgxpool.Pool) *PoolLoader {
	return &PoolLoader{pool: pool}
}

func (l *PoolLoader) LoadPool(ctx context.Context, category string) ([]domain.RawItem, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx, `SELECT data FROM item_pools WHERE category=$1`, category).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound("pool " + category)
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	var items []domain.RawItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unmarshal pool %s: %w", category, err)
	}
	return items, nil
}
