package postgres

import (
	"context"
	"encoding/json"
	"time"

	"bongard-study-service/internal/domain"
	"github.com/uptrace/bun"
)

// ItemPool is the bun model of one item_pools row.
type ItemPool struct {
	bun.BaseModel `bun:"table:item_pools"`

	Category  string          `bun:"category,pk"`
	Data      json.RawMessage `bun:"data,type:jsonb,notnull"`
	UpdatedAt time.Time       `bun:"updated_at,notnull"`
}

// PoolImporter writes category pools into item_pools so the service can load
// them from Postgres instead of the deployed metadata files.
type PoolImporter struct {
	db *bun.DB
}

func NewPoolImporter(db *bun.DB) *PoolImporter {
	return &PoolImporter{db: db}
}

// Import replaces the stored pools for the given categories in one transaction.
func (i *PoolImporter) Import(ctx context.Context, pools map[string][]domain.RawItem) (int, error) {
	rows := make([]ItemPool, 0, len(pools))
	now := time.Now().UTC()
	for category, items := range pools {
		data, err := json.Marshal(items)
		if err != nil {
			return 0, err
		}
		rows = append(rows, ItemPool{Category: category, Data: data, UpdatedAt: now})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	err := i.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (category) DO UPDATE").
			Set("data = EXCLUDED.data").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return 0, domain.WrapStore("import pools", err)
	}
	return len(rows), nil
}

// Categories lists the categories currently stored.
func (i *PoolImporter) Categories(ctx context.Context) ([]string, error) {
	var categories []string
	err := i.db.NewSelect().
		Model((*ItemPool)(nil)).
		Column("category").
		Order("category ASC").
		Scan(ctx, &categories)
	if err != nil {
		return nil, domain.WrapStore("list pools", err)
	}
	return categories, nil
}
