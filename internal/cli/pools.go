package cli

import (
	"context"
	"log"

	"bongard-study-service/internal/config"
	"bongard-study-service/internal/infra/files"
	"bongard-study-service/internal/infra/postgres"
	redisinfra "bongard-study-service/internal/infra/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// NewPoolsCmd groups item pool maintenance commands.
func NewPoolsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pools",
		Short: "Manage category item pools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import",
		Short: "Copy metadata files into the item_pools table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return importPools(cmd.Context(), *configPath)
		},
	})
	return cmd
}

func importPools(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	study, err := loadStudy(cfg)
	if err != nil {
		return err
	}

	pools, err := files.NewPoolLoader(cfg.Study.ContentRoot, study.MetadataFiles).LoadAll(ctx)
	if err != nil {
		return err
	}

	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}
	db, err := openBun(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	n, err := postgres.NewPoolImporter(db).Import(ctx, pools)
	if err != nil {
		return err
	}
	log.Printf("imported %d pools", n)

	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer client.Close()
	cache := redisinfra.NewPoolRepository(client, nil, 0)
	for category := range pools {
		if err := cache.Invalidate(ctx, category); err != nil {
			log.Printf("invalidate cached pool %s: %v", category, err)
		}
	}
	return nil
}
