package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/rolegraph/pkg/config"
	"github.com/platinummonkey/rolegraph/pkg/observability"
	"github.com/platinummonkey/rolegraph/pkg/rbac"
	"github.com/platinummonkey/rolegraph/pkg/seed"
	"github.com/platinummonkey/rolegraph/pkg/storage/postgres"
	"github.com/platinummonkey/rolegraph/pkg/storage/redisrepo"
	"github.com/platinummonkey/rolegraph/pkg/storage/snapshot"
)

// storageBackend is the opened repository plus the clients behind it
type storageBackend struct {
	repo  rbac.Repository
	db    *sql.DB
	redis *redis.Client
	close func() error
}

func openBackend(ctx context.Context, cfg config.StorageConfig, health *observability.HealthChecker, logger *observability.Logger) (*storageBackend, error) {
	switch cfg.Type {
	case config.StoragePostgres:
		conn := postgres.DefaultConnectionConfig(cfg.PostgresURL)
		conn.MaxConns = cfg.PostgresMaxConns
		conn.MinConns = cfg.PostgresMinConns
		db, err := postgres.Open(ctx, conn)
		if err != nil {
			return nil, err
		}
		health.AddDatabase(db)
		logger.Info("Using PostgreSQL storage")
		return &storageBackend{repo: rbac.NewStore(db), db: db, close: db.Close}, nil

	case config.StorageRedis:
		repo, err := redisrepo.Dial(ctx, redisrepo.Options{
			URL:       cfg.RedisURL,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			PoolSize:  cfg.RedisPoolSize,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, err
		}
		health.AddRedis(repo.Client(), true)
		logger.Info("Using Redis storage")
		return &storageBackend{repo: repo, redis: repo.Client(), close: repo.Close}, nil

	default:
		logger.Warn("Using in-memory storage, changes are lost on restart")
		return &storageBackend{repo: rbac.NewMemoryRepository(), close: func() error { return nil }}, nil
	}
}

func openSnapshots(ctx context.Context, cfg config.SnapshotConfig, logger *observability.Logger) (*snapshot.Store, error) {
	store, err := snapshot.NewS3Store(ctx, snapshot.Options{
		Bucket:       cfg.Bucket,
		Prefix:       cfg.Prefix,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		AccessKey:    cfg.AccessKey,
		SecretKey:    cfg.SecretKey,
		UsePathStyle: cfg.UsePathStyle,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// restoreIfEmpty seeds a fresh repository from the newest snapshot
func restoreIfEmpty(ctx context.Context, repo rbac.Repository, store *snapshot.Store, maxDepth int, logger *observability.Logger) error {
	roles, err := repo.LoadRoles(ctx)
	if err != nil {
		return err
	}
	perms, err := repo.LoadPermissions(ctx)
	if err != nil {
		return err
	}
	if len(roles) > 0 || len(perms) > 0 {
		logger.Debug("Repository already populated, skipping snapshot restore")
		return nil
	}

	if _, err := store.RestoreLatest(ctx, repo, maxDepth); err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			logger.Info("No snapshot to restore, starting with an empty graph")
			return nil
		}
		return fmt.Errorf("snapshot restore: %w", err)
	}
	return nil
}

func applySeed(ctx context.Context, path string, engine *rbac.Engine, logger *observability.Logger) error {
	file, err := seed.Load(path)
	if err != nil {
		return err
	}
	result, err := seed.Apply(ctx, engine, file)
	if err != nil {
		return fmt.Errorf("failed to apply seed %s: %w", path, err)
	}
	logger.WithFields(map[string]interface{}{
		"path":                path,
		"permissions_created": result.PermissionsCreated,
		"roles_created":       result.RolesCreated,
		"roles_updated":       result.RolesUpdated,
		"rules_assigned":      result.RulesAssigned,
	}).Info("Seed applied")
	return nil
}
