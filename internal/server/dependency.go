package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"termflux/internal/config"
	"termflux/internal/store"

	"github.com/docker/docker/client"
	"github.com/go-pg/pg/v10"
	"github.com/go-pg/pg/v10/orm"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施，按初始化的逆序关闭。
type Dependency struct {
	Docker         *client.Client
	Redis          *redis.Client
	PG             *pg.DB
	AsynqClient    *asynq.Client
	AsynqInspector *asynq.Inspector
	AsynqRedis     asynq.RedisClientOpt
	Logger         *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	if cfg.Secrets.MasterKey == "" {
		return nil, errors.New("SECRETS_MASTER_KEY must be set")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := dockerClient.Ping(ctx); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		dockerClient.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := pgDB.Exec("SELECT 1"); err != nil {
		redisClient.Close()
		dockerClient.Close()
		return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	// 迁移数据库 schema
	for _, model := range store.Models() {
		if err := pgDB.Model(model).CreateTable(&orm.CreateTableOptions{
			IfNotExists: true,
		}); err != nil {
			pgDB.Close()
			redisClient.Close()
			dockerClient.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	asynqRedisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
	asynqClient := asynq.NewClient(asynqRedisOpt)
	asynqInspector := asynq.NewInspector(asynqRedisOpt)

	return &Dependency{
		Docker:         dockerClient,
		Redis:          redisClient,
		PG:             pgDB,
		AsynqClient:    asynqClient,
		AsynqInspector: asynqInspector,
		AsynqRedis:     asynqRedisOpt,
		Logger:         logger,
	}, nil
}

func (d *Dependency) Close() {
	if d.AsynqInspector != nil {
		d.AsynqInspector.Close()
	}
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
	if d.Docker != nil {
		d.Docker.Close()
	}
}
