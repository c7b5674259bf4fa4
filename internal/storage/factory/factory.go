// Package factory 按配置组装存储后端。
package factory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"chatroom/backend/internal/config"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/hybrid"
	"chatroom/backend/internal/storage/memory"
	"chatroom/backend/internal/storage/postgres"
	"chatroom/backend/internal/storage/redis"
)

// Backend 是组装好的存储及其附属能力
type Backend struct {
	Store storage.Store
	// Cache 在配置了 Redis 时可用，用于跨实例的登录限流
	Cache *redis.Cache
	// Kind 描述所选后端，用于日志
	Kind string

	closers []func() error
}

// Close 关闭存储和额外持有的连接
func (b *Backend) Close() error {
	errs := []error{b.Store.Close()}
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// Open 按配置创建存储：
//
//	database.type 已设置 + Redis  -> hybrid（SQL 为数据源，Redis 缓存和通知）
//	database.type 已设置          -> SQL（GORM），可选 PostgreSQL LISTEN/NOTIFY
//	feed.backend=redis            -> Redis
//	其他                          -> 内存
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}

	if cfg.Database.Type != "" {
		return openSQL(ctx, cfg, log)
	}

	switch cfg.Feed.Backend {
	case "redis":
		rc, err := redis.New(&cfg.Redis, log)
		if err != nil {
			return nil, err
		}
		store := redis.NewStore(rc)
		return &Backend{Store: store, Cache: store.Cache(), Kind: "redis"}, nil
	case "", "memory":
		return &Backend{Store: memory.NewStore(memory.WithLogger(log)), Kind: "memory"}, nil
	default:
		return nil, fmt.Errorf("unsupported feed.backend: %s", cfg.Feed.Backend)
	}
}

func openSQL(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Backend, error) {
	b := &Backend{}

	var notifier storage.ChangeNotifier
	if cfg.Feed.Notifier == "postgres" {
		pg, err := postgres.New(&cfg.Database, log)
		if err != nil {
			return nil, err
		}
		notifier = postgres.NewNotifier(pg)
		b.closers = append(b.closers, func() error { pg.Close(); return nil })
	}

	var rc *redis.Client
	if cfg.Redis.Address != "" {
		var err error
		rc, err = redis.New(&cfg.Redis, log)
		if err != nil {
			b.closeExtra()
			return nil, err
		}
		if notifier == nil && cfg.Feed.Notifier == "redis" {
			notifier = redis.NewNotifier(rc)
		}
	}

	if rc != nil {
		// hybrid 自行传播变更，SQL 存储只做数据源
		sqlStore, err := postgres.Open(&cfg.Database, postgres.WithLogger(log))
		if err != nil {
			_ = rc.Close()
			b.closeExtra()
			return nil, err
		}
		store := hybrid.NewStore(sqlStore, rc, notifier, log)
		b.Store, b.Cache, b.Kind = store, store.Cache(), "hybrid/"+cfg.Database.Type
		return b, nil
	}

	opts := []postgres.Option{postgres.WithLogger(log)}
	if notifier != nil {
		opts = append(opts, postgres.WithNotifier(notifier))
	}
	sqlStore, err := postgres.Open(&cfg.Database, opts...)
	if err != nil {
		b.closeExtra()
		return nil, err
	}
	if err := sqlStore.StartNotifier(ctx); err != nil {
		_ = sqlStore.Close()
		b.closeExtra()
		return nil, fmt.Errorf("start feed notifier: %w", err)
	}
	b.Store, b.Kind = sqlStore, cfg.Database.Type
	return b, nil
}

func (b *Backend) closeExtra() {
	for _, c := range b.closers {
		_ = c()
	}
	b.closers = nil
}
