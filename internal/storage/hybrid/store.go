package hybrid

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/broker"
	"chatroom/backend/internal/storage/postgres"
	"chatroom/backend/internal/storage/redis"
)

// snapshotTTL 快照缓存的过期时间；读取时还会按版本号校验
const snapshotTTL = 10 * time.Minute

// Store 混合存储实现，SQL 数据库是数据源，Redis 缓存快照和 JWT 黑名单。
//
// 变更通过 ChangeNotifier 在实例之间传播（Redis 发布订阅或 PostgreSQL NOTIFY）。
type Store struct {
	sql      *postgres.Store
	redis    *redis.Client
	cache    *redis.Cache
	notifier storage.ChangeNotifier
	broker   *broker.Broker
	log      *zap.Logger

	startMu sync.Mutex
	started bool
}

// NewStore 创建混合存储实例。notifier 为空时只在本实例内分发变更。
func NewStore(sqlStore *postgres.Store, rc *redis.Client, notifier storage.ChangeNotifier, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		sql:      sqlStore,
		redis:    rc,
		cache:    redis.NewCache(rc),
		notifier: notifier,
		log:      log,
	}
	s.broker = broker.New(s.Snapshot, log)
	return s
}

// ========== Feed Repository ==========

// Snapshot 优先返回与数据库版本一致的缓存快照
func (s *Store) Snapshot(ctx context.Context, collection string) (*domain.Snapshot, error) {
	version, err := s.sql.Version(ctx, collection)
	if err != nil {
		return nil, err
	}

	cached, err := s.cache.GetCachedSnapshot(ctx, collection)
	switch {
	case err == nil && cached.Version == version:
		return cached, nil
	case err != nil && !errors.Is(err, redis.ErrCacheMiss):
		s.log.Warn("snapshot cache unavailable", zap.String("collection", collection), zap.Error(err))
	}

	snap, err := s.sql.Snapshot(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := s.cache.CacheSnapshot(ctx, snap, snapshotTTL); err != nil {
		s.log.Warn("failed to cache snapshot", zap.String("collection", collection), zap.Error(err))
	}
	return snap, nil
}

// Get 直接从数据库读取
func (s *Store) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	return s.sql.Get(ctx, collection, id)
}

// Push 写入数据库后广播变更
func (s *Store) Push(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	id, err := s.sql.Push(ctx, collection, fields)
	if err != nil {
		return "", err
	}
	s.changed(ctx, collection)
	return id, nil
}

// Update 写入数据库后广播变更
func (s *Store) Update(ctx context.Context, collection, id string, patch domain.Fields) error {
	if err := s.sql.Update(ctx, collection, id, patch); err != nil {
		return err
	}
	s.changed(ctx, collection)
	return nil
}

// changed 通知其他实例，并直接刷新本实例的订阅者
func (s *Store) changed(ctx context.Context, collection string) {
	if s.notifier != nil {
		version, _ := s.sql.Version(ctx, collection)
		if err := s.notifier.Notify(ctx, collection, version); err != nil {
			s.log.Warn("failed to publish feed change",
				zap.String("collection", collection),
				zap.Error(err))
		}
	}
	s.broker.Refresh(ctx, collection)
}

// Subscribe 订阅集合变更。第一次订阅时启动通知监听。
func (s *Store) Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (func(), error) {
	if err := s.ensureListening(ctx); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, collection, fn)
}

func (s *Store) ensureListening(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}
	err := s.notifier.Start(ctx, func(collection string) {
		if collection == "" {
			s.broker.RefreshAll(context.Background())
			return
		}
		s.broker.Refresh(context.Background(), collection)
	})
	if err != nil {
		return err
	}
	s.started = true
	return nil
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	return s.sql.CreateUser(ctx, user)
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return s.sql.GetUserByID(ctx, id)
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.sql.GetUserByEmail(ctx, email)
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string) error {
	return s.sql.UpdateLastLogin(ctx, userID)
}

// ========== JWT Repository ==========

// AddToBlacklist 将 JWT 添加到 Redis 黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return s.cache.AddToBlacklist(ctx, jti, ttl)
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.cache.IsBlacklisted(ctx, jti)
}

// ========== 工具方法 ==========

// Cache 返回 Redis 缓存
func (s *Store) Cache() *redis.Cache {
	return s.cache
}

// Close 关闭所有连接
func (s *Store) Close() error {
	s.broker.Close()
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.log.Warn("failed to close feed notifier", zap.Error(err))
		}
	}
	sqlErr := s.sql.Close()
	redisErr := s.redis.Close()
	return errors.Join(sqlErr, redisErr)
}

// Health 检查数据库和 Redis
func (s *Store) Health(ctx context.Context) error {
	if err := s.sql.Health(ctx); err != nil {
		return err
	}
	return s.redis.Ping(ctx)
}

var _ storage.Store = (*Store)(nil)
