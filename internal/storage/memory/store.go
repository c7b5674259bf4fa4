package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/broker"
)

// feed 保存单个集合的有序记录
type feed struct {
	records []domain.Record
	index   map[string]int // id -> records 下标
	version int64
}

// Store 使用内存保存 feed 与用户数据，主要用于开发验证和测试。
type Store struct {
	mu      sync.RWMutex
	feeds   map[string]*feed
	users   map[string]*domain.User // userID -> user
	byEmail map[string]string       // email -> userID

	// JWT 黑名单：jti -> 过期时间
	blacklist        map[string]time.Time
	blacklistCleanup time.Time // 下次清理过期黑名单的时间

	broker *broker.Broker
	clock  func() time.Time
}

// Option 配置内存存储
type Option func(*Store)

// WithClock 替换存储时钟，用于测试服务器时间戳
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithLogger 设置订阅分发使用的日志记录器
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.broker = broker.New(s.Snapshot, logger)
	}
}

// NewStore 创建一个内存存储实例。
func NewStore(opts ...Option) *Store {
	s := &Store{
		feeds:            make(map[string]*feed),
		users:            make(map[string]*domain.User),
		byEmail:          make(map[string]string),
		blacklist:        make(map[string]time.Time),
		blacklistCleanup: time.Now().Add(5 * time.Minute),
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.broker == nil {
		s.broker = broker.New(s.Snapshot, nil)
	}
	return s
}

// ========== Feed Repository ==========

// Snapshot 返回集合当前的完整副本
func (s *Store) Snapshot(ctx context.Context, collection string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(collection), nil
}

func (s *Store) snapshotLocked(collection string) *domain.Snapshot {
	snap := &domain.Snapshot{Collection: collection}
	f, ok := s.feeds[collection]
	if !ok {
		snap.Records = []domain.Record{}
		return snap
	}
	snap.Version = f.version
	snap.Records = make([]domain.Record, len(f.records))
	for i, rec := range f.records {
		snap.Records[i] = rec.Clone()
	}
	return snap
}

// Get 按键读取单条记录
func (s *Store) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.feeds[collection]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	i, ok := f.index[id]
	if !ok {
		return nil, storage.ErrRecordNotFound
	}
	rec := f.records[i].Clone()
	return &rec, nil
}

// Push 追加一条记录并返回存储分配的键
func (s *Store) Push(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	rec := domain.Record{ID: xid.New().String(), Fields: fields.Clone()}

	s.mu.Lock()
	rec.Fields.ResolveServerTimestamps(s.clock().UnixMilli())
	f, ok := s.feeds[collection]
	if !ok {
		f = &feed{index: make(map[string]int)}
		s.feeds[collection] = f
	}
	f.index[rec.ID] = len(f.records)
	f.records = append(f.records, rec)
	f.version++
	snap := s.snapshotLocked(collection)
	s.mu.Unlock()

	s.broker.Publish(snap)
	return rec.ID, nil
}

// Update 把 patch 中的字段合并到已有记录
func (s *Store) Update(ctx context.Context, collection, id string, patch domain.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	f, ok := s.feeds[collection]
	if !ok {
		s.mu.Unlock()
		return storage.ErrRecordNotFound
	}
	i, ok := f.index[id]
	if !ok {
		s.mu.Unlock()
		return storage.ErrRecordNotFound
	}

	merged := f.records[i].Fields.Clone()
	resolved := patch.Clone()
	resolved.ResolveServerTimestamps(s.clock().UnixMilli())
	merged.Merge(resolved)
	f.records[i].Fields = merged
	f.version++
	snap := s.snapshotLocked(collection)
	s.mu.Unlock()

	s.broker.Publish(snap)
	return nil
}

// Subscribe 订阅集合变更
func (s *Store) Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (func(), error) {
	return s.broker.Subscribe(ctx, collection, fn)
}

// ========== User Repository ==========

// CreateUser 创建新用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		return errors.New("user ID is required")
	}

	email := strings.ToLower(user.Email)
	if _, exists := s.byEmail[email]; exists {
		return storage.ErrEmailExists
	}

	// 如果时间戳为零值，则设置为当前时间
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}
	user.Email = email

	stored := *user
	s.users[user.ID] = &stored
	s.byEmail[email] = user.ID
	return nil
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// GetUserByEmail 根据邮箱获取用户（不区分大小写）
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	return nil
}

// ========== JWT Repository ==========

// AddToBlacklist 将 JWT 加入黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.blacklist[jti] = now.Add(ttl)

	if now.After(s.blacklistCleanup) {
		for k, exp := range s.blacklist {
			if now.After(exp) {
				delete(s.blacklist, k)
			}
		}
		s.blacklistCleanup = now.Add(5 * time.Minute)
	}
	return nil
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exp, ok := s.blacklist[jti]
	if !ok {
		return false, nil
	}
	return time.Now().Before(exp), nil
}

// ========== 工具方法 ==========

// Close 关闭存储，取消全部订阅
func (s *Store) Close() error {
	s.broker.Close()
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health(ctx context.Context) error {
	return nil
}

var _ storage.Store = (*Store)(nil)
