package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/broker"
)

// 乐观锁冲突时的最大重试次数
const maxTxRetries = 8

// Store 使用 Redis 保存 feed、用户与 JWT 黑名单。
//
// 每个集合使用三个键：feed:{c}:records（id -> 字段 JSON 的哈希）、
// feed:{c}:order（插入顺序的 id 列表）和 feed:{c}:version（变更计数）。
// 变更通过 feed:{c}:changed 频道广播，因此多个实例可以共享同一个 feed。
type Store struct {
	client   *Client
	cache    *Cache
	notifier *Notifier
	broker   *broker.Broker
	log      *zap.Logger

	startMu sync.Mutex
	started bool
}

// NewStore 基于已连接的客户端创建 Redis 存储
func NewStore(c *Client) *Store {
	s := &Store{
		client:   c,
		cache:    NewCache(c),
		notifier: NewNotifier(c),
		log:      c.Logger(),
	}
	s.broker = broker.New(s.Snapshot, s.log)
	return s
}

func recordsKey(collection string) string { return fmt.Sprintf("feed:%s:records", collection) }
func orderKey(collection string) string   { return fmt.Sprintf("feed:%s:order", collection) }
func versionKey(collection string) string { return fmt.Sprintf("feed:%s:version", collection) }

// ========== Feed Repository ==========

// Snapshot 在一个事务中读取顺序、记录和版本
func (s *Store) Snapshot(ctx context.Context, collection string) (*domain.Snapshot, error) {
	rdb := s.client.Client()

	var order *goredis.StringSliceCmd
	var records *goredis.MapStringStringCmd
	var version *goredis.StringCmd
	_, err := rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		order = pipe.LRange(ctx, orderKey(collection), 0, -1)
		records = pipe.HGetAll(ctx, recordsKey(collection))
		version = pipe.Get(ctx, versionKey(collection))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read feed snapshot: %w", err)
	}

	snap := &domain.Snapshot{Collection: collection}
	if v, err := version.Int64(); err == nil {
		snap.Version = v
	}

	ids := order.Val()
	bodies := records.Val()
	snap.Records = make([]domain.Record, 0, len(ids))
	for _, id := range ids {
		body, ok := bodies[id]
		if !ok {
			continue
		}
		fields, err := decodeFields(body)
		if err != nil {
			s.log.Warn("skipping undecodable feed record",
				zap.String("collection", collection),
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		snap.Records = append(snap.Records, domain.Record{ID: id, Fields: fields})
	}
	return snap, nil
}

// Get 按键读取单条记录
func (s *Store) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	body, err := s.client.Client().HGet(ctx, recordsKey(collection), id).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, err
	}
	fields, err := decodeFields(body)
	if err != nil {
		return nil, err
	}
	return &domain.Record{ID: id, Fields: fields}, nil
}

// Push 追加一条记录，服务器时间取 Redis 时钟
func (s *Store) Push(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	id := xid.New().String()
	resolved := fields.Clone()
	resolved.ResolveServerTimestamps(s.client.Now(ctx).UnixMilli())

	body, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("encode feed record: %w", err)
	}

	var incr *goredis.IntCmd
	_, err = s.client.Client().TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, recordsKey(collection), id, body)
		pipe.RPush(ctx, orderKey(collection), id)
		incr = pipe.Incr(ctx, versionKey(collection))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("push feed record: %w", err)
	}

	s.notify(ctx, collection, incr.Val())
	return id, nil
}

// Update 使用 WATCH 乐观锁合并字段
func (s *Store) Update(ctx context.Context, collection, id string, patch domain.Fields) error {
	rdb := s.client.Client()
	key := recordsKey(collection)

	resolved := patch.Clone()
	resolved.ResolveServerTimestamps(s.client.Now(ctx).UnixMilli())

	var version int64
	txf := func(tx *goredis.Tx) error {
		body, err := tx.HGet(ctx, key, id).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				return storage.ErrRecordNotFound
			}
			return err
		}
		fields, err := decodeFields(body)
		if err != nil {
			return err
		}
		fields.Merge(resolved)
		merged, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode feed record: %w", err)
		}

		var incr *goredis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, id, merged)
			incr = pipe.Incr(ctx, versionKey(collection))
			return nil
		})
		if err != nil {
			return err
		}
		version = incr.Val()
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := rdb.Watch(ctx, txf, key)
		if err == nil {
			s.notify(ctx, collection, version)
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update feed record %s: too many concurrent writers", id)
}

// notify 广播变更并刷新本实例的订阅者；广播失败只记录日志，数据已写入
func (s *Store) notify(ctx context.Context, collection string, version int64) {
	if err := s.notifier.Notify(ctx, collection, version); err != nil {
		s.log.Warn("failed to publish feed change",
			zap.String("collection", collection),
			zap.Int64("version", version),
			zap.Error(err))
	}
	s.broker.Refresh(ctx, collection)
}

// Subscribe 订阅集合变更。第一次订阅时开始监听变更频道。
func (s *Store) Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (func(), error) {
	if err := s.ensureListening(ctx); err != nil {
		return nil, err
	}
	return s.broker.Subscribe(ctx, collection, fn)
}

func (s *Store) ensureListening(ctx context.Context) error {
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

func decodeFields(body string) (domain.Fields, error) {
	var fields domain.Fields
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("decode feed record: %w", err)
	}
	if fields == nil {
		fields = domain.Fields{}
	}
	return fields, nil
}

// ========== User Repository ==========

func userKey(id string) string         { return fmt.Sprintf("user:%s", id) }
func userEmailKey(email string) string { return fmt.Sprintf("user:email:%s", email) }

// CreateUser 创建新用户，邮箱索引使用 SETNX 保证唯一
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return errors.New("user ID is required")
	}
	user.Email = strings.ToLower(user.Email)
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	rdb := s.client.Client()
	ok, err := rdb.SetNX(ctx, userEmailKey(user.Email), user.ID, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrEmailExists
	}

	if err := s.saveUser(ctx, user); err != nil {
		_ = rdb.Del(ctx, userEmailKey(user.Email)).Err()
		return err
	}
	return nil
}

func (s *Store) saveUser(ctx context.Context, user *domain.User) error {
	data, err := json.Marshal(userRecord{User: *user, PasswordHash: user.PasswordHash})
	if err != nil {
		return err
	}
	return s.client.Client().Set(ctx, userKey(user.ID), data, 0).Err()
}

// userRecord 持久化形式，PasswordHash 在 domain.User 上不参与 JSON 编码
type userRecord struct {
	domain.User
	PasswordHash string `json:"passwordHash"`
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	data, err := s.client.Client().Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	var rec userRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	user := rec.User
	user.PasswordHash = rec.PasswordHash
	return &user, nil
}

// GetUserByEmail 根据邮箱获取用户（不区分大小写）
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	id, err := s.client.Client().Get(ctx, userEmailKey(strings.ToLower(email))).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return s.GetUserByID(ctx, id)
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	user.LastLoginAt = &now
	user.UpdatedAt = now
	return s.saveUser(ctx, user)
}

// ========== JWT Repository ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	return s.cache.AddToBlacklist(ctx, jti, ttl)
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	return s.cache.IsBlacklisted(ctx, jti)
}

// ========== 工具方法 ==========

// Cache 返回共享同一连接的缓存
func (s *Store) Cache() *Cache {
	return s.cache
}

// Close 取消订阅并关闭连接
func (s *Store) Close() error {
	s.broker.Close()
	if err := s.notifier.Close(); err != nil {
		s.log.Warn("failed to close feed notifier", zap.Error(err))
	}
	return s.client.Close()
}

// Health 检查 Redis 连接
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx)
}

var _ storage.Store = (*Store)(nil)
