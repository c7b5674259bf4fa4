package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatroom/backend/internal/domain"
)

// ErrCacheMiss 缓存中没有该键
var ErrCacheMiss = errors.New("cache miss")

// Cache Redis 缓存实现
type Cache struct {
	client *goredis.Client
}

// NewCache 基于已连接的客户端创建缓存
func NewCache(c *Client) *Cache {
	return &Cache{client: c.Client()}
}

// ========== 快照缓存 ==========

func snapshotKey(collection string) string {
	return fmt.Sprintf("feed:%s:snapshot", collection)
}

// CacheSnapshot 缓存集合快照
func (c *Cache) CacheSnapshot(ctx context.Context, snap *domain.Snapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, snapshotKey(snap.Collection), data, ttl).Err()
}

// GetCachedSnapshot 获取缓存的集合快照
func (c *Cache) GetCachedSnapshot(ctx context.Context, collection string) (*domain.Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey(collection)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if snap.Records == nil {
		snap.Records = []domain.Record{}
	}
	return &snap, nil
}

// DeleteCachedSnapshot 删除缓存的集合快照
func (c *Cache) DeleteCachedSnapshot(ctx context.Context, collection string) error {
	return c.client.Del(ctx, snapshotKey(collection)).Err()
}

// ========== JWT 黑名单 ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (c *Cache) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	key := fmt.Sprintf("blacklist:%s", jti)
	return c.client.Set(ctx, key, "1", ttl).Err()
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (c *Cache) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	key := fmt.Sprintf("blacklist:%s", jti)
	_, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ========== 限流计数 ==========

// IncrementRateLimit 增加限流计数，窗口从第一次计数开始
func (c *Cache) IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error) {
	key = fmt.Sprintf("ratelimit:%s", key)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// GetRateLimit 获取限流计数
func (c *Cache) GetRateLimit(ctx context.Context, key string) (int64, error) {
	count, err := c.client.Get(ctx, fmt.Sprintf("ratelimit:%s", key)).Int64()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// ========== 发布订阅 ==========

// ChangedChannel 返回集合变更通知的频道名
func ChangedChannel(collection string) string {
	return fmt.Sprintf("feed:%s:changed", collection)
}

// changedPattern 匹配全部集合的变更频道
const changedPattern = "feed:*:changed"

// collectionFromChannel 从频道名解析集合名
func collectionFromChannel(channel string) (string, bool) {
	const prefix, suffix = "feed:", ":changed"
	if len(channel) <= len(prefix)+len(suffix) {
		return "", false
	}
	if channel[:len(prefix)] != prefix || channel[len(channel)-len(suffix):] != suffix {
		return "", false
	}
	return channel[len(prefix) : len(channel)-len(suffix)], true
}

// PublishChanged 发布集合变更通知，消息体为新版本号
func (c *Cache) PublishChanged(ctx context.Context, collection string, version int64) error {
	return c.client.Publish(ctx, ChangedChannel(collection), version).Err()
}

// SubscribeChanged 订阅全部集合的变更通知
func (c *Cache) SubscribeChanged(ctx context.Context) *goredis.PubSub {
	return c.client.PSubscribe(ctx, changedPattern)
}
