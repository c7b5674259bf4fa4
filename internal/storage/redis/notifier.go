package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatroom/backend/internal/storage"
)

// Notifier 通过 Redis 发布订阅传播 feed 变更
type Notifier struct {
	cache *Cache
	log   *zap.Logger

	mu     sync.Mutex
	ps     *goredis.PubSub
	done   chan struct{}
	closed bool
}

// NewNotifier 创建 Redis 变更通知器
func NewNotifier(c *Client) *Notifier {
	return &Notifier{cache: NewCache(c), log: c.Logger()}
}

// Start 订阅变更频道，订阅确认后返回
func (n *Notifier) Start(ctx context.Context, onChange func(collection string)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errors.New("notifier closed")
	}
	if n.ps != nil {
		return errors.New("notifier already started")
	}

	ps := n.cache.SubscribeChanged(ctx)
	// 等待订阅确认，确保之后的变更不会丢失
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe feed changes: %w", err)
	}

	n.ps = ps
	n.done = make(chan struct{})
	go n.loop(ps, n.done, onChange)

	n.log.Info("listening for feed changes", zap.String("pattern", changedPattern))
	return nil
}

func (n *Notifier) loop(ps *goredis.PubSub, done chan struct{}, onChange func(string)) {
	defer close(done)
	for msg := range ps.Channel() {
		collection, ok := collectionFromChannel(msg.Channel)
		if !ok {
			continue
		}
		onChange(collection)
	}
}

// Notify 发布变更通知
func (n *Notifier) Notify(ctx context.Context, collection string, version int64) error {
	return n.cache.PublishChanged(ctx, collection, version)
}

// Close 取消订阅并等待监听 goroutine 退出
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	ps, done := n.ps, n.done
	n.ps = nil
	n.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

var _ storage.ChangeNotifier = (*Notifier)(nil)
