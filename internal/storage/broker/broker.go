// Package broker 实现 feed 快照的进程内分发。
//
// 每个订阅者拥有独立的投递 goroutine 和一个容量为 1 的待投递槽位：
// 新快照覆盖槽位中尚未投递的旧快照，因此慢订阅者不会拖慢发布方，
// 也不会收到过期的中间状态。
package broker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
)

// ErrClosed Broker 已关闭
var ErrClosed = errors.New("feed broker closed")

// Loader 读取集合的当前快照
type Loader func(ctx context.Context, collection string) (*domain.Snapshot, error)

// Broker 按集合管理订阅者
type Broker struct {
	load   Loader
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*subscriber
	closed bool
}

// New 创建 Broker，load 用于首次投递和跨进程变更通知后的重新加载
func New(load Loader, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		load:   load,
		logger: logger,
		subs:   make(map[string]map[uint64]*subscriber),
	}
}

type subscriber struct {
	fn     func(*domain.Snapshot)
	signal chan struct{}
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	pending   *domain.Snapshot
	delivered int64
	started   bool
}

// offer 把快照放入待投递槽位。比已投递或已排队版本旧的快照会被丢弃。
func (s *subscriber) offer(snap *domain.Snapshot) {
	s.mu.Lock()
	if s.started && snap.Version <= s.delivered {
		s.mu.Unlock()
		return
	}
	if s.pending != nil && snap.Version < s.pending.Version {
		s.mu.Unlock()
		return
	}
	s.pending = snap
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.pending
	s.pending = nil
	if snap != nil {
		if s.started && snap.Version <= s.delivered {
			return nil
		}
		s.started = true
		s.delivered = snap.Version
	}
	return snap
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
			if snap := s.take(); snap != nil {
				s.fn(snap)
			}
		}
	}
}

// Subscribe 注册订阅者并立即投递当前快照。
// 返回的 cancel 可重复调用；ctx 结束时订阅也会自动取消。
func (b *Broker) Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (func(), error) {
	sub := &subscriber{
		fn:     fn,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	id := b.nextID
	if b.subs[collection] == nil {
		b.subs[collection] = make(map[uint64]*subscriber)
	}
	b.subs[collection][id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if m, ok := b.subs[collection]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, collection)
			}
		}
		b.mu.Unlock()
		sub.stop()
	}

	// 先注册再加载：加载期间发生的变更不会丢失，旧版本由 offer 过滤
	snap, err := b.load(ctx, collection)
	if err != nil {
		cancel()
		return nil, err
	}
	sub.offer(snap)

	go sub.run()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.done:
		}
	}()

	return cancel, nil
}

// Publish 把快照分发给该集合的全部订阅者，不会阻塞
func (b *Broker) Publish(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs[snap.Collection]))
	for _, sub := range b.subs[snap.Collection] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.offer(snap)
	}
}

// Refresh 重新加载集合快照并分发，用于收到外部变更通知时
func (b *Broker) Refresh(ctx context.Context, collection string) {
	if !b.HasSubscribers(collection) {
		return
	}
	snap, err := b.load(ctx, collection)
	if err != nil {
		b.logger.Warn("failed to reload feed snapshot",
			zap.String("collection", collection),
			zap.Error(err))
		return
	}
	b.Publish(snap)
}

// RefreshAll 刷新全部有订阅者的集合，用于通知连接恢复后补发可能遗漏的变更
func (b *Broker) RefreshAll(ctx context.Context) {
	for _, collection := range b.Collections() {
		b.Refresh(ctx, collection)
	}
}

// HasSubscribers 判断集合当前是否有订阅者
func (b *Broker) HasSubscribers(collection string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[collection]) > 0
}

// Collections 返回当前有订阅者的集合
func (b *Broker) Collections() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.subs))
	for c := range b.subs {
		out = append(out, c)
	}
	return out
}

// Close 取消全部订阅，之后的 Subscribe 返回 ErrClosed
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	all := b.subs
	b.subs = make(map[string]map[uint64]*subscriber)
	b.mu.Unlock()

	for _, m := range all {
		for _, sub := range m {
			sub.stop()
		}
	}
}
