package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"chatroom/backend/internal/storage"
)

// ChangeChannel 是 feed 变更使用的 NOTIFY 频道
const ChangeChannel = "feed_changed"

// Notifier 通过 PostgreSQL LISTEN/NOTIFY 传播 feed 变更。
// 通知负载为集合名。
type Notifier struct {
	client *Client
	log    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewNotifier 创建 LISTEN/NOTIFY 通知器
func NewNotifier(c *Client) *Notifier {
	return &Notifier{client: c, log: c.log}
}

// 重新监听的退避区间
const (
	relistenMinBackoff = 500 * time.Millisecond
	relistenMaxBackoff = 30 * time.Second
)

// Start 占用一个连接执行 LISTEN，监听建立后返回。
// 连接中断后会按退避间隔重新 LISTEN，恢复后以空集合名调用 onChange。
func (n *Notifier) Start(ctx context.Context, onChange func(collection string)) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return errors.New("notifier closed")
	}
	if n.cancel != nil {
		return errors.New("notifier already started")
	}

	conn, err := n.listen(ctx)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.done = make(chan struct{})

	go n.run(loopCtx, conn, onChange)

	n.log.Info("listening for feed changes", zap.String("channel", ChangeChannel))
	return nil
}

func (n *Notifier) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := n.client.Pool().Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ChangeChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}
	return conn, nil
}

func (n *Notifier) run(ctx context.Context, conn *pgxpool.Conn, onChange func(string)) {
	defer close(n.done)
	for {
		err := n.wait(ctx, conn, onChange)
		// 中断的连接不能再回到连接池复用
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return
		}
		n.log.Error("feed notification wait failed", zap.Error(err))

		if conn = n.relisten(ctx); conn == nil {
			return
		}
		n.log.Info("feed change listener restored", zap.String("channel", ChangeChannel))
		onChange("")
	}
}

func (n *Notifier) wait(ctx context.Context, conn *pgxpool.Conn, onChange func(string)) error {
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		onChange(notification.Payload)
	}
}

// relisten 反复尝试重新 LISTEN，ctx 结束时返回 nil
func (n *Notifier) relisten(ctx context.Context) *pgxpool.Conn {
	backoff := relistenMinBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := n.listen(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		n.log.Warn("failed to restore feed change listener",
			zap.Duration("retry_in", backoff),
			zap.Error(err))
		backoff = min(backoff*2, relistenMaxBackoff)
	}
}

// Notify 发送变更通知
func (n *Notifier) Notify(ctx context.Context, collection string, version int64) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := n.client.Pool().Exec(ctx, "SELECT pg_notify($1, $2)", ChangeChannel, collection)
	return err
}

// Close 停止监听
func (n *Notifier) Close() error {
	n.mu.Lock()
	n.closed = true
	cancel, done := n.cancel, n.done
	n.cancel = nil
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

var _ storage.ChangeNotifier = (*Notifier)(nil)
