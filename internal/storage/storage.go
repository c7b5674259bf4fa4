package storage

import (
	"context"
	"errors"
	"time"

	"chatroom/backend/internal/domain"
)

var (
	// ErrRecordNotFound feed 中不存在指定键的记录
	ErrRecordNotFound = errors.New("record not found")
	// ErrUserNotFound 用户未找到错误
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailExists 邮箱已被注册
	ErrEmailExists = errors.New("email already exists")
)

// FeedRepository 定义有序 feed 的读写操作。
//
// 键由存储分配并按时间有序；写入时 ServerTimestamp 占位符会被替换为存储时钟的毫秒时间戳。
// Update 只合并给出的字段，从不删除记录。
type FeedRepository interface {
	Snapshot(ctx context.Context, collection string) (*domain.Snapshot, error)
	Get(ctx context.Context, collection, id string) (*domain.Record, error)
	Push(ctx context.Context, collection string, fields domain.Fields) (string, error)
	Update(ctx context.Context, collection, id string, patch domain.Fields) error
}

// FeedSubscriber 定义 feed 变更订阅。
//
// 订阅建立后立即投递一次当前快照，之后每次变更再投递。
// 同一订阅者的投递严格有序；订阅者处理较慢时只会看到最新的快照。
type FeedSubscriber interface {
	Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (cancel func(), err error)
}

// Feed 组合读写与订阅
type Feed interface {
	FeedRepository
	FeedSubscriber
}

// UserRepository 定义用户数据存取操作。
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	UpdateLastLogin(ctx context.Context, userID string) error
}

// JWTRepository 定义 JWT 黑名单操作。
type JWTRepository interface {
	AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error
	IsBlacklisted(ctx context.Context, jti string) (bool, error)
}

// Store 定义完整的存储接口。
type Store interface {
	Feed
	UserRepository
	JWTRepository

	// 工具方法
	Close() error
	Health(ctx context.Context) error
}

// ChangeNotifier 在多个实例之间传播集合变更。
//
// Start 建立监听后才返回，之后每收到一次通知就调用 onChange；
// 监听中断并恢复后以空集合名调用 onChange，表示任何集合都可能已变化。
// Notify 广播一次变更，本实例可能收到也可能收不到，写入方需自行刷新本地订阅者。
type ChangeNotifier interface {
	Start(ctx context.Context, onChange func(collection string)) error
	Notify(ctx context.Context, collection string, version int64) error
	Close() error
}
