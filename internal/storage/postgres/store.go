package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"chatroom/backend/internal/config"
	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/broker"
)

// feedRecord 是 feed 记录在 SQL 中的行。Seq 自增，决定插入顺序。
type feedRecord struct {
	Seq        int64     `gorm:"primaryKey;autoIncrement"`
	Collection string    `gorm:"type:varchar(128);not null;uniqueIndex:idx_feed_collection_record"`
	RecordID   string    `gorm:"column:record_id;type:varchar(32);not null;uniqueIndex:idx_feed_collection_record"`
	Body       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (feedRecord) TableName() string { return "feed_records" }

// feedVersion 记录每个集合的变更计数
type feedVersion struct {
	Collection string `gorm:"primaryKey;type:varchar(128)"`
	Version    int64  `gorm:"not null;default:0"`
}

func (feedVersion) TableName() string { return "feed_versions" }

// revokedToken 是已注销的会话令牌
type revokedToken struct {
	JTI       string    `gorm:"column:jti;primaryKey;type:varchar(64)"`
	ExpiresAt time.Time `gorm:"index"`
}

func (revokedToken) TableName() string { return "revoked_tokens" }

// Store SQL 存储实现（PostgreSQL、MySQL 与 SQLite）
type Store struct {
	db       *gorm.DB
	log      *zap.Logger
	broker   *broker.Broker
	notifier storage.ChangeNotifier
	now      func() time.Time
}

// Option 配置 SQL 存储
type Option func(*storeOptions)

type storeOptions struct {
	pool        *config.DatabaseConfig
	log         *zap.Logger
	notifier    storage.ChangeNotifier
	skipMigrate bool
}

// WithPool 使用配置中的连接池参数
func WithPool(cfg *config.DatabaseConfig) Option {
	return func(o *storeOptions) { o.pool = cfg }
}

// WithLogger 设置日志记录器
func WithLogger(log *zap.Logger) Option {
	return func(o *storeOptions) { o.log = log }
}

// WithNotifier 通过外部通知器传播变更，用于多实例部署
func WithNotifier(n storage.ChangeNotifier) Option {
	return func(o *storeOptions) { o.notifier = n }
}

// WithoutMigration 跳过自动迁移
func WithoutMigration() Option {
	return func(o *storeOptions) { o.skipMigrate = true }
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts ...Option) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts...)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts ...Option) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts...)
}

// NewSQLiteStore 创建 SQLite 存储实例，主要用于单机部署和测试
func NewSQLiteStore(dsn string, opts ...Option) (*Store, error) {
	return NewStoreWithDialector(sqlite.Open(dsn), opts...)
}

// Open 按数据库类型创建存储实例
func Open(cfg *config.DatabaseConfig, opts ...Option) (*Store, error) {
	opts = append([]Option{WithPool(cfg)}, opts...)
	switch cfg.Type {
	case "postgres", "postgresql":
		return NewStore(cfg.DSN, opts...)
	case "mysql":
		return NewMySQLStore(cfg.DSN, opts...)
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported database type: %s (supported: mysql, postgres, sqlite)", cfg.Type)
	}
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts ...Option) (*Store, error) {
	o := storeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	// 配置 GORM
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // 静默模式
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		TranslateError: true,
	}

	// 连接数据库
	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 配置连接池
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	maxOpen, maxIdle, lifetime := 25, 5, 5*time.Minute
	if o.pool != nil {
		if o.pool.MaxOpenConns > 0 {
			maxOpen = o.pool.MaxOpenConns
		}
		if o.pool.MaxIdleConns > 0 {
			maxIdle = o.pool.MaxIdleConns
		}
		if o.pool.ConnMaxLifetime > 0 {
			lifetime = o.pool.ConnMaxLifetime
		}
	}
	if dialector.Name() == "sqlite" {
		// SQLite 只允许一个写连接；内存库在连接关闭后即丢失
		maxOpen, maxIdle, lifetime = 1, 1, 0
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(lifetime)

	store := &Store{
		db:       db,
		log:      o.log,
		notifier: o.notifier,
		now:      gormConfig.NowFunc,
	}
	store.broker = broker.New(store.Snapshot, o.log)

	if !o.skipMigrate {
		if err := store.Migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store, nil
}

// Migrate 自动迁移数据库表结构
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&domain.User{},
		&feedRecord{},
		&feedVersion{},
		&revokedToken{},
	)
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ========== Feed Repository ==========

// Version 返回集合当前的变更计数
func (s *Store) Version(ctx context.Context, collection string) (int64, error) {
	var v feedVersion
	err := s.db.WithContext(ctx).Where("collection = ?", collection).Take(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return v.Version, nil
}

// Snapshot 在一个只读事务中读取版本和全部记录
func (s *Store) Snapshot(ctx context.Context, collection string) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{Collection: collection}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var v feedVersion
		if err := tx.Where("collection = ?", collection).Take(&v).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		snap.Version = v.Version

		var rows []feedRecord
		if err := tx.Where("collection = ?", collection).Order("seq ASC").Find(&rows).Error; err != nil {
			return err
		}

		snap.Records = make([]domain.Record, 0, len(rows))
		for _, row := range rows {
			fields, err := decodeFields(row.Body)
			if err != nil {
				s.log.Warn("skipping undecodable feed record",
					zap.String("collection", collection),
					zap.String("id", row.RecordID),
					zap.Error(err))
				continue
			}
			snap.Records = append(snap.Records, domain.Record{ID: row.RecordID, Fields: fields})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read feed snapshot: %w", err)
	}
	return snap, nil
}

// Get 按键读取单条记录
func (s *Store) Get(ctx context.Context, collection, id string) (*domain.Record, error) {
	var row feedRecord
	err := s.db.WithContext(ctx).
		Where("collection = ? AND record_id = ?", collection, id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, err
	}
	fields, err := decodeFields(row.Body)
	if err != nil {
		return nil, err
	}
	return &domain.Record{ID: row.RecordID, Fields: fields}, nil
}

// Push 插入一条记录并递增集合版本
func (s *Store) Push(ctx context.Context, collection string, fields domain.Fields) (string, error) {
	id := xid.New().String()
	now := s.now()
	resolved := fields.Clone()
	resolved.ResolveServerTimestamps(now.UnixMilli())

	body, err := json.Marshal(resolved)
	if err != nil {
		return "", fmt.Errorf("encode feed record: %w", err)
	}

	var version int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := feedRecord{Collection: collection, RecordID: id, Body: string(body)}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		v, err := bumpVersion(tx, collection)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("push feed record: %w", err)
	}

	s.changed(ctx, collection, version)
	return id, nil
}

// Update 在事务中读取、合并并写回记录
func (s *Store) Update(ctx context.Context, collection, id string, patch domain.Fields) error {
	resolved := patch.Clone()
	resolved.ResolveServerTimestamps(s.now().UnixMilli())

	var version int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row feedRecord
		err := lockForUpdate(tx).
			Where("collection = ? AND record_id = ?", collection, id).
			Take(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return storage.ErrRecordNotFound
			}
			return err
		}

		fields, err := decodeFields(row.Body)
		if err != nil {
			return err
		}
		fields.Merge(resolved)
		body, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("encode feed record: %w", err)
		}

		if err := tx.Model(&feedRecord{}).
			Where("seq = ?", row.Seq).
			Updates(map[string]interface{}{"body": string(body), "updated_at": s.now()}).Error; err != nil {
			return err
		}

		v, err := bumpVersion(tx, collection)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return err
		}
		return fmt.Errorf("update feed record: %w", err)
	}

	s.changed(ctx, collection, version)
	return nil
}

// lockForUpdate 在支持的方言上加行锁；SQLite 本身串行写入
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}

// bumpVersion 递增集合版本并返回新值
func bumpVersion(tx *gorm.DB, collection string) (int64, error) {
	res := tx.Model(&feedVersion{}).
		Where("collection = ?", collection).
		UpdateColumn("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		if err := tx.Create(&feedVersion{Collection: collection, Version: 1}).Error; err != nil {
			return 0, err
		}
		return 1, nil
	}

	var v feedVersion
	if err := tx.Where("collection = ?", collection).Take(&v).Error; err != nil {
		return 0, err
	}
	return v.Version, nil
}

// changed 在提交后分发变更。本实例的订阅者总是直接刷新，
// 通知只负责其他实例；重复到达的同一版本会被 broker 丢弃。
func (s *Store) changed(ctx context.Context, collection string, version int64) {
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, collection, version); err != nil {
			s.log.Warn("failed to publish feed change",
				zap.String("collection", collection),
				zap.Int64("version", version),
				zap.Error(err))
		}
	}
	s.broker.Refresh(ctx, collection)
}

// onChange 处理外部变更通知，空集合名表示全部集合
func (s *Store) onChange(collection string) {
	if collection == "" {
		s.broker.RefreshAll(context.Background())
		return
	}
	s.broker.Refresh(context.Background(), collection)
}

// Subscribe 订阅集合变更
func (s *Store) Subscribe(ctx context.Context, collection string, fn func(*domain.Snapshot)) (func(), error) {
	return s.broker.Subscribe(ctx, collection, fn)
}

// StartNotifier 开始监听外部变更通知，收到后刷新本实例的订阅者
func (s *Store) StartNotifier(ctx context.Context) error {
	if s.notifier == nil {
		return nil
	}
	return s.notifier.Start(ctx, s.onChange)
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

// CreateUser 创建新用户
func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		return errors.New("user ID is required")
	}
	user.Email = strings.ToLower(user.Email)

	// 检查邮箱是否已存在
	var existing domain.User
	err := s.db.WithContext(ctx).Where("email = ?", user.Email).Take(&existing).Error
	if err == nil {
		return storage.ErrEmailExists
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return storage.ErrEmailExists
		}
		return err
	}
	return nil
}

// GetUserByID 根据ID获取用户
func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// GetUserByEmail 根据邮箱获取用户（不区分大小写）
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	var user domain.User
	if err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).Take(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// UpdateLastLogin 更新最后登录时间
func (s *Store) UpdateLastLogin(ctx context.Context, userID string) error {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{"last_login_at": now, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// ========== JWT Repository ==========

// AddToBlacklist 将 JWT 添加到黑名单
func (s *Store) AddToBlacklist(ctx context.Context, jti string, ttl time.Duration) error {
	now := s.now()
	db := s.db.WithContext(ctx)

	// 顺带清理已过期的条目
	if err := db.Where("expires_at < ?", now).Delete(&revokedToken{}).Error; err != nil {
		s.log.Warn("failed to prune revoked tokens", zap.Error(err))
	}
	return db.Save(&revokedToken{JTI: jti, ExpiresAt: now.Add(ttl)}).Error
}

// IsBlacklisted 检查 JWT 是否在黑名单中
func (s *Store) IsBlacklisted(ctx context.Context, jti string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&revokedToken{}).
		Where("jti = ? AND expires_at > ?", jti, s.now()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ========== 工具方法 ==========

// Close 关闭数据库连接
func (s *Store) Close() error {
	s.broker.Close()
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			s.log.Warn("failed to close feed notifier", zap.Error(err))
		}
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

var _ storage.Store = (*Store)(nil)
