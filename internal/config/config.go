package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// ChatConfig 定义聊天室的业务配置
type ChatConfig struct {
	Collection       string // feed 中保存消息的逻辑集合名，默认 "messages"
	MaxMessageLength int    // 单条消息最大字符数（按 rune 计）
}

// TimelineConfig 定义时间线渲染配置
type TimelineConfig struct {
	Timezone        string // 日期分组使用的时区，默认服务器本地时区
	LongDateLayout  string // 日期分隔条的长日期格式
	ShortDateLayout string // 仅有日期的旧消息使用的短日期格式
	ClockLayout     string // 精确时间戳消息使用的时刻格式
}

// FeedConfig 定义 feed 变更通知方式
type FeedConfig struct {
	Notifier string // "local"、"redis" 或 "postgres"
	Backend  string // 无数据库时使用的存储："memory" 或 "redis"
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL、PostgreSQL 和 SQLite）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql"、"postgres" 或 "sqlite"
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// JWTConfig 定义会话令牌配置
type JWTConfig struct {
	Secret        string        // JWT 签名密钥，必须至少 32 字符
	Issuer        string        // JWT 签发者标识，默认 "chatroom"
	SessionExpiry time.Duration // 会话有效期，默认 24 小时
	CookieSecure  bool          // 会话 Cookie 是否只在 HTTPS 下发送
}

// AuthConfig 定义登录保护配置
type AuthConfig struct {
	LoginRatePerMinute int // 单个 IP 每分钟允许的登录尝试次数
	LoginBurst         int // 令牌桶容量
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Chat     ChatConfig
	Timeline TimelineConfig
	Feed     FeedConfig
	CORS     CORSConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Auth     AuthConfig
}

// Location 解析时间线时区，未配置时使用本地时区
func (t TimelineConfig) Location() (*time.Location, error) {
	if t.Timezone == "" || strings.EqualFold(t.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(t.Timezone)
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: CHATROOM_，例如 CHATROOM_SERVER_PORT、CHATROOM_JWT_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("chatroom")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("chat.collection", "messages")
	v.SetDefault("chat.max_message_length", 2000)
	v.SetDefault("timeline.timezone", "")
	v.SetDefault("timeline.long_date_layout", "January 2, 2006")
	v.SetDefault("timeline.short_date_layout", "Jan 2, 2006")
	v.SetDefault("timeline.clock_layout", "03:04 PM")
	v.SetDefault("feed.notifier", "")
	v.SetDefault("feed.backend", "memory")
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "") // 默认为空，使用内存存储
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.issuer", "chatroom")
	v.SetDefault("jwt.session_expiry", "24h")
	v.SetDefault("jwt.cookie_secure", false)
	v.SetDefault("auth.login_rate_per_minute", 10)
	v.SetDefault("auth.login_burst", 5)

	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	sessionExpiry, err := time.ParseDuration(v.GetString("jwt.session_expiry"))
	if err != nil {
		return nil, fmt.Errorf("invalid jwt.session_expiry: %w", err)
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	collection := strings.TrimSpace(v.GetString("chat.collection"))
	if collection == "" {
		return nil, fmt.Errorf("chat.collection must not be empty")
	}

	maxLen := v.GetInt("chat.max_message_length")
	if maxLen <= 0 {
		maxLen = 2000
	}

	jwtSecret := v.GetString("jwt.secret")

	// 安全检查：禁止使用默认的 JWT secret
	if jwtSecret == "change-me-in-production" {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret cannot be the default value. Please set CHATROOM_JWT_SECRET environment variable")
	}

	// JWT secret 必须至少 32 字符
	if len(jwtSecret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: JWT secret must be at least 32 characters long")
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		Chat: ChatConfig{
			Collection:       collection,
			MaxMessageLength: maxLen,
		},
		Timeline: TimelineConfig{
			Timezone:        v.GetString("timeline.timezone"),
			LongDateLayout:  v.GetString("timeline.long_date_layout"),
			ShortDateLayout: v.GetString("timeline.short_date_layout"),
			ClockLayout:     v.GetString("timeline.clock_layout"),
		},
		Feed: FeedConfig{
			Notifier: strings.ToLower(v.GetString("feed.notifier")),
			Backend:  strings.ToLower(v.GetString("feed.backend")),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            strings.ToLower(v.GetString("database.type")),
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:        jwtSecret,
			Issuer:        v.GetString("jwt.issuer"),
			SessionExpiry: sessionExpiry,
			CookieSecure:  v.GetBool("jwt.cookie_secure"),
		},
		Auth: AuthConfig{
			LoginRatePerMinute: v.GetInt("auth.login_rate_per_minute"),
			LoginBurst:         v.GetInt("auth.login_burst"),
		},
	}

	if _, err := cfg.Timeline.Location(); err != nil {
		return nil, fmt.Errorf("invalid timeline.timezone: %w", err)
	}

	if err := cfg.validateFeed(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateFeed 校验存储与通知方式的组合
func (c *Config) validateFeed() error {
	switch c.Feed.Backend {
	case "", "memory":
		c.Feed.Backend = "memory"
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("feed.backend=redis requires redis.address")
		}
	default:
		return fmt.Errorf("unsupported feed.backend: %s (supported: memory, redis)", c.Feed.Backend)
	}

	switch c.Feed.Notifier {
	case "":
		// 未指定时：有 Redis 就走 Redis 发布订阅，否则进程内通知
		if c.Redis.Address != "" {
			c.Feed.Notifier = "redis"
		} else {
			c.Feed.Notifier = "local"
		}
	case "local":
	case "redis":
		if c.Redis.Address == "" {
			return fmt.Errorf("feed.notifier=redis requires redis.address")
		}
	case "postgres":
		if c.Database.Type != "postgres" && c.Database.Type != "postgresql" {
			return fmt.Errorf("feed.notifier=postgres requires database.type=postgres")
		}
	default:
		return fmt.Errorf("unsupported feed.notifier: %s (supported: local, redis, postgres)", c.Feed.Notifier)
	}
	return nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
