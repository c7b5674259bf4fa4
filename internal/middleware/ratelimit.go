package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter 按键判断请求是否放行
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter 进程内令牌桶限流，每个键一个 rate.Limiter
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
}

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter 创建每分钟 perMinute 次、桶容量 burst 的限流器
func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	if perMinute <= 0 {
		perMinute = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &LocalLimiter{
		limiters: make(map[string]*localEntry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		lastGC:   time.Now(),
	}
}

// Allow 实现 Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, ok := l.limiters[key]
	if !ok {
		entry = &localEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now

	if now.Sub(l.lastGC) > l.idleTTL {
		for k, e := range l.limiters {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.limiters, k)
			}
		}
		l.lastGC = now
	}

	return entry.limiter.AllowN(now, 1), nil
}

// Counter 固定窗口计数器，由 Redis 缓存实现
type Counter interface {
	IncrementRateLimit(ctx context.Context, key string, window time.Duration) (int64, error)
}

// CounterLimiter 多实例共享的固定窗口限流
type CounterLimiter struct {
	counter Counter
	prefix  string
	limit   int64
	window  time.Duration
}

// NewCounterLimiter 创建窗口内最多 limit 次的限流器
func NewCounterLimiter(counter Counter, prefix string, limit int, window time.Duration) *CounterLimiter {
	return &CounterLimiter{counter: counter, prefix: prefix, limit: int64(limit), window: window}
}

// Allow 实现 Limiter
func (l *CounterLimiter) Allow(ctx context.Context, key string) (bool, error) {
	n, err := l.counter.IncrementRateLimit(ctx, fmt.Sprintf("%s:%s", l.prefix, key), l.window)
	if err != nil {
		return false, err
	}
	return n <= l.limit, nil
}

// RateLimit 按客户端 IP 限流。超限时调用 onLimited 写响应；限流器出错时放行。
func RateLimit(limiter Limiter, log *zap.Logger, onLimited func(c *gin.Context)) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			log.Info("rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			onLimited(c)
			c.Abort()
			return
		}
		c.Next()
	}
}
