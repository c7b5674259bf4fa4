package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/monitoring"
	"chatroom/backend/internal/storage/redis"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeAuth 只接受 "good" 令牌
type fakeAuth struct{}

func (fakeAuth) Authenticate(_ context.Context, token string) (*domain.Identity, error) {
	if token == "good" {
		return &domain.Identity{UID: "u1", Email: "jane@example.com"}, nil
	}
	return nil, errors.New("bad token")
}

func newGateRouter() *gin.Engine {
	gate := NewSessionGate(fakeAuth{}, false, nil)
	r := gin.New()
	r.GET("/index.html", gate.RequireSession(), func(c *gin.Context) {
		c.String(http.StatusOK, IdentityFrom(c).UID)
	})
	r.GET("/login.html", gate.RedirectAuthenticated(), func(c *gin.Context) {
		c.String(http.StatusOK, "login")
	})
	r.GET("/v1/auth/me", gate.RequireAPISession(), func(c *gin.Context) {
		c.String(http.StatusOK, IdentityFrom(c).Email)
	})
	return r
}

func doRequest(r http.Handler, method, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func withCookie(token string) func(*http.Request) {
	return func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
}

func TestSessionGate_RequireSession(t *testing.T) {
	r := newGateRouter()

	w := doRequest(r, http.MethodGet, "/index.html", nil)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, LoginPage, w.Header().Get("Location"))

	w = doRequest(r, http.MethodGet, "/index.html", withCookie("good"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	// 无效会话会被清除
	w = doRequest(r, http.MethodGet, "/index.html", withCookie("bad"))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), SessionCookie+"=;")
}

func TestSessionGate_RedirectAuthenticated(t *testing.T) {
	r := newGateRouter()

	w := doRequest(r, http.MethodGet, "/login.html", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodGet, "/login.html", withCookie("good"))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, ChatPage, w.Header().Get("Location"))
}

func TestSessionGate_RequireAPISession(t *testing.T) {
	r := newGateRouter()

	w := doRequest(r, http.MethodGet, "/v1/auth/me", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication required")

	w = doRequest(r, http.MethodGet, "/v1/auth/me", func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer good")
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jane@example.com", w.Body.String())
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(1, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "1.2.3.4")
	assert.False(t, ok)

	// 其他键不受影响
	ok, _ = l.Allow(ctx, "5.6.7.8")
	assert.True(t, ok)
}

func TestCounterLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil)
	defer rc.Close()

	l := NewCounterLimiter(redis.NewCache(rc), "login", 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "ip")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = l.Allow(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimit_Middleware(t *testing.T) {
	r := gin.New()
	r.POST("/login", RateLimit(NewLocalLimiter(1, 1), nil, func(c *gin.Context) {
		c.String(http.StatusTooManyRequests, "slow down")
	}), func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := doRequest(r, http.MethodPost, "/login", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(r, http.MethodPost, "/login", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "slow down", w.Body.String())
}

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit_FailsOpen(t *testing.T) {
	r := gin.New()
	r.POST("/login", RateLimit(brokenLimiter{}, nil, func(c *gin.Context) {
		c.Status(http.StatusTooManyRequests)
	}), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := doRequest(r, http.MethodPost, "/login", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/messages", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("way too long body"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("short"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMonitoring_PanicRecovery(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.HTTPMetrics(), mm.PanicRecovery())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := doRequest(r, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doRequest(r, http.MethodGet, "/", nil)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}
