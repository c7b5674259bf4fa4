package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
)

// SessionCookie 会话 Cookie 名称
const SessionCookie = "session"

// 页面路径
const (
	LoginPage = "/login.html"
	ChatPage  = "/index.html"
)

const identityKey = "identity"

// Authenticator 校验会话令牌
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Identity, error)
}

// SessionGate 会话门禁：未登录不能进入聊天页，已登录不停留在登录页
type SessionGate struct {
	auth         Authenticator
	cookieSecure bool
	log          *zap.Logger
}

// NewSessionGate 创建会话中间件
func NewSessionGate(auth Authenticator, cookieSecure bool, log *zap.Logger) *SessionGate {
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionGate{auth: auth, cookieSecure: cookieSecure, log: log}
}

// resolve 从请求中取出并校验会话，结果缓存到上下文
func (g *SessionGate) resolve(c *gin.Context) (*domain.Identity, error) {
	if id := IdentityFrom(c); id != nil {
		return id, nil
	}
	token := ExtractToken(c)
	if token == "" {
		return nil, errNoSession
	}
	identity, err := g.auth.Authenticate(c.Request.Context(), token)
	if err != nil {
		return nil, err
	}
	c.Set(identityKey, identity)
	return identity, nil
}

var errNoSession = errors.New("no session")

// RequireSession 页面使用：没有有效会话时重定向到登录页
func (g *SessionGate) RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := g.resolve(c); err != nil {
			if !errors.Is(err, errNoSession) {
				g.log.Debug("invalid session", zap.String("ip", c.ClientIP()), zap.Error(err))
				g.ClearSessionCookie(c)
			}
			c.Redirect(http.StatusSeeOther, LoginPage)
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireAPISession API 使用：没有有效会话时返回 401
func (g *SessionGate) RequireAPISession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := g.resolve(c); err != nil {
			g.log.Debug("unauthenticated api request",
				zap.String("path", c.Request.URL.Path),
				zap.String("ip", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "authentication required",
			})
			return
		}
		c.Next()
	}
}

// RedirectAuthenticated 登录页使用：已有有效会话时直接进入聊天页
func (g *SessionGate) RedirectAuthenticated() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := g.resolve(c); err == nil {
			c.Redirect(http.StatusSeeOther, ChatPage)
			c.Abort()
			return
		}
		c.Next()
	}
}

// SetSessionCookie 写入会话 Cookie
func (g *SessionGate) SetSessionCookie(c *gin.Context, token string, expiresAt time.Time) {
	maxAge := int(time.Until(expiresAt).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, maxAge, "/", "", g.cookieSecure, true)
}

// ClearSessionCookie 清除会话 Cookie
func (g *SessionGate) ClearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", g.cookieSecure, true)
}

// IdentityFrom 返回已认证的身份，未认证时返回 nil
func IdentityFrom(c *gin.Context) *domain.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*domain.Identity)
	return id
}

// ExtractToken 依次从 Authorization 头和会话 Cookie 中取令牌
func ExtractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	token, err := c.Cookie(SessionCookie)
	if err == nil && token != "" {
		return token
	}

	return ""
}
