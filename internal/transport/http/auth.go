package httptransport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/monitoring"
)

// AuthHandler 处理登录、注销和会话查询
type AuthHandler struct {
	authService *auth.AuthService
	gate        *middleware.SessionGate
	pages       *Pages
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(authService *auth.AuthService, gate *middleware.SessionGate, pages *Pages, metrics *monitoring.Metrics, log *zap.Logger) *AuthHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{
		authService: authService,
		gate:        gate,
		pages:       pages,
		metrics:     metrics,
		log:         log,
	}
}

type userResponse struct {
	UID         string     `json:"uid"`
	Email       string     `json:"email"`
	Username    string     `json:"username"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
}

func toUserResponse(id *domain.Identity, user *domain.User) userResponse {
	return userResponse{
		UID:         id.UID,
		Email:       id.Email,
		Username:    id.Username(),
		CreatedAt:   user.CreatedAt,
		LastLoginAt: user.LastLoginAt,
	}
}

func (h *AuthHandler) recordLogin(result string) {
	if h.metrics != nil {
		h.metrics.RecordLogin(result)
	}
}

// LoginPage 登录页，每次打开都不带上一次的错误
func (h *AuthHandler) LoginPage(c *gin.Context) {
	h.pages.render(c, http.StatusOK, "login", loginPageData{})
}

// LoginForm 处理登录表单，成功后写入会话 Cookie 并进入聊天页
func (h *AuthHandler) LoginForm(c *gin.Context) {
	var req domain.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.recordLogin("invalid")
		h.pages.render(c, http.StatusBadRequest, "login", loginPageData{
			Email: strings.TrimSpace(c.PostForm("email")),
			Error: MsgInvalidCredentials,
		})
		return
	}

	session, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		status, msg := MapError(err)
		h.recordLogin(loginResult(err))
		h.pages.render(c, status, "login", loginPageData{Email: strings.TrimSpace(req.Email), Error: msg})
		return
	}

	h.recordLogin("success")
	h.gate.SetSessionCookie(c, session.Token, session.ExpiresAt)
	c.Redirect(http.StatusSeeOther, middleware.ChatPage)
}

// LoginLimited 登录表单被限流时的响应
func (h *AuthHandler) LoginLimited(c *gin.Context) {
	h.recordLogin("rate_limited")
	if h.metrics != nil {
		h.metrics.RecordRateLimitBlock("login")
	}
	if strings.HasPrefix(c.Request.URL.Path, "/v1/") {
		TooManyRequests(c, MsgTooManyAttempts)
		return
	}
	h.pages.render(c, http.StatusTooManyRequests, "login", loginPageData{
		Email: strings.TrimSpace(c.PostForm("email")),
		Error: MsgTooManyAttempts,
	})
}

// LogoutForm 注销并回到登录页
func (h *AuthHandler) LogoutForm(c *gin.Context) {
	h.logout(c)
	c.Redirect(http.StatusSeeOther, middleware.LoginPage)
}

func (h *AuthHandler) logout(c *gin.Context) {
	if token := middleware.ExtractToken(c); token != "" {
		if err := h.authService.Logout(c.Request.Context(), token); err != nil {
			h.log.Warn("logout failed", zap.Error(err))
		}
	}
	h.gate.ClearSessionCookie(c)
	if h.metrics != nil {
		h.metrics.RecordLogout()
	}
}

func loginResult(err error) string {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		return "invalid"
	}
	return "error"
}

// Login 处理 API 登录请求
// @Summary 登录
// @Description 使用邮箱和密码登录，返回会话令牌并写入会话 Cookie
// @Tags Auth
// @Accept json
// @Produce json
// @Param request body domain.LoginRequest true "登录凭证"
// @Success 200 {object} auth.Session
// @Failure 400 {object} Response
// @Failure 401 {object} Response
// @Failure 429 {object} Response
// @Router /v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req domain.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.recordLogin("invalid")
		BadRequest(c, MsgInvalidRequest)
		return
	}

	session, err := h.authService.Login(c.Request.Context(), &req)
	if err != nil {
		h.recordLogin(loginResult(err))
		RespondError(c, err)
		return
	}

	h.recordLogin("success")
	h.gate.SetSessionCookie(c, session.Token, session.ExpiresAt)
	Success(c, session)
}

// Logout 注销当前会话
// @Summary 注销
// @Description 吊销当前会话令牌并清除会话 Cookie
// @Tags Auth
// @Produce json
// @Success 200 {object} Response
// @Router /v1/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	h.logout(c)
	Success(c, nil)
}

// Me 返回当前会话对应的账号，账号已不存在时会话失效
// @Summary 当前用户
// @Tags Auth
// @Produce json
// @Security BearerAuth
// @Success 200 {object} userResponse
// @Failure 401 {object} Response
// @Router /v1/auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	identity := middleware.IdentityFrom(c)
	if identity == nil {
		Unauthorized(c, MsgAuthRequired)
		return
	}

	user, err := h.authService.GetUserByID(c.Request.Context(), identity.UID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			h.gate.ClearSessionCookie(c)
			Unauthorized(c, MsgAuthRequired)
			return
		}
		RespondError(c, err)
		return
	}
	Success(c, toUserResponse(identity, user))
}
