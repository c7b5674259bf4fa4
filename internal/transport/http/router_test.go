package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/config"
	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/service"
	"chatroom/backend/internal/storage/memory"
	"chatroom/backend/internal/timeline"
)

const testPassword = "correct-horse-battery"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	store  *memory.Store
	alice  *domain.User
	bob    *domain.User
}

func testConfig() *config.Config {
	return &config.Config{
		Chat: config.ChatConfig{Collection: "messages", MaxMessageLength: 20},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		JWT: config.JWTConfig{
			Secret:        strings.Repeat("s", 32),
			Issuer:        "chatroom-test",
			SessionExpiry: time.Hour,
		},
		Auth: config.AuthConfig{LoginRatePerMinute: 100, LoginBurst: 100},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	store := memory.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	users := auth.NewService(store)
	alice, err := users.CreateUser(context.Background(), auth.CreateUserInput{Email: "alice@example.com", Password: testPassword})
	require.NoError(t, err)
	bob, err := users.CreateUser(context.Background(), auth.CreateUserInput{Email: "bob@example.com", Password: testPassword})
	require.NoError(t, err)

	authService := auth.NewAuthService(store, auth.NewJWTManager(&cfg.JWT, store), nil)
	chat := service.NewChatService(store, cfg.Chat.Collection,
		service.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
		service.WithTimelineBuilder(timeline.NewBuilder(timeline.Options{Location: time.UTC})),
	)

	router, err := NewRouter(RouterDependencies{
		Config:      cfg,
		AuthService: authService,
		ChatService: chat,
	})
	require.NoError(t, err)

	return &testEnv{router: router, store: store, alice: alice, bob: bob}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func formRequest(path string, values url.Values, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func jsonRequest(method, path string, body interface{}, token string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func sessionCookie(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == middleware.SessionCookie {
			return c
		}
	}
	return nil
}

// loginForm 通过表单登录并返回会话 Cookie
func (e *testEnv) loginForm(t *testing.T, email string) *http.Cookie {
	t.Helper()
	w := e.do(formRequest("/login", url.Values{"email": {email}, "password": {testPassword}}, nil))
	require.Equal(t, http.StatusSeeOther, w.Code)
	require.Equal(t, middleware.ChatPage, w.Header().Get("Location"))
	cookie := sessionCookie(w)
	require.NotNil(t, cookie)
	return cookie
}

// loginAPI 通过 API 登录并返回令牌
func (e *testEnv) loginAPI(t *testing.T, email string) string {
	t.Helper()
	w := e.do(jsonRequest(http.MethodPost, "/v1/auth/login", domain.LoginRequest{Email: email, Password: testPassword}, ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data auth.Session `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Data.Token)
	return resp.Data.Token
}

func (e *testEnv) messages(t *testing.T) *domain.Snapshot {
	t.Helper()
	snap, err := e.store.Snapshot(context.Background(), "messages")
	require.NoError(t, err)
	return snap
}

func TestPages_RequireSession(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/", "/index.html"} {
		w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusSeeOther, w.Code, path)
		assert.Equal(t, middleware.LoginPage, w.Header().Get("Location"), path)
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/login.html", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `action="/login"`)
	assert.NotContains(t, w.Body.String(), MsgInvalidCredentials)
}

func TestLoginForm(t *testing.T) {
	env := newTestEnv(t)

	t.Run("wrong password", func(t *testing.T) {
		w := env.do(formRequest("/login", url.Values{"email": {"alice@example.com"}, "password": {"nope-nope"}}, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), MsgInvalidCredentials)
		assert.Contains(t, w.Body.String(), `value="alice@example.com"`)
		assert.Nil(t, sessionCookie(w))
	})

	t.Run("unknown user", func(t *testing.T) {
		w := env.do(formRequest("/login", url.Values{"email": {"carol@example.com"}, "password": {testPassword}}, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), MsgInvalidCredentials)
	})

	t.Run("missing fields", func(t *testing.T) {
		w := env.do(formRequest("/login", url.Values{"email": {"alice@example.com"}}, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), MsgInvalidCredentials)
	})

	t.Run("success", func(t *testing.T) {
		cookie := env.loginForm(t, "alice@example.com")
		assert.True(t, cookie.HttpOnly)

		// 已登录时登录页直接跳到聊天页
		req := httptest.NewRequest(http.MethodGet, "/login.html", nil)
		req.AddCookie(cookie)
		w := env.do(req)
		assert.Equal(t, http.StatusSeeOther, w.Code)
		assert.Equal(t, middleware.ChatPage, w.Header().Get("Location"))

		req = httptest.NewRequest(http.MethodGet, "/index.html", nil)
		req.AddCookie(cookie)
		w = env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		body := w.Body.String()
		assert.Contains(t, body, `id="messages"`)
		assert.Contains(t, body, `id="composer"`)
		assert.Contains(t, body, "alice")
	})
}

func TestLoginForm_InvalidCookieRedirects(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(&http.Cookie{Name: middleware.SessionCookie, Value: "forged"})
	w := env.do(req)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.LoginPage, w.Header().Get("Location"))

	cleared := sessionCookie(w)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
}

func TestSendForm(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.loginForm(t, "alice@example.com")

	w := env.do(formRequest("/messages", url.Values{"text": {"  hello <b>world</b>  "}}, cookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage, w.Header().Get("Location"))

	snap := env.messages(t)
	require.Equal(t, 1, snap.Len())
	rec := snap.Records[0]
	assert.Equal(t, "hello <b>world</b>", rec.StringField(domain.FieldText))
	assert.Equal(t, "alice", rec.StringField(domain.FieldUser))
	assert.Equal(t, env.alice.ID, rec.UID())

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(cookie)
	w = env.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "hello &lt;b&gt;world&lt;/b&gt;")
	assert.Contains(t, w.Body.String(), "delete-btn")
}

func TestSendForm_Rejections(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.loginForm(t, "alice@example.com")

	w := env.do(formRequest("/messages", url.Values{"text": {"   "}}, cookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage, w.Header().Get("Location"))

	w = env.do(formRequest("/messages", url.Values{"text": {strings.Repeat("x", 21)}}, cookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage+"?alert=too-long", w.Header().Get("Location"))

	// 无法解析的表单按发送失败处理，而不是当作空消息
	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader("text=%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(cookie)
	w = env.do(req)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage+"?alert=send-failed", w.Header().Get("Location"))

	assert.Equal(t, 0, env.messages(t).Len())

	// 未登录的表单提交被重定向到登录页
	w = env.do(formRequest("/messages", url.Values{"text": {"hi"}}, nil))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.LoginPage, w.Header().Get("Location"))
}

func TestIndex_AlertCodes(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.loginForm(t, "alice@example.com")

	tests := []struct {
		query string
		want  string
	}{
		{"send-failed", MsgSendFailed},
		{"delete-failed", MsgDeleteFailed},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/index.html?alert="+tt.query, nil)
		req.AddCookie(cookie)
		w := env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), tt.want)
	}

	// 未知代码不回显
	req := httptest.NewRequest(http.MethodGet, "/index.html?alert=%3Cscript%3E", nil)
	req.AddCookie(cookie)
	w := env.do(req)
	assert.NotContains(t, w.Body.String(), "<script>")
}

func TestDeleteForm(t *testing.T) {
	env := newTestEnv(t)
	aliceCookie := env.loginForm(t, "alice@example.com")
	bobCookie := env.loginForm(t, "bob@example.com")

	env.do(formRequest("/messages", url.Values{"text": {"mine"}}, aliceCookie))
	id := env.messages(t).Records[0].ID

	// 其他人不能删除
	w := env.do(formRequest("/messages/"+id+"/delete", nil, bobCookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage+"?alert=delete-failed", w.Header().Get("Location"))
	rec, _ := env.messages(t).Find(id)
	assert.False(t, rec.IsDeleted())

	w = env.do(formRequest("/messages/"+id+"/delete", nil, aliceCookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.ChatPage, w.Header().Get("Location"))

	rec, ok := env.messages(t).Find(id)
	require.True(t, ok)
	assert.True(t, rec.IsDeleted())
	assert.Equal(t, "mine", rec.StringField(domain.FieldText))

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(aliceCookie)
	w = env.do(req)
	assert.Contains(t, w.Body.String(), timeline.DeletedMarker)
	assert.NotContains(t, w.Body.String(), "delete-btn")
}

func TestLogoutForm(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.loginForm(t, "alice@example.com")

	w := env.do(formRequest("/logout", nil, cookie))
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.LoginPage, w.Header().Get("Location"))

	// 旧 Cookie 已被吊销
	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.AddCookie(cookie)
	w = env.do(req)
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, middleware.LoginPage, w.Header().Get("Location"))
}

func TestAPI_Messages(t *testing.T) {
	env := newTestEnv(t)
	alice := env.loginAPI(t, "alice@example.com")
	bob := env.loginAPI(t, "bob@example.com")

	w := env.do(jsonRequest(http.MethodGet, "/v1/messages", nil, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(jsonRequest(http.MethodPost, "/v1/messages", gin.H{"text": "hi bob"}, alice))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Data sendMessageResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.ID)

	w = env.do(jsonRequest(http.MethodPost, "/v1/messages", gin.H{"text": " "}, alice))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(http.MethodPost, "/v1/messages", gin.H{"text": strings.Repeat("y", 21)}, alice))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = env.do(jsonRequest(http.MethodGet, "/v1/messages", nil, bob))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data timeline.View `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, env.bob.ID, list.Data.Viewer)
	assert.Equal(t, created.Data.ID, list.Data.Latest)

	path := fmt.Sprintf("/v1/messages/%s/deleted", created.Data.ID)

	w = env.do(jsonRequest(http.MethodPatch, path, nil, bob))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(jsonRequest(http.MethodPatch, "/v1/messages/missing/deleted", nil, alice))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(jsonRequest(http.MethodPatch, path, nil, alice))
	assert.Equal(t, http.StatusOK, w.Code)

	// 重复删除不报错
	w = env.do(jsonRequest(http.MethodPatch, path, nil, alice))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_AuthFlow(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(jsonRequest(http.MethodPost, "/v1/auth/login", gin.H{"email": "alice@example.com", "password": "wrong-password"}, ""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), MsgInvalidCredentials)

	w = env.do(jsonRequest(http.MethodPost, "/v1/auth/login", gin.H{"email": "alice@example.com"}, ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	token := env.loginAPI(t, "alice@example.com")

	w = env.do(jsonRequest(http.MethodGet, "/v1/auth/me", nil, token))
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Data userResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, env.alice.ID, me.Data.UID)
	assert.Equal(t, "alice", me.Data.Username)
	assert.False(t, me.Data.CreatedAt.IsZero())
	assert.NotNil(t, me.Data.LastLoginAt)

	w = env.do(jsonRequest(http.MethodPost, "/v1/auth/logout", nil, token))
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(jsonRequest(http.MethodGet, "/v1/auth/me", nil, token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_MeUnknownAccount(t *testing.T) {
	env := newTestEnv(t)

	// 签名有效，但账号已不存在
	session, err := auth.NewJWTManager(&testConfig().JWT, env.store).
		Issue(&domain.User{ID: "ghost", Email: "ghost@example.com"})
	require.NoError(t, err)

	w := env.do(jsonRequest(http.MethodGet, "/v1/auth/me", nil, session.Token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Header().Get("Set-Cookie"), middleware.SessionCookie+"=;")
}

func TestLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.LoginRatePerMinute = 1
		cfg.Auth.LoginBurst = 2
	})

	bad := url.Values{"email": {"alice@example.com"}, "password": {"wrong-password"}}
	for i := 0; i < 2; i++ {
		w := env.do(formRequest("/login", bad, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := env.do(formRequest("/login", bad, nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), MsgTooManyAttempts)

	w = env.do(jsonRequest(http.MethodPost, "/v1/auth/login", domain.LoginRequest{Email: "alice@example.com", Password: testPassword}, ""))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestOpsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	env.do(httptest.NewRequest(http.MethodGet, "/login.html", nil))
	w = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatroom_http_requests_total")

	w = env.do(httptest.NewRequest(http.MethodGet, "/static/chat.js", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/v1/ws")
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{service.ErrEmptyMessage, http.StatusBadRequest},
		{service.ErrMessageTooLong, http.StatusUnprocessableEntity},
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{service.ErrMessageNotFound, http.StatusNotFound},
		{service.ErrNotMessageOwner, http.StatusForbidden},
		{auth.ErrInvalidCredentials, http.StatusUnauthorized},
		{fmt.Errorf("push message: %w", errors.New("disk full")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		status, msg := MapError(tt.err)
		assert.Equal(t, tt.status, status, tt.err.Error())
		assert.NotEmpty(t, msg)
	}

	status, msg := MapError(fmt.Errorf("wrapped: %w", auth.ErrInvalidCredentials))
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, MsgInvalidCredentials, msg)
}
