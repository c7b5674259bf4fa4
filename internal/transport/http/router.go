package httptransport

import (
	"fmt"
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	ginSwagger "github.com/swaggo/gin-swagger"
	swaggerFiles "github.com/swaggo/files"
	"go.uber.org/zap"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/config"
	"chatroom/backend/internal/health"
	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/monitoring"
	"chatroom/backend/internal/service"
	"chatroom/backend/internal/timeline"
	"chatroom/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	AuthService    *auth.AuthService
	ChatService    *service.ChatService
	Renderer       *timeline.Renderer
	WebSocketHub   *websocket.Hub             // 为空时不提供 /v1/ws
	HealthChecker  *health.HealthChecker      // 为空时只提供 /health
	HealthReporter *monitoring.HealthReporter // 为空时 /health 只返回 ok
	Metrics        *monitoring.Metrics        // 为空时使用独立的注册表
	RateCounter    middleware.Counter         // 配置了 Redis 时跨实例限流，否则进程内限流
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) (*gin.Engine, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	}
	renderer := deps.Renderer
	if renderer == nil {
		var err error
		if renderer, err = timeline.NewRenderer(); err != nil {
			return nil, fmt.Errorf("parse timeline templates: %w", err)
		}
	}
	pages, err := NewPages()
	if err != nil {
		return nil, fmt.Errorf("parse page templates: %w", err)
	}

	cfg := deps.Config
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(metrics, log)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	gate := middleware.NewSessionGate(deps.AuthService, cfg.JWT.CookieSecure, log)
	authHandler := NewAuthHandler(deps.AuthService, gate, pages, metrics, log)
	chatHandler := NewChatHandler(deps.ChatService, renderer, pages, metrics, cfg.Chat.MaxMessageLength, log)

	var limiter middleware.Limiter
	if deps.RateCounter != nil {
		limiter = middleware.NewCounterLimiter(deps.RateCounter, "login", cfg.Auth.LoginRatePerMinute, time.Minute)
	} else {
		limiter = middleware.NewLocalLimiter(cfg.Auth.LoginRatePerMinute, cfg.Auth.LoginBurst)
	}
	loginLimit := middleware.RateLimit(limiter, log, authHandler.LoginLimited)
	formLimit := middleware.BodySizeLimit(middleware.FormBodyLimit)

	// Swagger 文档
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		if deps.HealthReporter == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		report := deps.HealthReporter.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if report.Status == monitoring.HealthStatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	})
	if deps.HealthChecker != nil {
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}

	// Prometheus 指标端点
	router.GET("/metrics", gin.WrapH(metrics.HTTPHandler()))

	router.StaticFS("/static", staticHandler())

	// ========== Pages ==========
	router.GET(middleware.LoginPage, gate.RedirectAuthenticated(), authHandler.LoginPage)
	router.POST("/login", formLimit, loginLimit, authHandler.LoginForm)
	router.POST("/logout", formLimit, authHandler.LogoutForm)

	pagesGroup := router.Group("/")
	pagesGroup.Use(gate.RequireSession())
	{
		pagesGroup.GET("/", chatHandler.Index)
		pagesGroup.GET(middleware.ChatPage, chatHandler.Index)
		pagesGroup.POST("/messages", formLimit, chatHandler.SendForm)
		pagesGroup.POST("/messages/:id/delete", formLimit, chatHandler.DeleteForm)
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/login", formLimit, loginLimit, authHandler.Login)
			authRoutes.POST("/logout", authHandler.Logout)
			authRoutes.GET("/me", gate.RequireAPISession(), authHandler.Me)
		}

		messageRoutes := v1.Group("/messages")
		messageRoutes.Use(gate.RequireAPISession())
		{
			messageRoutes.GET("", chatHandler.ListMessages)
			messageRoutes.POST("", formLimit, chatHandler.CreateMessage)
			messageRoutes.PATCH("/:id/deleted", chatHandler.MarkDeleted)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", gate.RequireAPISession(), websocket.HandleWebSocket(deps.WebSocketHub))
		}
	}

	return router, nil
}
