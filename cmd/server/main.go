package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"chatroom/backend/internal/auth"
	"chatroom/backend/internal/config"
	"chatroom/backend/internal/health"
	"chatroom/backend/internal/logger"
	"chatroom/backend/internal/middleware"
	"chatroom/backend/internal/monitoring"
	"chatroom/backend/internal/pool"
	"chatroom/backend/internal/service"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/factory"
	"chatroom/backend/internal/timeline"
	httptransport "chatroom/backend/internal/transport/http"
	"chatroom/backend/internal/websocket"
)

const version = "1.0.0"

// 开发模式下自动创建的演示账户
const (
	demoEmail    = "demo@chatroom.dev"
	demoPassword = "demo-password"
)

// main 启动聊天室 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting chatroom server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	backend, err := factory.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()
	store := backend.Store
	log.Info("storage initialized",
		zap.String("backend", backend.Kind),
		zap.String("notifier", cfg.Feed.Notifier),
	)

	if cfg.Log.Development {
		createDemoUser(ctx, store, log)
	}

	metrics := monitoring.NewMetrics(nil)
	healthChecker := health.NewHealthChecker(store, log)
	healthReporter := monitoring.NewHealthReporter(store, metrics, log, version)

	loc, err := cfg.Timeline.Location()
	if err != nil {
		return err
	}
	builder := timeline.NewBuilder(timeline.Options{
		Location:        loc,
		LongDateLayout:  cfg.Timeline.LongDateLayout,
		ShortDateLayout: cfg.Timeline.ShortDateLayout,
		ClockLayout:     cfg.Timeline.ClockLayout,
	})
	renderer, err := timeline.NewRenderer()
	if err != nil {
		return fmt.Errorf("parse timeline templates: %w", err)
	}

	jwtManager := auth.NewJWTManager(&cfg.JWT, store)
	authService := auth.NewAuthService(store, jwtManager, log)
	chatService := service.NewChatService(store, cfg.Chat.Collection,
		service.WithChatLogger(log),
		service.WithTimelineBuilder(builder),
		service.WithMaxMessageLength(cfg.Chat.MaxMessageLength),
	)

	log.Info("session configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("session_expiry", cfg.JWT.SessionExpiry),
	)

	wsHub := websocket.NewHub(store, cfg.Chat.Collection,
		timeline.NewPresenter(builder, renderer, nil),
		websocket.WithLogger(log),
		websocket.WithMetrics(metrics),
		websocket.WithAllowedOrigins(cfg.CORS.AllowedOrigins),
		websocket.WithPool(pool.NewWorkerPool(8, 256, log)),
	)

	alerts := monitoring.NewAlertManager(metrics, log)
	alerts.AddReceiver(monitoring.NewLogAlertReceiver(log))
	alerts.AddRule(monitoring.StoreUnreachableRule(store))
	alerts.AddRule(monitoring.HighMemoryUsageRule(512))
	alerts.AddRule(monitoring.WebSocketSaturationRule(wsHub.ClientCount, 5000))

	deps := httptransport.RouterDependencies{
		Config:         cfg,
		AuthService:    authService,
		ChatService:    chatService,
		Renderer:       renderer,
		WebSocketHub:   wsHub,
		HealthChecker:  healthChecker,
		HealthReporter: healthReporter,
		Metrics:        metrics,
		Logger:         log,
	}
	if backend.Cache != nil {
		deps.RateCounter = backend.Cache
	}
	router, err := httptransport.NewRouter(deps)
	if err != nil {
		return err
	}

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting websocket hub")
		return wsHub.Run(groupCtx)
	})

	// 监控服务 goroutine
	group.Go(func() error {
		log.Info("starting monitoring services")
		return healthReporter.Run(groupCtx, 30*time.Second)
	})

	group.Go(func() error {
		return alerts.Run(groupCtx, time.Minute)
	})

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createDemoUser 开发模式下创建演示账户，已存在时跳过
func createDemoUser(ctx context.Context, store storage.UserRepository, log *zap.Logger) {
	_, err := auth.NewService(store).CreateUser(ctx, auth.CreateUserInput{
		Email:    demoEmail,
		Password: demoPassword,
	})
	switch {
	case err == nil:
		log.Warn("demo account created, do not use in production",
			zap.String("email", demoEmail),
			zap.String("password", demoPassword),
			zap.String("login", middleware.LoginPage),
		)
	case errors.Is(err, auth.ErrEmailExists):
		log.Debug("demo account already exists", zap.String("email", demoEmail))
	default:
		log.Error("failed to create demo account", zap.Error(err))
	}
}
