package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatroom/backend/internal/auth/jwt"
	"chatroom/backend/internal/config"
	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
)

// ErrSessionRevoked 会话已注销
var ErrSessionRevoked = errors.New("session revoked")

// JWTManager 会话令牌管理，结合黑名单实现注销
type JWTManager struct {
	manager   *jwt.Manager
	blacklist storage.JWTRepository
}

// NewJWTManager 创建JWT管理器。blacklist 为空时不支持注销。
func NewJWTManager(cfg *config.JWTConfig, blacklist storage.JWTRepository) *JWTManager {
	return &JWTManager{
		manager:   jwt.NewManager(cfg.Secret, cfg.Issuer, cfg.SessionExpiry),
		blacklist: blacklist,
	}
}

// Session 登录成功后返回的会话
type Session struct {
	Token     string           `json:"token"`
	TokenType string           `json:"tokenType"`
	ExpiresAt time.Time        `json:"expiresAt"`
	ExpiresIn int64            `json:"expiresIn"` // 秒
	Identity  *domain.Identity `json:"identity"`
}

// Issue 为用户签发会话
func (j *JWTManager) Issue(user *domain.User) (*Session, error) {
	token, err := j.manager.Issue(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &Session{
		Token:     token.Value,
		TokenType: "Bearer",
		ExpiresAt: token.ExpiresAt,
		ExpiresIn: int64(j.manager.Expiry().Seconds()),
		Identity:  &domain.Identity{UID: user.ID, Email: user.Email},
	}, nil
}

// Authenticate 验证令牌并检查黑名单
func (j *JWTManager) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	claims, err := j.manager.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if j.blacklist != nil && claims.ID != "" {
		revoked, err := j.blacklist.IsBlacklisted(ctx, claims.ID)
		if err != nil {
			return nil, fmt.Errorf("check blacklist: %w", err)
		}
		if revoked {
			return nil, ErrSessionRevoked
		}
	}
	return &domain.Identity{UID: claims.UID, Email: claims.Email}, nil
}

// Revoke 把令牌加入黑名单直到其过期。无效或已过期的令牌直接忽略。
func (j *JWTManager) Revoke(ctx context.Context, token string) error {
	if j.blacklist == nil || token == "" {
		return nil
	}
	claims, err := j.manager.ValidateToken(token)
	if err != nil || claims.ID == "" {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return j.blacklist.AddToBlacklist(ctx, claims.ID, ttl)
}

// AuthService 认证服务包装：登录、校验和注销
type AuthService struct {
	service    *Service
	jwtManager *JWTManager
	log        *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(users storage.UserRepository, jwtManager *JWTManager, log *zap.Logger) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		service:    NewService(users),
		jwtManager: jwtManager,
		log:        log,
	}
}

// Login 用户登录，任何失败都返回 ErrInvalidCredentials
func (a *AuthService) Login(ctx context.Context, req *domain.LoginRequest) (*Session, error) {
	user, err := a.service.Login(ctx, LoginInput{Email: req.Email, Password: req.Password})
	if err != nil {
		if !errors.Is(err, ErrInvalidCredentials) {
			a.log.Error("login failed", zap.Error(err))
		}
		return nil, ErrInvalidCredentials
	}

	session, err := a.jwtManager.Issue(user)
	if err != nil {
		return nil, err
	}
	a.log.Info("user signed in", zap.String("uid", user.ID))
	return session, nil
}

// Authenticate 校验会话令牌
func (a *AuthService) Authenticate(ctx context.Context, token string) (*domain.Identity, error) {
	return a.jwtManager.Authenticate(ctx, token)
}

// Logout 注销会话
func (a *AuthService) Logout(ctx context.Context, token string) error {
	if err := a.jwtManager.Revoke(ctx, token); err != nil {
		a.log.Warn("failed to revoke session", zap.Error(err))
		return err
	}
	return nil
}

// GetUserByID 根据ID获取用户
func (a *AuthService) GetUserByID(ctx context.Context, userID string) (*domain.User, error) {
	return a.service.GetUserByID(ctx, userID)
}
