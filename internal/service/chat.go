package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/timeline"
)

// 聊天业务错误
var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrUnauthenticated = errors.New("not signed in")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotMessageOwner = errors.New("message belongs to another user")
)

// ChatService 封装发送、删除和时间线读取
type ChatService struct {
	feed       storage.FeedRepository
	collection string
	maxLength  int
	builder    *timeline.Builder
	now        func() time.Time
	log        *zap.Logger
}

// ChatOption 配置 ChatService
type ChatOption func(*ChatService)

// WithChatClock 替换时钟，测试使用
func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) { s.now = now }
}

// WithChatLogger 设置日志
func WithChatLogger(log *zap.Logger) ChatOption {
	return func(s *ChatService) { s.log = log }
}

// WithTimelineBuilder 设置时间线构建器
func WithTimelineBuilder(b *timeline.Builder) ChatOption {
	return func(s *ChatService) { s.builder = b }
}

// WithMaxMessageLength 设置消息最大字符数，0 表示不限制
func WithMaxMessageLength(n int) ChatOption {
	return func(s *ChatService) { s.maxLength = n }
}

// NewChatService 创建聊天服务
func NewChatService(feed storage.FeedRepository, collection string, opts ...ChatOption) *ChatService {
	s := &ChatService{
		feed:       feed,
		collection: collection,
		builder:    timeline.NewBuilder(timeline.DefaultOptions()),
		now:        time.Now,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection 返回消息集合名
func (s *ChatService) Collection() string {
	return s.collection
}

// Builder 返回时间线构建器
func (s *ChatService) Builder() *timeline.Builder {
	return s.builder
}

// Send 发布一条消息，返回新记录的 ID。
//
// 空白消息和未登录时不会写入 feed。
func (s *ChatService) Send(ctx context.Context, identity *domain.Identity, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}
	if identity == nil || identity.UID == "" {
		return "", ErrUnauthenticated
	}
	if s.maxLength > 0 && utf8.RuneCountInString(text) > s.maxLength {
		return "", ErrMessageTooLong
	}

	date := s.now().UTC().Format(domain.DateLayout)
	fields := domain.NewMessageFields(text, identity.Username(), identity.UID, date)

	id, err := s.feed.Push(ctx, s.collection, fields)
	if err != nil {
		s.log.Error("failed to send message",
			zap.String("uid", identity.UID),
			zap.Error(err))
		return "", fmt.Errorf("push message: %w", err)
	}

	s.log.Debug("message sent",
		zap.String("id", id),
		zap.String("uid", identity.UID))
	return id, nil
}

// Delete 软删除自己的消息。已删除的消息再次删除不做任何事。
func (s *ChatService) Delete(ctx context.Context, identity *domain.Identity, id string) error {
	if identity == nil || identity.UID == "" {
		return ErrUnauthenticated
	}

	rec, err := s.feed.Get(ctx, s.collection, id)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return fmt.Errorf("load message: %w", err)
	}
	if rec.UID() == "" || rec.UID() != identity.UID {
		return ErrNotMessageOwner
	}
	if rec.IsDeleted() {
		return nil
	}

	if err := s.feed.Update(ctx, s.collection, id, domain.SoftDeletePatch()); err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		s.log.Error("failed to delete message",
			zap.String("id", id),
			zap.String("uid", identity.UID),
			zap.Error(err))
		return fmt.Errorf("update message: %w", err)
	}

	s.log.Debug("message deleted", zap.String("id", id), zap.String("uid", identity.UID))
	return nil
}

// Timeline 读取当前快照并为观看者构建视图
func (s *ChatService) Timeline(ctx context.Context, viewerUID string) (*timeline.View, error) {
	snap, err := s.feed.Snapshot(ctx, s.collection)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return s.builder.Build(snap, viewerUID, s.now()), nil
}

// View 为观看者构建指定快照的视图
func (s *ChatService) View(snap *domain.Snapshot, viewerUID string) *timeline.View {
	return s.builder.Build(snap, viewerUID, s.now())
}
