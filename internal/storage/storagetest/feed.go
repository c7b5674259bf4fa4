// Package storagetest 提供各存储后端共用的行为测试。
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
)

// RunFeedTests 对 Feed 实现运行通用行为测试。newFeed 每次返回一个空的实例。
func RunFeedTests(t *testing.T, newFeed func(t *testing.T) storage.Feed) {
	t.Run("空集合返回空快照", func(t *testing.T) {
		f := newFeed(t)
		snap, err := f.Snapshot(context.Background(), "messages")
		require.NoError(t, err)
		assert.Equal(t, "messages", snap.Collection)
		assert.Equal(t, 0, snap.Len())
	})

	t.Run("Push分配键并解析服务器时间", func(t *testing.T) {
		f := newFeed(t)
		ctx := context.Background()

		before := time.Now().Add(-time.Second).UnixMilli()
		id, err := f.Push(ctx, "messages", domain.NewMessageFields("hi", "jane", "u1", "2024-05-01"))
		require.NoError(t, err)
		after := time.Now().Add(time.Second).UnixMilli()
		require.NotEmpty(t, id)

		rec, err := f.Get(ctx, "messages", id)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, "hi", rec.StringField(domain.FieldText))
		assert.Equal(t, "u1", rec.UID())
		assert.False(t, rec.IsDeleted())

		ts, ok := rec.Get(domain.FieldTimestamp).AsNumber()
		require.True(t, ok, "timestamp should be resolved to a number")
		assert.GreaterOrEqual(t, int64(ts), before)
		assert.LessOrEqual(t, int64(ts), after)
	})

	t.Run("快照保持插入顺序", func(t *testing.T) {
		f := newFeed(t)
		ctx := context.Background()

		var ids []string
		for _, text := range []string{"a", "b", "c"} {
			id, err := f.Push(ctx, "messages", domain.Fields{domain.FieldText: domain.String(text)})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		snap, err := f.Snapshot(ctx, "messages")
		require.NoError(t, err)
		require.Equal(t, 3, snap.Len())
		for i, rec := range snap.Records {
			assert.Equal(t, ids[i], rec.ID)
		}

		// 集合之间互不影响
		other, err := f.Snapshot(ctx, "other")
		require.NoError(t, err)
		assert.Equal(t, 0, other.Len())
	})

	t.Run("保留字段原始类型", func(t *testing.T) {
		f := newFeed(t)
		ctx := context.Background()

		id, err := f.Push(ctx, "messages", domain.Fields{
			domain.FieldText:      domain.String("legacy"),
			domain.FieldTimestamp: domain.String("2023-01-05T10:00:00Z"),
			domain.FieldTS:        domain.Number(1700000000000),
		})
		require.NoError(t, err)

		rec, err := f.Get(ctx, "messages", id)
		require.NoError(t, err)
		s, ok := rec.Get(domain.FieldTimestamp).AsString()
		assert.True(t, ok)
		assert.Equal(t, "2023-01-05T10:00:00Z", s)
		n, ok := rec.Get(domain.FieldTS).AsNumber()
		assert.True(t, ok)
		assert.Equal(t, float64(1700000000000), n)
		assert.Equal(t, domain.KindNull, rec.Get(domain.FieldDeleted).Kind())
	})

	t.Run("Update只合并给定字段", func(t *testing.T) {
		f := newFeed(t)
		ctx := context.Background()

		id, err := f.Push(ctx, "messages", domain.NewMessageFields("bye", "jane", "u1", "2024-05-01"))
		require.NoError(t, err)

		require.NoError(t, f.Update(ctx, "messages", id, domain.SoftDeletePatch()))

		rec, err := f.Get(ctx, "messages", id)
		require.NoError(t, err)
		assert.True(t, rec.IsDeleted())
		assert.Equal(t, "bye", rec.StringField(domain.FieldText))
		assert.Equal(t, "jane", rec.StringField(domain.FieldUser))

		snap, err := f.Snapshot(ctx, "messages")
		require.NoError(t, err)
		assert.Equal(t, 1, snap.Len())
	})

	t.Run("Update不存在的记录", func(t *testing.T) {
		f := newFeed(t)
		err := f.Update(context.Background(), "messages", "missing", domain.SoftDeletePatch())
		assert.True(t, errors.Is(err, storage.ErrRecordNotFound))

		_, err = f.Get(context.Background(), "messages", "missing")
		assert.True(t, errors.Is(err, storage.ErrRecordNotFound))
	})

	t.Run("订阅先投递当前快照再投递变更", func(t *testing.T) {
		f := newFeed(t)
		ctx, cancelCtx := context.WithCancel(context.Background())
		defer cancelCtx()

		_, err := f.Push(ctx, "messages", domain.Fields{domain.FieldText: domain.String("first")})
		require.NoError(t, err)

		snaps := make(chan *domain.Snapshot, 16)
		cancel, err := f.Subscribe(ctx, "messages", func(s *domain.Snapshot) { snaps <- s })
		require.NoError(t, err)
		defer cancel()

		initial := waitSnapshot(t, snaps, func(s *domain.Snapshot) bool { return s.Len() == 1 })
		assert.Equal(t, "first", initial.Records[0].StringField(domain.FieldText))

		id, err := f.Push(ctx, "messages", domain.Fields{domain.FieldText: domain.String("second")})
		require.NoError(t, err)
		afterPush := waitSnapshot(t, snaps, func(s *domain.Snapshot) bool { return s.Len() == 2 })
		assert.Equal(t, id, afterPush.Records[1].ID)
		assert.Greater(t, afterPush.Version, initial.Version)

		require.NoError(t, f.Update(ctx, "messages", id, domain.SoftDeletePatch()))
		afterUpdate := waitSnapshot(t, snaps, func(s *domain.Snapshot) bool {
			rec, ok := s.Find(id)
			return ok && rec.IsDeleted()
		})
		assert.Equal(t, 2, afterUpdate.Len())
	})
}

// RunUserTests 对 UserRepository 实现运行通用行为测试
func RunUserTests(t *testing.T, newRepo func(t *testing.T) storage.UserRepository) {
	t.Run("创建并查询用户", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		user := &domain.User{ID: "user-1", Email: "Jane.Doe@Example.com", PasswordHash: "hash", IsActive: true}
		require.NoError(t, repo.CreateUser(ctx, user))

		byID, err := repo.GetUserByID(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "jane.doe@example.com", byID.Email)
		assert.Equal(t, "hash", byID.PasswordHash)
		assert.False(t, byID.CreatedAt.IsZero())

		byEmail, err := repo.GetUserByEmail(ctx, "JANE.DOE@example.com")
		require.NoError(t, err)
		assert.Equal(t, "user-1", byEmail.ID)
	})

	t.Run("重复邮箱失败", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: "a", Email: "dup@example.com", IsActive: true}))
		err := repo.CreateUser(ctx, &domain.User{ID: "b", Email: "dup@example.com", IsActive: true})
		assert.True(t, errors.Is(err, storage.ErrEmailExists))
	})

	t.Run("用户不存在", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetUserByEmail(context.Background(), "nobody@example.com")
		assert.True(t, errors.Is(err, storage.ErrUserNotFound))
		_, err = repo.GetUserByID(context.Background(), "nobody")
		assert.True(t, errors.Is(err, storage.ErrUserNotFound))
	})

	t.Run("更新最后登录时间", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		require.NoError(t, repo.CreateUser(ctx, &domain.User{ID: "user-2", Email: "x@example.com", IsActive: true}))
		require.NoError(t, repo.UpdateLastLogin(ctx, "user-2"))

		user, err := repo.GetUserByID(ctx, "user-2")
		require.NoError(t, err)
		require.NotNil(t, user.LastLoginAt)
	})
}

// RunBlacklistTests 对 JWTRepository 实现运行通用行为测试
func RunBlacklistTests(t *testing.T, newRepo func(t *testing.T) storage.JWTRepository) {
	repo := newRepo(t)
	ctx := context.Background()

	blacklisted, err := repo.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, blacklisted)

	require.NoError(t, repo.AddToBlacklist(ctx, "jti-1", time.Hour))
	blacklisted, err = repo.IsBlacklisted(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func waitSnapshot(t *testing.T, ch <-chan *domain.Snapshot, match func(*domain.Snapshot) bool) *domain.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-ch:
			if match(s) {
				return s
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching snapshot")
			return nil
		}
	}
}
