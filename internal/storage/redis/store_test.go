package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/backend/internal/domain"
	"chatroom/backend/internal/storage"
	"chatroom/backend/internal/storage/storagetest"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return Wrap(rdb, nil), mr
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	c, _ := newTestClient(t)
	store := NewStore(c)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_Feed(t *testing.T) {
	storagetest.RunFeedTests(t, func(t *testing.T) storage.Feed {
		return newTestStore(t)
	})
}

func TestRedisStore_Users(t *testing.T) {
	storagetest.RunUserTests(t, func(t *testing.T) storage.UserRepository {
		return newTestStore(t)
	})
}

func TestRedisStore_Blacklist(t *testing.T) {
	storagetest.RunBlacklistTests(t, func(t *testing.T) storage.JWTRepository {
		return newTestStore(t)
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewStore(c)
	defer store.Close()
	ctx := context.Background()

	id, err := store.Push(ctx, "messages", domain.Fields{domain.FieldText: domain.String("hi")})
	require.NoError(t, err)

	assert.True(t, mr.Exists("feed:messages:records"))
	order, err := mr.List("feed:messages:order")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, order)
	version, err := mr.Get("feed:messages:version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
}

func TestRedisStore_ServerTimestampUsesRedisClock(t *testing.T) {
	c, mr := newTestClient(t)
	store := NewStore(c)
	defer store.Close()

	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(fixed)

	id, err := store.Push(context.Background(), "messages", domain.NewMessageFields("hi", "jane", "u1", "2024-05-01"))
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "messages", id)
	require.NoError(t, err)
	ts, ok := rec.Get(domain.FieldTimestamp).AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(fixed.UnixMilli()), ts)
}

func TestRedisStore_CrossInstanceNotification(t *testing.T) {
	c, mr := newTestClient(t)
	reader := NewStore(c)
	defer reader.Close()

	// 第二个实例连接同一个 Redis
	writer := NewStore(Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), nil))
	defer writer.Close()

	ctx := context.Background()
	snaps := make(chan *domain.Snapshot, 8)
	cancel, err := reader.Subscribe(ctx, "messages", func(s *domain.Snapshot) { snaps <- s })
	require.NoError(t, err)
	defer cancel()

	select {
	case s := <-snaps:
		assert.Equal(t, 0, s.Len())
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	_, err = writer.Push(ctx, "messages", domain.Fields{domain.FieldText: domain.String("from elsewhere")})
	require.NoError(t, err)

	select {
	case s := <-snaps:
		require.Equal(t, 1, s.Len())
		assert.Equal(t, "from elsewhere", s.Records[0].StringField(domain.FieldText))
	case <-time.After(3 * time.Second):
		t.Fatal("change from another instance was not delivered")
	}
}

func TestCache_SnapshotRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	cache := NewCache(c)
	ctx := context.Background()

	_, err := cache.GetCachedSnapshot(ctx, "messages")
	assert.ErrorIs(t, err, ErrCacheMiss)

	snap := &domain.Snapshot{
		Collection: "messages",
		Version:    7,
		Records: []domain.Record{
			{ID: "a", Fields: domain.Fields{
				domain.FieldText:      domain.String("hello"),
				domain.FieldTimestamp: domain.Number(1714564800000),
				domain.FieldDeleted:   domain.Bool(true),
			}},
			{ID: "b", Fields: domain.Fields{domain.FieldTimestamp: domain.String("2024-05-01")}},
		},
	}
	require.NoError(t, cache.CacheSnapshot(ctx, snap, time.Minute))

	got, err := cache.GetCachedSnapshot(ctx, "messages")
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.Version)
	require.Equal(t, 2, got.Len())
	assert.Equal(t, "a", got.Records[0].ID)
	assert.True(t, got.Records[0].IsDeleted())
	ts, ok := got.Records[1].Get(domain.FieldTimestamp).AsString()
	assert.True(t, ok)
	assert.Equal(t, "2024-05-01", ts)

	require.NoError(t, cache.DeleteCachedSnapshot(ctx, "messages"))
	_, err = cache.GetCachedSnapshot(ctx, "messages")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestCache_RateLimit(t *testing.T) {
	c, mr := newTestClient(t)
	cache := NewCache(c)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, err := cache.IncrementRateLimit(ctx, "login:1.2.3.4", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	count, err := cache.GetRateLimit(ctx, "login:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	mr.FastForward(2 * time.Minute)
	count, err = cache.GetRateLimit(ctx, "login:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestCollectionFromChannel(t *testing.T) {
	c, ok := collectionFromChannel(ChangedChannel("messages"))
	assert.True(t, ok)
	assert.Equal(t, "messages", c)

	_, ok = collectionFromChannel("feed::changed")
	assert.False(t, ok)
	_, ok = collectionFromChannel("other:messages:changed")
	assert.False(t, ok)
}
