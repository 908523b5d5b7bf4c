package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/engine/internal/domain"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	cache := NewWithClient(client, zap.NewNop())
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func TestCache_Mailbox(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	mb := &domain.Mailbox{
		ID:        "ab12cd34ef56ab78",
		Address:   "ab12cd34ef56ab78@temp.mail",
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}

	t.Run("未命中", func(t *testing.T) {
		got, ok, err := cache.GetCachedMailbox(ctx, mb.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("写入后命中并带 TTL", func(t *testing.T) {
		require.NoError(t, cache.CacheMailbox(ctx, mb, time.Minute))

		got, ok, err := cache.GetCachedMailbox(ctx, mb.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, mb.Address, got.Address)
		assert.True(t, mb.ExpiresAt.Equal(got.ExpiresAt))
		assert.Equal(t, time.Minute, mr.TTL("mailbox:"+mb.ID))
	})

	t.Run("过期后失效", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)
		_, ok, err := cache.GetCachedMailbox(ctx, mb.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("已有缓存时不覆盖", func(t *testing.T) {
		require.NoError(t, cache.CacheMailbox(ctx, mb, time.Minute))

		stale := *mb
		stale.ExpiresAt = mb.ExpiresAt.Add(-time.Hour)
		written, err := cache.CacheMailboxIfAbsent(ctx, &stale, time.Minute)
		require.NoError(t, err)
		assert.False(t, written)

		got, ok, err := cache.GetCachedMailbox(ctx, mb.ID)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mb.ExpiresAt.Equal(got.ExpiresAt))

		require.NoError(t, cache.DeleteCachedMailbox(ctx, mb.ID))
		written, err = cache.CacheMailboxIfAbsent(ctx, &stale, time.Minute)
		require.NoError(t, err)
		assert.True(t, written)
	})

	t.Run("删除", func(t *testing.T) {
		require.NoError(t, cache.CacheMailbox(ctx, mb, time.Minute))
		require.NoError(t, cache.DeleteCachedMailbox(ctx, mb.ID))
		_, ok, err := cache.GetCachedMailbox(ctx, mb.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCache_NewMailPubSub(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cache, _ := newTestCache(t)

	sub, err := cache.SubscribeNewMail(ctx)
	require.NoError(t, err)
	defer sub.Close()

	received := make(chan domain.Message, 1)
	go func() {
		_ = sub.Run(ctx, func(msg domain.Message) { received <- msg })
	}()

	require.NoError(t, cache.PublishNewMail(ctx, &domain.Message{ID: "m1", MailboxID: "box", Subject: "hello"}))

	select {
	case msg := <-received:
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "box", msg.MailboxID)
		assert.Equal(t, "hello", msg.Subject)
	case <-ctx.Done():
		t.Fatal("new mail notification not received")
	}
}

func TestCache_Ping(t *testing.T) {
	cache, mr := newTestCache(t)
	require.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}
