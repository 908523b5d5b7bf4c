package service

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/storage/memory"
)

var testStart = time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)

func testMailboxConfig() config.MailboxConfig {
	return config.MailboxConfig{
		Domain:              "temp.mail",
		TTL:                 24 * time.Hour,
		IDBytes:             8,
		MaxAllocateAttempts: 3,
		StrictGate:          true,
	}
}

func TestMailboxService_Allocate(t *testing.T) {
	ctx := context.Background()

	t.Run("生成 16 位十六进制 ID 与 24 小时有效期", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		svc := NewMailboxService(memory.NewStore(clk), testMailboxConfig(), clk, nil)

		mb, err := svc.Allocate(ctx)
		require.NoError(t, err)

		assert.Len(t, mb.ID, 16)
		assert.Regexp(t, "^[0-9a-f]{16}$", mb.ID)
		assert.Equal(t, mb.ID+"@temp.mail", mb.Address)
		assert.Equal(t, testStart, mb.CreatedAt)
		assert.Equal(t, testStart.Add(24*time.Hour), mb.ExpiresAt)
	})

	t.Run("分配后立即有效，到期时刻起无效", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		svc := NewMailboxService(memory.NewStore(clk), testMailboxConfig(), clk, nil)

		mb, err := svc.Allocate(ctx)
		require.NoError(t, err)
		assert.True(t, svc.IsValid(mb))

		clk.Set(mb.ExpiresAt.Add(-time.Nanosecond))
		assert.True(t, svc.IsValid(mb))

		clk.Set(mb.ExpiresAt)
		assert.False(t, svc.IsValid(mb))

		clk.Advance(time.Hour)
		assert.False(t, svc.IsValid(mb))
	})

	t.Run("并发分配不会产生重复 ID", func(t *testing.T) {
		svc := NewMailboxService(memory.NewStore(nil), testMailboxConfig(), nil, nil)

		const n = 200
		var mu sync.Mutex
		ids := make(map[string]struct{}, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				mb, err := svc.Allocate(ctx)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids[mb.ID] = struct{}{}
				mu.Unlock()
			}()
		}
		wg.Wait()
		assert.Len(t, ids, n)
	})

	t.Run("ID 冲突时重试", func(t *testing.T) {
		clk := clock.NewFake(testStart)
		store := memory.NewStore(clk)
		svc := NewMailboxService(store, testMailboxConfig(), clk, nil)
		reg := prometheus.NewRegistry()
		metrics := monitoring.NewMetrics(reg)
		svc.SetMetrics(metrics)

		// 前两次读到相同的随机字节，第三次不同
		same := bytes.Repeat([]byte{0xab}, 8)
		other := bytes.Repeat([]byte{0xcd}, 8)
		svc.random = bytes.NewReader(append(append(append([]byte{}, same...), same...), other...))

		first, err := svc.Allocate(ctx)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("ab", 8), first.ID)

		second, err := svc.Allocate(ctx)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("cd", 8), second.ID)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AllocateConflicts))
		assert.Equal(t, 2.0, testutil.ToFloat64(metrics.MailboxesAllocated))
	})

	t.Run("重试耗尽返回配置错误", func(t *testing.T) {
		repo := new(MockMailboxRepository)
		repo.On("CreateMailbox", mock.Anything, mock.Anything).Return(domain.ErrMailboxExists)

		svc := NewMailboxService(repo, testMailboxConfig(), clock.NewFake(testStart), nil)
		_, err := svc.Allocate(ctx)

		assert.ErrorIs(t, err, domain.ErrAllocationExhausted)
		repo.AssertNumberOfCalls(t, "CreateMailbox", 3)
	})

	t.Run("存储错误不重试", func(t *testing.T) {
		repo := new(MockMailboxRepository)
		outage := errors.Join(domain.ErrStoreUnavailable, errors.New("dial tcp: refused"))
		repo.On("CreateMailbox", mock.Anything, mock.Anything).Return(outage)

		svc := NewMailboxService(repo, testMailboxConfig(), clock.NewFake(testStart), nil)
		_, err := svc.Allocate(ctx)

		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		repo.AssertNumberOfCalls(t, "CreateMailbox", 1)
	})

	t.Run("随机源失败", func(t *testing.T) {
		svc := NewMailboxService(memory.NewStore(nil), testMailboxConfig(), nil, nil)
		svc.random = bytes.NewReader([]byte{1, 2, 3})

		_, err := svc.Allocate(ctx)
		assert.Error(t, err)
	})
}
