// Package storagetest 提供所有 storage.Store 实现共用的契约测试。
package storagetest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/storage"
)

// Factory 为每个用例创建一个空的存储，存储必须使用传入的时钟分配 receivedAt。
type Factory func(t *testing.T, clk clock.Clock) storage.Store

// TestFunction 是单个契约用例的签名
type TestFunction func(t *testing.T, store storage.Store, clk *clock.Fake)

// Base 是契约用例使用的起始时间，取整到秒以兼容各数据库的时间精度。
var Base = time.Date(2030, 1, 15, 8, 0, 0, 0, time.UTC)

// Cases 是每个实现都要通过的用例
var Cases = map[string]TestFunction{
	"CreateAndGet":              testCreateAndGet,
	"CreateConflict":            testCreateConflict,
	"GetByAddressIgnoresDomain": testGetByAddressIgnoresDomain,
	"NotFound":                  testNotFound,
	"UpdateExpiry":              testUpdateExpiry,
	"AppendAndListNewestFirst":  testAppendAndListNewestFirst,
	"AppendIfValid":             testAppendIfValid,
	"AttachmentsPreserved":      testAttachmentsPreserved,
	"ConcurrentAppendOrdering":  testConcurrentAppendOrdering,
	"DeleteExpiredCascades":     testDeleteExpiredCascades,
	"ReturnedCopiesIsolated":    testReturnedCopiesIsolated,
	"Health":                    testHealth,
}

// Run 对 factory 创建的存储执行全部契约用例。
func Run(t *testing.T, factory Factory) {
	for name, fn := range Cases {
		fn := fn
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(Base)
			store := factory(t, clk)
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store, clk)
		})
	}
}

// NewMailbox 构造一个从 clk 当前时间起 ttl 后过期的邮箱。
func NewMailbox(clk clock.Clock, ttl time.Duration) *domain.Mailbox {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	now := clk.Now()
	return &domain.Mailbox{
		ID:        id,
		Address:   domain.ComposeAddress(id, "temp.mail"),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func mustCreate(t *testing.T, store storage.Store, mb *domain.Mailbox) {
	t.Helper()
	require.NoError(t, store.CreateMailbox(context.Background(), mb))
}

func assertSameTime(t *testing.T, want, got time.Time) {
	t.Helper()
	assert.WithinDuration(t, want, got, time.Microsecond)
}

func testCreateAndGet(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, 24*time.Hour)
	mustCreate(t, store, mb)

	got, err := store.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.Equal(t, mb.ID, got.ID)
	assert.Equal(t, mb.Address, got.Address)
	assertSameTime(t, mb.CreatedAt, got.CreatedAt)
	assertSameTime(t, mb.ExpiresAt, got.ExpiresAt)
}

func testCreateConflict(t *testing.T, store storage.Store, clk *clock.Fake) {
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)

	dup := *mb
	dup.Address = mb.ID + "@other.mail"
	err := store.CreateMailbox(context.Background(), &dup)
	assert.ErrorIs(t, err, domain.ErrMailboxExists)
}

func testGetByAddressIgnoresDomain(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)

	for _, address := range []string{mb.Address, mb.ID + "@elsewhere.org", strings.ToUpper(mb.ID) + "@TEMP.MAIL"} {
		got, err := store.GetMailboxByAddress(ctx, address)
		require.NoError(t, err, address)
		assert.Equal(t, mb.ID, got.ID)
	}
}

func testNotFound(t *testing.T, store storage.Store, _ *clock.Fake) {
	ctx := context.Background()

	_, err := store.GetMailbox(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	_, err = store.GetMailboxByAddress(ctx, "missing@temp.mail")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	_, err = store.AppendMessage(ctx, "missing", &domain.Message{Subject: "x"})
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	_, err = store.ListMessages(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	err = store.UpdateExpiry(ctx, "missing", Base)
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
}

func testUpdateExpiry(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, -time.Hour)
	mustCreate(t, store, mb)

	next := clk.Now().Add(24 * time.Hour)
	require.NoError(t, store.UpdateExpiry(ctx, mb.ID, next))

	got, err := store.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assertSameTime(t, next, got.ExpiresAt)
	assertSameTime(t, mb.CreatedAt, got.CreatedAt)
}

func testAppendAndListNewestFirst(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)

	// 时钟不动，两封邮件落在同一时刻
	first := &domain.Message{From: "a@example.com", Subject: "first", TextContent: "1"}
	id1, err := store.AppendMessage(ctx, mb.ID, first)
	require.NoError(t, err)
	assert.NotEmpty(t, id1)
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, mb.ID, first.MailboxID)

	second := &domain.Message{From: "b@example.com", Subject: "second"}
	id2, err := store.AppendMessage(ctx, mb.ID, second)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	list, err := store.ListMessages(ctx, mb.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, id2, list[0].ID)
	assert.Equal(t, id1, list[1].ID)
	assert.True(t, list[0].ReceivedAt.After(list[1].ReceivedAt))
	assert.Equal(t, "first", list[1].Subject)
	assert.Equal(t, "1", list[1].TextContent)
	assert.Nil(t, list[1].HTMLContent)
	assert.NotNil(t, list[1].Attachments)
}

func testAppendIfValid(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Minute)
	mustCreate(t, store, mb)

	_, err := store.AppendMessageIfValid(ctx, mb.ID, clk.Now(), &domain.Message{Subject: "ok"})
	require.NoError(t, err)

	_, err = store.AppendMessageIfValid(ctx, mb.ID, mb.ExpiresAt, &domain.Message{Subject: "late"})
	assert.ErrorIs(t, err, domain.ErrMailboxExpired)

	_, err = store.AppendMessageIfValid(ctx, "missing", clk.Now(), &domain.Message{Subject: "x"})
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	list, err := store.ListMessages(ctx, mb.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Subject)
}

func testAttachmentsPreserved(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)

	html := "<p>hello</p>"
	raw := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	msg := &domain.Message{
		From:        "sender@example.com",
		Subject:     "files",
		TextContent: "hello",
		HTMLContent: &html,
		Attachments: []domain.Attachment{
			domain.NewAttachment("pic.png", "image/png", raw),
			domain.NewAttachment("notes.txt", "text/plain", []byte("notes")),
		},
	}
	_, err := store.AppendMessage(ctx, mb.ID, msg)
	require.NoError(t, err)

	list, err := store.ListMessages(ctx, mb.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	got := list[0]
	require.NotNil(t, got.HTMLContent)
	assert.Equal(t, html, *got.HTMLContent)
	require.Len(t, got.Attachments, 2)
	assert.Equal(t, "pic.png", got.Attachments[0].Filename)
	assert.Equal(t, "image/png", got.Attachments[0].ContentType)
	assert.Equal(t, int64(len(raw)), got.Attachments[0].SizeBytes)
	decoded, err := got.Attachments[0].Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, decoded)
	assert.Equal(t, "notes.txt", got.Attachments[1].Filename)
}

func testConcurrentAppendOrdering(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AppendMessage(ctx, mb.ID, &domain.Message{Subject: "concurrent"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	list, err := store.ListMessages(ctx, mb.ID)
	require.NoError(t, err)
	require.Len(t, list, n)

	seen := make(map[string]bool, n)
	for i, msg := range list {
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
		if i > 0 {
			assert.True(t, list[i-1].ReceivedAt.After(msg.ReceivedAt), "receivedAt must be strictly descending")
		}
	}
}

func testDeleteExpiredCascades(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	expired := NewMailbox(clk, -2*time.Hour)
	recent := NewMailbox(clk, -time.Minute)
	live := NewMailbox(clk, time.Hour)
	for _, mb := range []*domain.Mailbox{expired, recent, live} {
		mustCreate(t, store, mb)
		_, err := store.AppendMessage(ctx, mb.ID, &domain.Message{Subject: "x"})
		require.NoError(t, err)
	}

	count, err := store.DeleteExpiredMailboxes(ctx, clk.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = store.GetMailbox(ctx, expired.ID)
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)
	_, err = store.ListMessages(ctx, expired.ID)
	assert.ErrorIs(t, err, domain.ErrMailboxNotFound)

	for _, mb := range []*domain.Mailbox{recent, live} {
		list, err := store.ListMessages(ctx, mb.ID)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
}

func testReturnedCopiesIsolated(t *testing.T, store storage.Store, clk *clock.Fake) {
	ctx := context.Background()
	mb := NewMailbox(clk, time.Hour)
	mustCreate(t, store, mb)
	mb.Address = "mutated@temp.mail"

	got, err := store.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated@temp.mail", got.Address)

	got.ExpiresAt = Base.Add(-time.Hour)
	again, err := store.GetMailbox(ctx, mb.ID)
	require.NoError(t, err)
	assert.True(t, again.ValidAt(clk.Now()))
}

func testHealth(t *testing.T, store storage.Store, _ *clock.Fake) {
	assert.NoError(t, store.Health(context.Background()))
}
