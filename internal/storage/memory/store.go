package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/domain"
)

// Store 使用内存保存邮箱与邮件数据，单进程部署和测试使用。
//
// 所有写操作在同一把写锁内完成，满足单条记录的原子性。
type Store struct {
	mu        sync.RWMutex
	mailboxes map[string]*domain.Mailbox
	messages  map[string][]*domain.Message // mailboxID -> 按追加顺序排列
	clock     clock.Clock
	closed    bool
}

// NewStore 创建一个内存存储实例。
func NewStore(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		mailboxes: make(map[string]*domain.Mailbox),
		messages:  make(map[string][]*domain.Message),
		clock:     clk,
	}
}

// CreateMailbox 保存新邮箱。
func (s *Store) CreateMailbox(_ context.Context, mailbox *domain.Mailbox) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[mailbox.ID]; ok {
		return domain.ErrMailboxExists
	}
	cp := *mailbox
	s.mailboxes[mailbox.ID] = &cp
	return nil
}

// GetMailbox 根据 ID 获取邮箱，过期的邮箱同样返回。
func (s *Store) GetMailbox(_ context.Context, id string) (*domain.Mailbox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return nil, domain.ErrMailboxNotFound
	}
	cp := *mailbox
	return &cp, nil
}

// GetMailboxByAddress 根据地址的本地部分获取邮箱。
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	return s.GetMailbox(ctx, domain.LocalPart(address))
}

// UpdateExpiry 更新邮箱过期时间。
func (s *Store) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[id]
	if !ok {
		return domain.ErrMailboxNotFound
	}
	mailbox.ExpiresAt = expiresAt
	return nil
}

// AppendMessage 追加邮件。
func (s *Store) AppendMessage(_ context.Context, mailboxID string, message *domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return "", domain.ErrMailboxNotFound
	}
	return s.appendLocked(mailboxID, message), nil
}

// AppendMessageIfValid 在写锁内复核有效期后追加邮件。
func (s *Store) AppendMessageIfValid(_ context.Context, mailboxID string, now time.Time, message *domain.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mailbox, ok := s.mailboxes[mailboxID]
	if !ok {
		return "", domain.ErrMailboxNotFound
	}
	if !mailbox.ValidAt(now) {
		return "", domain.ErrMailboxExpired
	}
	return s.appendLocked(mailboxID, message), nil
}

// appendLocked 分配 ID 与 receivedAt。同一邮箱内 receivedAt 严格递增，
// 时钟相同或回拨时在上一封的基础上加 1ns。
func (s *Store) appendLocked(mailboxID string, message *domain.Message) string {
	receivedAt := s.clock.Now()
	list := s.messages[mailboxID]
	if n := len(list); n > 0 {
		if last := list[n-1].ReceivedAt; !receivedAt.After(last) {
			receivedAt = last.Add(time.Nanosecond)
		}
	}

	message.ID = uuid.NewString()
	message.MailboxID = mailboxID
	message.ReceivedAt = receivedAt
	if message.Attachments == nil {
		message.Attachments = []domain.Attachment{}
	}

	s.messages[mailboxID] = append(list, message.Clone())
	return message.ID
}

// ListMessages 返回邮箱内的邮件，最新的在前。
func (s *Store) ListMessages(_ context.Context, mailboxID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.mailboxes[mailboxID]; !ok {
		return nil, domain.ErrMailboxNotFound
	}

	list := s.messages[mailboxID]
	out := make([]domain.Message, 0, len(list))
	for _, msg := range list {
		out = append(out, *msg.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

// DeleteExpiredMailboxes 删除 expiresAt 早于 before 的邮箱及其邮件。
func (s *Store) DeleteExpiredMailboxes(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, mailbox := range s.mailboxes {
		if mailbox.ExpiresAt.Before(before) {
			delete(s.mailboxes, id)
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}

// Close 释放数据。关闭后的存储在 Health 中报告不可用。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.mailboxes = make(map[string]*domain.Mailbox)
	s.messages = make(map[string][]*domain.Message)
	return nil
}

// Health 健康检查。
func (s *Store) Health(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return domain.ErrStoreUnavailable
	}
	return nil
}
