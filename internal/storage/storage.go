// Package storage 定义邮箱引擎的持久化契约，具体实现位于子包中。
package storage

import (
	"context"
	"time"

	"tempmail/engine/internal/domain"
)

// MailboxRepository 定义邮箱数据存取操作。
//
// 查找失败返回 domain.ErrMailboxNotFound，底层 I/O 错误包装为 domain.ErrStoreUnavailable。
type MailboxRepository interface {
	// CreateMailbox 插入新邮箱，ID 已存在时返回 domain.ErrMailboxExists。
	CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error
	GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error)
	// GetMailboxByAddress 只按本地部分查找，域名不参与匹配。
	GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteExpiredMailboxes 删除 expiresAt < before 的邮箱及其邮件，返回删除的邮箱数。
	DeleteExpiredMailboxes(ctx context.Context, before time.Time) (int, error)
}

// MessageRepository 定义邮件数据存取操作。
type MessageRepository interface {
	// AppendMessage 追加邮件并分配 ID 与 receivedAt，不检查有效期。
	AppendMessage(ctx context.Context, mailboxID string, message *domain.Message) (string, error)
	// AppendMessageIfValid 在同一把锁内复核 now < expiresAt 后追加，
	// 不满足时返回 domain.ErrMailboxExpired。
	AppendMessageIfValid(ctx context.Context, mailboxID string, now time.Time, message *domain.Message) (string, error)
	// ListMessages 按 receivedAt 倒序返回邮件。
	ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error)
}

// Store 定义完整的存储接口。
type Store interface {
	MailboxRepository
	MessageRepository

	Close() error
	Health(ctx context.Context) error
}
