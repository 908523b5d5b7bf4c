package hybrid

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/storage"
	"tempmail/engine/internal/storage/redis"
)

// Store 混合存储：主存储负责持久化，Redis 缓存邮箱记录
//
// 缓存时长不超过邮箱剩余有效期，过期邮箱永远从主存储读取。
// 读路径只在缓存缺失时回填 (SETNX)，续期时把主存储的新记录直接写入缓存，
// 因此与续期并发的读取无法用旧记录覆盖新记录。
// 按地址的查找是投递时的有效期判断，不走缓存。
type Store struct {
	primary storage.Store
	cache   *redis.Cache
	ttl     time.Duration
	clock   clock.Clock
	log     *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(primary storage.Store, cache *redis.Cache, ttl time.Duration, clk clock.Clock, log *zap.Logger) *Store {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{primary: primary, cache: cache, ttl: ttl, clock: clk, log: log}
}

// ========== Mailbox Repository ==========

// CreateMailbox 写入主存储后缓存
func (s *Store) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	if err := s.primary.CreateMailbox(ctx, mailbox); err != nil {
		return err
	}
	s.remember(ctx, mailbox)
	return nil
}

// GetMailbox 先查缓存，未命中再查主存储
func (s *Store) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	if mailbox, ok, err := s.cache.GetCachedMailbox(ctx, id); err == nil && ok {
		return mailbox, nil
	} else if err != nil {
		s.log.Warn("mailbox cache read failed", zap.String("mailbox_id", id), zap.Error(err))
	}

	mailbox, err := s.primary.GetMailbox(ctx, id)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, mailbox)
	return mailbox, nil
}

// GetMailboxByAddress 直接查主存储
func (s *Store) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	return s.primary.GetMailboxByAddress(ctx, address)
}

// UpdateExpiry 更新主存储并用新记录覆盖缓存，覆盖失败时删除缓存
func (s *Store) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	if err := s.primary.UpdateExpiry(ctx, id, expiresAt); err != nil {
		return err
	}

	mailbox, err := s.primary.GetMailbox(ctx, id)
	if err == nil {
		if ttl := s.cacheTTL(mailbox); ttl > 0 {
			if err = s.cache.CacheMailbox(ctx, mailbox, ttl); err == nil {
				return nil
			}
		}
	}
	if err != nil {
		s.log.Warn("mailbox cache refresh failed", zap.String("mailbox_id", id), zap.Error(err))
	}
	if err := s.cache.DeleteCachedMailbox(ctx, id); err != nil {
		s.log.Warn("mailbox cache invalidation failed", zap.String("mailbox_id", id), zap.Error(err))
	}
	return nil
}

// DeleteExpiredMailboxes 只清理主存储。被清理的邮箱早已过期，不会留在缓存里。
func (s *Store) DeleteExpiredMailboxes(ctx context.Context, before time.Time) (int, error) {
	return s.primary.DeleteExpiredMailboxes(ctx, before)
}

// remember 在缓存缺失时按 cacheTTL 回填邮箱
func (s *Store) remember(ctx context.Context, mailbox *domain.Mailbox) {
	ttl := s.cacheTTL(mailbox)
	if ttl <= 0 {
		return
	}
	if _, err := s.cache.CacheMailboxIfAbsent(ctx, mailbox, ttl); err != nil {
		s.log.Warn("mailbox cache write failed", zap.String("mailbox_id", mailbox.ID), zap.Error(err))
	}
}

// cacheTTL 返回 min(ttl, 剩余有效期)
func (s *Store) cacheTTL(mailbox *domain.Mailbox) time.Duration {
	ttl := s.ttl
	if remaining := mailbox.ExpiresAt.Sub(s.clock.Now()); remaining < ttl {
		ttl = remaining
	}
	return ttl
}

// ========== Message Repository ==========

// AppendMessage 追加邮件
func (s *Store) AppendMessage(ctx context.Context, mailboxID string, message *domain.Message) (string, error) {
	return s.primary.AppendMessage(ctx, mailboxID, message)
}

// AppendMessageIfValid 条件追加邮件
func (s *Store) AppendMessageIfValid(ctx context.Context, mailboxID string, now time.Time, message *domain.Message) (string, error) {
	return s.primary.AppendMessageIfValid(ctx, mailboxID, now, message)
}

// ListMessages 列出邮件
func (s *Store) ListMessages(ctx context.Context, mailboxID string) ([]domain.Message, error) {
	return s.primary.ListMessages(ctx, mailboxID)
}

// ========== 工具方法 ==========

// Close 关闭主存储与 Redis
func (s *Store) Close() error {
	return errors.Join(s.primary.Close(), s.cache.Close())
}

// Health 主存储与 Redis 都可用才算健康
func (s *Store) Health(ctx context.Context) error {
	if err := s.primary.Health(ctx); err != nil {
		return err
	}
	if err := s.cache.Ping(ctx); err != nil {
		return errors.Join(domain.ErrStoreUnavailable, err)
	}
	return nil
}
