package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"tempmail/engine/internal/domain"
)

// IsValid 判断邮箱当前是否可用（now < expiresAt）。
func (s *MailboxService) IsValid(mailbox *domain.Mailbox) bool {
	return mailbox.ValidAt(s.clock.Now())
}

// Extend 把过期时间重置为 now + ttl。
//
// 续期不叠加原有效期，已过期的邮箱同样可以续期。
func (s *MailboxService) Extend(ctx context.Context, id string) (time.Time, error) {
	expiresAt := s.clock.Now().Add(s.ttl)
	if err := s.repo.UpdateExpiry(ctx, id, expiresAt); err != nil {
		return time.Time{}, err
	}

	s.metrics.RecordMailboxExtended()
	s.log.Debug("mailbox extended", zap.String("id", id), zap.Time("expires_at", expiresAt))
	return expiresAt, nil
}

// ExtendByAddress 按地址的本地部分续期
func (s *MailboxService) ExtendByAddress(ctx context.Context, address string) (time.Time, error) {
	return s.Extend(ctx, domain.LocalPart(address))
}

// CheckByAddress 返回地址对应邮箱的三态状态。
//
// 只按本地部分查找，不校验域名。error 只在存储不可用时返回。
func (s *MailboxService) CheckByAddress(ctx context.Context, address string) (domain.MailboxStatus, *domain.Mailbox, error) {
	mailbox, err := s.repo.GetMailboxByAddress(ctx, address)
	if err != nil {
		if errors.Is(err, domain.ErrMailboxNotFound) {
			return domain.StatusNotFound, nil, nil
		}
		return "", nil, err
	}
	if !s.IsValid(mailbox) {
		return domain.StatusExpired, mailbox, nil
	}
	return domain.StatusValid, mailbox, nil
}

// Resolve 是投递时的有效期判断：返回可用邮箱，
// 否则返回 domain.ErrMailboxNotFound 或 domain.ErrMailboxExpired。
func (s *MailboxService) Resolve(ctx context.Context, address string) (*domain.Mailbox, error) {
	mailbox, err := s.repo.GetMailboxByAddress(ctx, address)
	if err != nil {
		return nil, err
	}
	if !s.IsValid(mailbox) {
		return nil, domain.ErrMailboxExpired
	}
	return mailbox, nil
}
