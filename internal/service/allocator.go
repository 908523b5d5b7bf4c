package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/storage"
)

// MailboxService 负责地址分配与过期策略。
type MailboxService struct {
	repo        storage.MailboxRepository
	clock       clock.Clock
	domain      string
	ttl         time.Duration
	idBytes     int
	maxAttempts int
	random      io.Reader
	metrics     *monitoring.Metrics
	log         *zap.Logger
}

// NewMailboxService 创建邮箱业务服务。
func NewMailboxService(repo storage.MailboxRepository, cfg config.MailboxConfig, clk clock.Clock, log *zap.Logger) *MailboxService {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	idBytes := cfg.IDBytes
	if idBytes < 8 {
		idBytes = 8
	}
	attempts := cfg.MaxAllocateAttempts
	if attempts < 1 {
		attempts = 1
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &MailboxService{
		repo:        repo,
		clock:       clk,
		domain:      cfg.Domain,
		ttl:         ttl,
		idBytes:     idBytes,
		maxAttempts: attempts,
		random:      rand.Reader,
		log:         log,
	}
}

// SetMetrics 设置监控指标
func (s *MailboxService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// Now 返回服务使用的当前时间
func (s *MailboxService) Now() time.Time {
	return s.clock.Now()
}

// Allocate 生成随机 ID 并创建邮箱，ID 冲突时重新生成。
func (s *MailboxService) Allocate(ctx context.Context) (*domain.Mailbox, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return nil, fmt.Errorf("generate mailbox id: %w", err)
		}

		now := s.clock.Now()
		mailbox := &domain.Mailbox{
			ID:        id,
			Address:   domain.ComposeAddress(id, s.domain),
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}

		err = s.repo.CreateMailbox(ctx, mailbox)
		if err == nil {
			s.metrics.RecordMailboxAllocated()
			s.log.Debug("mailbox allocated", zap.String("address", mailbox.Address), zap.Int("attempt", attempt))
			return mailbox, nil
		}
		if !errors.Is(err, domain.ErrMailboxExists) {
			return nil, err
		}

		s.metrics.RecordAllocateConflict()
		s.log.Warn("mailbox id collision, retrying", zap.String("id", id), zap.Int("attempt", attempt))
	}

	s.log.Error("mailbox allocation exhausted retries", zap.Int("attempts", s.maxAttempts))
	return nil, fmt.Errorf("%w after %d attempts", domain.ErrAllocationExhausted, s.maxAttempts)
}

func (s *MailboxService) newID() (string, error) {
	buf := make([]byte, s.idBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
