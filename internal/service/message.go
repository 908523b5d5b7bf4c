package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/storage"
)

// Notifier 接收新邮件通知，失败不影响投递结果。
type Notifier interface {
	NotifyNewMail(ctx context.Context, message *domain.Message) error
}

// MessageService 负责邮件投递与查询。
type MessageService struct {
	repo       storage.MessageRepository
	mailboxes  *MailboxService
	strictGate bool
	notifier   Notifier
	metrics    *monitoring.Metrics
	log        *zap.Logger
}

// NewMessageService 创建邮件业务服务。
//
// strictGate 为 true 时在存储层的同一把锁内复核有效期，
// 否则只依赖投递前的一次有效期查询。
func NewMessageService(repo storage.MessageRepository, mailboxes *MailboxService, strictGate bool, log *zap.Logger) *MessageService {
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageService{repo: repo, mailboxes: mailboxes, strictGate: strictGate, log: log}
}

// SetNotifier 设置新邮件通知
func (s *MessageService) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetMetrics 设置监控指标
func (s *MessageService) SetMetrics(m *monitoring.Metrics) {
	s.metrics = m
}

// DeliverInput 是一封已解析邮件的投递请求。
type DeliverInput struct {
	To          string
	From        string
	Subject     string
	Text        string
	HTML        *string
	Attachments []domain.Attachment
}

// Deliver 把邮件投递到 To 对应的邮箱，仅当邮箱当前有效。
func (s *MessageService) Deliver(ctx context.Context, in DeliverInput) (*domain.Message, error) {
	mailbox, err := s.mailboxes.Resolve(ctx, in.To)
	if err != nil {
		s.metrics.RecordMessageRejected(rejectReason(err))
		return nil, err
	}

	message := &domain.Message{
		From:        in.From,
		Subject:     in.Subject,
		TextContent: in.Text,
		HTMLContent: in.HTML,
		Attachments: in.Attachments,
	}
	if message.From == "" {
		message.From = domain.UnknownSender
	}
	if message.Subject == "" {
		message.Subject = domain.NoSubject
	}
	if message.Attachments == nil {
		message.Attachments = []domain.Attachment{}
	}

	if s.strictGate {
		_, err = s.repo.AppendMessageIfValid(ctx, mailbox.ID, s.mailboxes.Now(), message)
	} else {
		_, err = s.repo.AppendMessage(ctx, mailbox.ID, message)
	}
	if err != nil {
		s.metrics.RecordMessageRejected(rejectReason(err))
		return nil, err
	}

	sizes := make([]int64, 0, len(message.Attachments))
	for _, a := range message.Attachments {
		sizes = append(sizes, a.SizeBytes)
	}
	s.metrics.RecordMessageAccepted(sizes...)

	if s.notifier != nil {
		if err := s.notifier.NotifyNewMail(ctx, message); err != nil {
			s.log.Warn("new mail notification failed", zap.String("mailbox_id", mailbox.ID), zap.Error(err))
		}
	}
	return message, nil
}

// List 列出地址对应邮箱的邮件，最新的在前。过期邮箱的邮件仍可查看。
func (s *MessageService) List(ctx context.Context, address string) ([]domain.Message, error) {
	return s.repo.ListMessages(ctx, domain.LocalPart(address))
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMailboxNotFound):
		return monitoring.RejectNotFound
	case errors.Is(err, domain.ErrMailboxExpired):
		return monitoring.RejectExpired
	default:
		return monitoring.RejectStore
	}
}
