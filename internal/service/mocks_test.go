package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"tempmail/engine/internal/domain"
)

// MockMailboxRepository 模拟邮箱存储
type MockMailboxRepository struct {
	mock.Mock
}

func (m *MockMailboxRepository) CreateMailbox(ctx context.Context, mailbox *domain.Mailbox) error {
	args := m.Called(ctx, mailbox)
	return args.Error(0)
}

func (m *MockMailboxRepository) GetMailbox(ctx context.Context, id string) (*domain.Mailbox, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Mailbox), args.Error(1)
}

func (m *MockMailboxRepository) GetMailboxByAddress(ctx context.Context, address string) (*domain.Mailbox, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Mailbox), args.Error(1)
}

func (m *MockMailboxRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	args := m.Called(ctx, id, expiresAt)
	return args.Error(0)
}

func (m *MockMailboxRepository) DeleteExpiredMailboxes(ctx context.Context, before time.Time) (int, error) {
	args := m.Called(ctx, before)
	return args.Int(0), args.Error(1)
}

// recordingNotifier 记录收到的通知
type recordingNotifier struct {
	messages []*domain.Message
	err      error
}

func (n *recordingNotifier) NotifyNewMail(_ context.Context, message *domain.Message) error {
	n.messages = append(n.messages, message)
	return n.err
}
