package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
)

// NewMailChannel 是新邮件通知的发布频道
const NewMailChannel = "tempmail:new-mail"

// Cache Redis 缓存与新邮件发布订阅
type Cache struct {
	client *goredis.Client
	log    *zap.Logger
}

// New 连接 Redis 并创建缓存实例
func New(cfg config.RedisConfig, log *zap.Logger) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info("connected to redis", zap.String("address", cfg.Address), zap.Int("db", cfg.DB))
	return NewWithClient(client, log), nil
}

// NewWithClient 使用已有客户端创建缓存实例
func NewWithClient(client *goredis.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{client: client, log: log}
}

func mailboxKey(id string) string {
	return fmt.Sprintf("mailbox:%s", id)
}

// ========== 邮箱缓存 ==========

// CacheMailbox 缓存邮箱信息
func (c *Cache) CacheMailbox(ctx context.Context, mailbox *domain.Mailbox, ttl time.Duration) error {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, mailboxKey(mailbox.ID), data, ttl).Err()
}

// CacheMailboxIfAbsent 仅在缓存中没有该邮箱时写入，返回是否写入
func (c *Cache) CacheMailboxIfAbsent(ctx context.Context, mailbox *domain.Mailbox, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(mailbox)
	if err != nil {
		return false, err
	}
	return c.client.SetNX(ctx, mailboxKey(mailbox.ID), data, ttl).Result()
}

// GetCachedMailbox 获取缓存的邮箱信息，未命中时返回 false
func (c *Cache) GetCachedMailbox(ctx context.Context, id string) (*domain.Mailbox, bool, error) {
	data, err := c.client.Get(ctx, mailboxKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var mailbox domain.Mailbox
	if err := json.Unmarshal(data, &mailbox); err != nil {
		return nil, false, err
	}
	return &mailbox, true, nil
}

// DeleteCachedMailbox 删除邮箱缓存
func (c *Cache) DeleteCachedMailbox(ctx context.Context, id string) error {
	return c.client.Del(ctx, mailboxKey(id)).Err()
}

// ========== 新邮件通知 ==========

// PublishNewMail 发布新邮件通知
func (c *Cache) PublishNewMail(ctx context.Context, message *domain.Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, NewMailChannel, data).Err()
}

// NotifyNewMail 实现 service.Notifier，多实例部署时经 Redis 转发
func (c *Cache) NotifyNewMail(ctx context.Context, message *domain.Message) error {
	return c.PublishNewMail(ctx, message)
}

// Subscription 是新邮件频道的订阅
type Subscription struct {
	pubsub *goredis.PubSub
	log    *zap.Logger
}

// SubscribeNewMail 订阅新邮件频道，返回时订阅已经生效
func (c *Cache) SubscribeNewMail(ctx context.Context) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, NewMailChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", NewMailChannel, err)
	}
	return &Subscription{pubsub: pubsub, log: c.log}, nil
}

// Run 把收到的每封邮件交给 handler，直到 ctx 结束或订阅关闭
func (s *Subscription) Run(ctx context.Context, handler func(domain.Message)) error {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg domain.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.log.Warn("drop malformed new-mail payload", zap.Error(err))
				continue
			}
			handler(msg)
		}
	}
}

// Close 取消订阅
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Ping 测试 Redis 连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
