package smtp

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/service"
)

// 回复给发信方的错误只携带通用描述，内部细节只写日志。
var (
	errMailboxUnavailable = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "mailbox unavailable",
	}
	errMessageMalformed = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "message could not be parsed",
	}
	errLocalFailure = &gosmtp.SMTPError{
		Code:         554,
		EnhancedCode: gosmtp.EnhancedCode{5, 3, 0},
		Message:      "transaction failed",
	}
	errTransport = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 4, 2},
		Message:      "connection error",
	}
	errTooManyConnections = &gosmtp.SMTPError{
		Code:         421,
		EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
		Message:      "too many connections, try again later",
	}
	errInvalidRecipient = &gosmtp.SMTPError{
		Code:         501,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 3},
		Message:      "invalid recipient address",
	}
)

// Backend 实现 go-smtp 的 Backend 接口。
//
// 只接收邮件，不做中继。收件人在 DATA 结束后统一解析，
// 邮箱不存在或已过期时整笔事务以 550 拒收。
type Backend struct {
	messages *service.MessageService
	limiter  *ConnectionLimiter
	fanOut   bool
	timeout  time.Duration
	metrics  *monitoring.Metrics
	log      *zap.Logger

	// 每个连接最多占用一个限流名额
	slots sync.Map
}

// NewBackend 创建 SMTP Backend。
func NewBackend(messages *service.MessageService, cfg config.SMTPConfig, log *zap.Logger) *Backend {
	if log == nil {
		log = zap.NewNop()
	}
	return &Backend{
		messages: messages,
		limiter:  NewConnectionLimiter(cfg.MaxConnections, cfg.ConnectionRate),
		fanOut:   cfg.FanOut,
		timeout:  cfg.DeliveryTimeout,
		log:      log,
	}
}

// SetMetrics 设置监控指标
func (b *Backend) SetMetrics(m *monitoring.Metrics) {
	b.metrics = m
}

// ActiveSessions 返回当前占用限流名额的会话数
func (b *Backend) ActiveSessions() int {
	return b.limiter.Current()
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}

	if _, held := b.slots.Load(c); !held {
		if !b.limiter.Acquire() {
			b.metrics.RecordMessageRejected(monitoring.RejectRateLimited)
			b.log.Warn("smtp session rejected by limiter", zap.String("remote", remote))
			return nil, errTooManyConnections
		}
		b.slots.Store(c, struct{}{})
		b.metrics.SMTPSessionOpened()
	}

	return &session{backend: b, conn: c, remote: remote}, nil
}

func (b *Backend) release(c *gosmtp.Conn) {
	if _, held := b.slots.LoadAndDelete(c); held {
		b.limiter.Release()
		b.metrics.SMTPSessionClosed()
	}
}

type session struct {
	backend    *Backend
	conn       *gosmtp.Conn
	remote     string
	from       string
	recipients []string
}

// Mail 处理 MAIL 命令。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.from = domain.NormalizeAddress(from)
	s.recipients = nil
	return nil
}

// Rcpt 处理 RCPT 命令。重复的收件人只记录一次。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	addr := domain.NormalizeAddress(to)
	if domain.LocalPart(addr) == "" {
		return errInvalidRecipient
	}
	for _, existing := range s.recipients {
		if existing == addr {
			return nil
		}
	}
	s.recipients = append(s.recipients, addr)
	return nil
}

// Data 读取完整邮件后解析并投递。读取或解析失败时不会写入任何数据。
func (s *session) Data(r io.Reader) error {
	b := s.backend
	start := time.Now()
	defer func() { b.metrics.RecordIngestDuration(time.Since(start)) }()

	raw, err := io.ReadAll(r)
	if err != nil {
		b.metrics.RecordMessageRejected(monitoring.RejectTransport)
		b.log.Warn("smtp data stream aborted",
			zap.String("remote", s.remote),
			zap.Error(errors.Join(domain.ErrListenerTransport, err)),
		)
		return errTransport
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		b.metrics.RecordMessageRejected(monitoring.RejectParse)
		b.log.Warn("message rejected",
			zap.String("remote", s.remote),
			zap.String("from", s.from),
			zap.String("reason", monitoring.RejectParse),
			zap.Error(err),
		)
		return errMessageMalformed
	}

	from := parsed.From
	if from == "" {
		from = s.from
	}

	targets := []string{parsed.Recipient(s.recipients)}
	if b.fanOut {
		targets = s.recipients
	}

	ctx := context.Background()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	var firstErr error
	accepted := 0
	for _, to := range targets {
		message, err := b.messages.Deliver(ctx, service.DeliverInput{
			To:          to,
			From:        from,
			Subject:     parsed.Subject,
			Text:        parsed.Text,
			HTML:        parsed.HTML,
			Attachments: parsed.Attachments,
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			b.log.Warn("message rejected",
				zap.String("remote", s.remote),
				zap.String("from", from),
				zap.String("to", to),
				zap.String("reason", rejectReason(err)),
				zap.Error(err),
			)
			continue
		}

		accepted++
		b.log.Info("message accepted",
			zap.String("remote", s.remote),
			zap.String("from", message.From),
			zap.String("to", to),
			zap.String("message_id", message.ID),
			zap.Int("attachments", len(message.Attachments)),
		)
	}

	if accepted > 0 {
		return nil
	}
	if firstErr == nil {
		return errMailboxUnavailable
	}
	return replyFor(firstErr)
}

// Reset 重置状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.backend.release(s.conn)
	return nil
}

func replyFor(err error) *gosmtp.SMTPError {
	switch {
	case errors.Is(err, domain.ErrMailboxNotFound), errors.Is(err, domain.ErrMailboxExpired):
		return errMailboxUnavailable
	case errors.Is(err, domain.ErrParseFailure):
		return errMessageMalformed
	default:
		return errLocalFailure
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrMailboxNotFound):
		return monitoring.RejectNotFound
	case errors.Is(err, domain.ErrMailboxExpired):
		return monitoring.RejectExpired
	case errors.Is(err, domain.ErrParseFailure):
		return monitoring.RejectParse
	default:
		return monitoring.RejectStore
	}
}
