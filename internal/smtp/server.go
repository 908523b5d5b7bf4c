package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
)

// Server 是只收信的 SMTP 监听器。
type Server struct {
	srv *gosmtp.Server
	log *zap.Logger
}

// NewServer 按配置创建 SMTP 服务器，不限制邮件大小。
func NewServer(backend *Backend, cfg config.SMTPConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	srv := gosmtp.NewServer(backend)
	srv.Addr = cfg.BindAddr
	srv.Domain = cfg.Domain
	srv.ReadTimeout = cfg.ReadTimeout
	srv.WriteTimeout = cfg.WriteTimeout
	srv.MaxRecipients = cfg.MaxRecipients
	srv.MaxMessageBytes = 0
	srv.ErrorLog = zap.NewStdLog(log.Named("conn"))

	return &Server{srv: srv, log: log}
}

// Serve 在给定监听器上接收连接，直到 Close 被调用。
// 单个会话的失败不会影响监听器。
func (s *Server) Serve(l net.Listener) error {
	s.log.Info("smtp server listening",
		zap.String("address", l.Addr().String()),
		zap.String("domain", s.srv.Domain),
	)
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
		return fmt.Errorf("%w: %w", domain.ErrListenerTransport, err)
	}
	return nil
}

// Run 监听配置的地址，ctx 结束时关闭服务器。
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %w", domain.ErrListenerTransport, s.srv.Addr, err)
	}

	go func() {
		<-ctx.Done()
		if err := s.Close(); err != nil {
			s.log.Warn("smtp server close warning", zap.Error(err))
		}
	}()

	return s.Serve(l)
}

// Close 关闭监听器和所有会话。
func (s *Server) Close() error {
	err := s.srv.Close()
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}
