package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/domain"
	"tempmail/engine/internal/health"
	"tempmail/engine/internal/logger"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/service"
	"tempmail/engine/internal/smtp"
	"tempmail/engine/internal/storage"
	"tempmail/engine/internal/storage/hybrid"
	"tempmail/engine/internal/storage/memory"
	"tempmail/engine/internal/storage/postgres"
	"tempmail/engine/internal/storage/redis"
	httptransport "tempmail/engine/internal/transport/http"
	"tempmail/engine/internal/websocket"
)

// main 启动同时包含 HTTP API 与 SMTP 的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting tempmail engine",
		zap.String("domain", cfg.Mailbox.Domain),
		zap.Duration("ttl", cfg.Mailbox.TTL),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	clk := clock.System()

	// 初始化存储层
	store, cache, err := initializeStorage(cfg, clk, log.Named("store"))
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close warning", zap.Error(err))
		}
	}()

	// 初始化监控系统
	metrics := monitoring.NewMetrics(nil)

	// 初始化服务层
	mailboxService := service.NewMailboxService(store, cfg.Mailbox, clk, log.Named("mailbox"))
	mailboxService.SetMetrics(metrics)
	messageService := service.NewMessageService(store, mailboxService, cfg.Mailbox.StrictGate, log.Named("message"))
	messageService.SetMetrics(metrics)

	reaper := service.NewReaper(store, cfg.Reaper, clk, log.Named("reaper"))
	reaper.SetMetrics(metrics)

	// 新邮件推送：单实例直接推给本地 Hub，启用 Redis 时经频道转发以覆盖所有实例
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, mailboxService, log.Named("websocket"))
	if cache != nil {
		messageService.SetNotifier(cache)
	} else {
		messageService.SetNotifier(wsHub)
	}

	// 创建 SMTP 服务器
	smtpBackend := smtp.NewBackend(messageService, cfg.SMTP, log.Named("smtp"))
	smtpBackend.SetMetrics(metrics)
	smtpServer := smtp.NewServer(smtpBackend, cfg.SMTP, log.Named("smtp"))

	// 初始化健康检查
	healthChecker := health.NewHealthChecker(store, dialAddr(cfg.SMTP.BindAddr), log.Named("health"))

	// 创建 HTTP 服务器
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		MailboxService: mailboxService,
		MessageService: messageService,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         log.Named("http"),
	})

	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	group.Go(func() error {
		if err := smtpServer.Run(groupCtx); err != nil {
			log.Error("SMTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时清理过期邮箱 goroutine
	if cfg.Reaper.Enabled {
		group.Go(func() error {
			log.Info("starting expired mailbox reaper",
				zap.Duration("interval", cfg.Reaper.Interval),
				zap.Duration("grace", cfg.Reaper.Grace),
			)
			return reaper.Run(groupCtx)
		})
	}

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		return wsHub.Run(groupCtx)
	})

	// Redis 新邮件频道 goroutine
	if cache != nil {
		subscription, err := cache.SubscribeNewMail(ctx)
		if err != nil {
			log.Fatal("failed to subscribe new-mail channel", zap.Error(err))
		}
		group.Go(func() error {
			defer subscription.Close()
			return subscription.Run(groupCtx, func(msg domain.Message) {
				if err := wsHub.NotifyNewMail(groupCtx, &msg); err != nil && !errors.Is(err, websocket.ErrHubStopped) {
					log.Warn("failed to push new mail", zap.String("mailbox_id", msg.MailboxID), zap.Error(err))
				}
			})
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := smtpServer.Close(); err != nil {
			log.Warn("SMTP server close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储实现
//
// database.type 为 postgres/mysql 时使用 SQL 存储，否则使用内存存储；
// 配置了 redis.address 时在外层加一层邮箱缓存，并返回 Redis 客户端用于新邮件频道。
func initializeStorage(cfg *config.Config, clk clock.Clock, log *zap.Logger) (storage.Store, *redis.Cache, error) {
	var primary storage.Store

	switch cfg.Database.Type {
	case "postgres", "mysql":
		sqlStore, err := postgres.Open(cfg.Database, clk, log)
		if err != nil {
			return nil, nil, err
		}
		primary = sqlStore
		log.Info("using database storage", zap.String("type", cfg.Database.Type), zap.String("driver", cfg.Database.Driver))
	default:
		primary = memory.NewStore(clk)
		log.Info("using memory storage")
	}

	if cfg.Redis.Address == "" {
		return primary, nil, nil
	}

	cache, err := redis.New(cfg.Redis, log)
	if err != nil {
		_ = primary.Close()
		return nil, nil, err
	}
	log.Info("redis cache enabled", zap.String("address", cfg.Redis.Address), zap.Duration("ttl", cfg.Redis.CacheTTL))

	return hybrid.NewStore(primary, cache, cfg.Redis.CacheTTL, clk, log), cache, nil
}

// dialAddr 把监听地址转换成本机可拨号的地址
func dialAddr(bindAddr string) string {
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
