package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tempmail/engine/internal/clock"
	"tempmail/engine/internal/config"
	"tempmail/engine/internal/monitoring"
	"tempmail/engine/internal/storage"
)

// Reaper 定期删除过期超过宽限期的邮箱及其邮件，独立于收信流程运行。
type Reaper struct {
	repo     storage.MailboxRepository
	clock    clock.Clock
	interval time.Duration
	grace    time.Duration
	metrics  *monitoring.Metrics
	log      *zap.Logger
}

// NewReaper 创建清理任务
func NewReaper(repo storage.MailboxRepository, cfg config.ReaperConfig, clk clock.Clock, log *zap.Logger) *Reaper {
	if clk == nil {
		clk = clock.System()
	}
	if log == nil {
		log = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Reaper{repo: repo, clock: clk, interval: interval, grace: cfg.Grace, log: log}
}

// SetMetrics 设置监控指标
func (r *Reaper) SetMetrics(m *monitoring.Metrics) {
	r.metrics = m
}

// Sweep 执行一次清理，返回删除的邮箱数
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	before := r.clock.Now().Add(-r.grace)
	count, err := r.repo.DeleteExpiredMailboxes(ctx, before)
	if err != nil {
		return 0, err
	}
	r.metrics.RecordMailboxesReaped(count)
	return count, nil
}

// Run 按周期执行清理直到 ctx 结束。单次失败只记录日志。
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("failed to reap expired mailboxes", zap.Error(err))
				continue
			}
			if count > 0 {
				r.log.Info("reaped expired mailboxes", zap.Int("count", count))
			}
		}
	}
}
