package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"tempmail/engine/internal/storage"
)

// 检查项的默认参数
const (
	checkTimeout      = 5 * time.Second
	maxGoroutineCount = 10000
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// smtpAddr 不为空时，就绪检查会尝试建立 TCP 连接确认收信端口可用。
func NewHealthChecker(store storage.Store, smtpAddr string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}

	hc.addChecks(smtpAddr)
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks(smtpAddr string) {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutineCount))

	hc.health.AddReadinessCheck("store", healthcheck.Timeout(StoreCheck(hc.store), checkTimeout))
	if smtpAddr != "" {
		hc.health.AddReadinessCheck("smtp", healthcheck.TCPDialCheck(smtpAddr, checkTimeout))
	}
}

// Handler 返回健康检查处理器，包含 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查，失败时记录日志
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := hc.store.Health(r.Context()); err != nil {
		hc.logger.Warn("store not ready", zap.Error(err))
	}
	hc.health.ReadyEndpoint(w, r)
}

// StoreCheck 存储健康检查
func StoreCheck(store storage.Store) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()

		return store.Health(ctx)
	}
}
