package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 投递被拒绝的原因标签
const (
	RejectNotFound    = "not_found"
	RejectExpired     = "expired"
	RejectParse       = "parse"
	RejectStore       = "store"
	RejectTransport   = "transport"
	RejectRateLimited = "rate_limited"
)

// Metrics 监控指标。所有 Record 方法对 nil 接收者安全，未启用监控时直接跳过。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesAllocated prometheus.Counter
	MailboxesExtended  prometheus.Counter
	MailboxesReaped    prometheus.Counter
	AllocateConflicts  prometheus.Counter

	// 收信指标
	MessagesAccepted   prometheus.Counter
	MessagesRejected   *prometheus.CounterVec
	SMTPSessionsActive prometheus.Gauge
	IngestDuration     prometheus.Histogram
	AttachmentSize     prometheus.Histogram

	// 错误指标
	PanicsTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics 在给定注册表上创建监控指标，reg 为 nil 时使用默认注册表
func NewMetrics(reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		MailboxesAllocated: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_allocated_total",
			Help: "Total number of mailboxes allocated",
		}),
		MailboxesExtended: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_extended_total",
			Help: "Total number of mailbox extensions",
		}),
		MailboxesReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_reaped_total",
			Help: "Total number of expired mailboxes removed by the reaper",
		}),
		AllocateConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_allocate_conflicts_total",
			Help: "Mailbox id collisions retried during allocation",
		}),

		MessagesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_accepted_total",
			Help: "Inbound messages persisted",
		}),
		MessagesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_rejected_total",
				Help: "Inbound transactions rejected, by reason",
			},
			[]string{"reason"},
		),
		SMTPSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_smtp_sessions_active",
			Help: "Currently open SMTP sessions",
		}),
		IngestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_ingest_duration_seconds",
			Help:    "Time from DATA end to accept/reject decision",
			Buckets: prometheus.DefBuckets,
		}),
		AttachmentSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_attachment_size_bytes",
			Help:    "Size of stored attachments",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}),

		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_panics_total",
			Help: "Recovered panics in HTTP handlers",
		}),

		gatherer: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordMailboxAllocated 记录邮箱分配
func (m *Metrics) RecordMailboxAllocated() {
	if m == nil {
		return
	}
	m.MailboxesAllocated.Inc()
}

// RecordMailboxExtended 记录邮箱续期
func (m *Metrics) RecordMailboxExtended() {
	if m == nil {
		return
	}
	m.MailboxesExtended.Inc()
}

// RecordMailboxesReaped 记录清理的邮箱数量
func (m *Metrics) RecordMailboxesReaped(count int) {
	if m == nil {
		return
	}
	m.MailboxesReaped.Add(float64(count))
}

// RecordAllocateConflict 记录 ID 冲突
func (m *Metrics) RecordAllocateConflict() {
	if m == nil {
		return
	}
	m.AllocateConflicts.Inc()
}

// RecordMessageAccepted 记录一次成功投递及其附件大小
func (m *Metrics) RecordMessageAccepted(attachmentSizes ...int64) {
	if m == nil {
		return
	}
	m.MessagesAccepted.Inc()
	for _, size := range attachmentSizes {
		m.AttachmentSize.Observe(float64(size))
	}
}

// RecordMessageRejected 记录一次拒收
func (m *Metrics) RecordMessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordIngestDuration 记录收信处理耗时
func (m *Metrics) RecordIngestDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.IngestDuration.Observe(duration.Seconds())
}

// SMTPSessionOpened 会话建立
func (m *Metrics) SMTPSessionOpened() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Inc()
}

// SMTPSessionClosed 会话结束
func (m *Metrics) SMTPSessionClosed() {
	if m == nil {
		return
	}
	m.SMTPSessionsActive.Dec()
}

// RecordPanic 记录恢复的 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
