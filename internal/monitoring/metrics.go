package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailsink"

// Metrics 监控指标
//
// 所有指标注册在自己的 Registry 上，测试中可以重复创建。
// 方法允许 nil 接收者，未启用监控时直接跳过。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// webhook 摄取指标
	WebhooksTotal    *prometheus.CounterVec
	IngestDuration   *prometheus.HistogramVec
	SpamVerdicts     *prometheus.CounterVec
	SpamScores       *prometheus.HistogramVec
	AttachmentsTotal *prometheus.CounterVec
	AttachmentSize   prometheus.Histogram

	// 收件箱指标
	InboxesCreated     *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec

	// 清理任务指标
	ReaperRuns        *prometheus.CounterVec
	ReaperBlobs       *prometheus.CounterVec
	ReaperRowsCleaned prometheus.Counter
	ReaperDuration    prometheus.Histogram
	InboxesExpired    prometheus.Counter

	// 事件与错误
	EventsPublished *prometheus.CounterVec
	PanicsTotal     prometheus.Counter
}

// NewMetrics 创建监控指标，同时注册 Go 运行时和进程指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Webhook deliveries by source and final pipeline state",
			},
			[]string{"source", "state", "status_code"},
		),

		IngestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_duration_seconds",
				Help:      "Time spent ingesting one message",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),

		SpamVerdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spam_verdicts_total",
				Help:      "Spam verdicts by source",
			},
			[]string{"source", "verdict"},
		),

		SpamScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "spam_score",
				Help:      "Distribution of spam scores",
				Buckets:   prometheus.LinearBuckets(0, 1, 11),
			},
			[]string{"source"},
		),

		AttachmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attachments_total",
				Help:      "Attachment outcomes",
			},
			[]string{"status"},
		),

		AttachmentSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attachment_size_bytes",
				Help:      "Attachment size in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
			},
		),

		InboxesCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inboxes_created_total",
				Help:      "Inboxes created by subscription tier",
			},
			[]string{"tier"},
		),

		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_decisions_total",
				Help:      "Inbox creation rate limit decisions",
			},
			[]string{"decision"},
		),

		ReaperRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_runs_total",
				Help:      "Expiration reaper runs by result",
			},
			[]string{"result"},
		),

		ReaperBlobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_blobs_total",
				Help:      "Blob deletions performed by the reaper",
			},
			[]string{"outcome"},
		),

		ReaperRowsCleaned: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_rows_cleaned_total",
				Help:      "Attachment rows removed by scheduled_attachment_cleanup",
			},
		),

		ReaperDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reaper_duration_seconds",
				Help:      "Expiration reaper run duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		InboxesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inboxes_expired_total",
				Help:      "Inboxes deactivated after expiry",
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Outbound email.received events by result",
			},
			[]string{"result"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordWebhook 记录一次 webhook 的最终状态
func (m *Metrics) RecordWebhook(source, state string, statusCode int) {
	if m == nil {
		return
	}
	m.WebhooksTotal.WithLabelValues(source, state, strconv.Itoa(statusCode)).Inc()
}

// RecordIngest 记录单封邮件的摄取耗时和垃圾邮件判定
func (m *Metrics) RecordIngest(source string, score float64, isSpam bool, duration time.Duration) {
	if m == nil {
		return
	}
	verdict := "ham"
	if isSpam {
		verdict = "spam"
	}
	m.IngestDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.SpamVerdicts.WithLabelValues(source, verdict).Inc()
	m.SpamScores.WithLabelValues(source).Observe(score)
}

// RecordAttachment 记录附件处理结果
func (m *Metrics) RecordAttachment(status string, size int64) {
	if m == nil {
		return
	}
	m.AttachmentsTotal.WithLabelValues(status).Inc()
	m.AttachmentSize.Observe(float64(size))
}

// RecordInboxCreated 记录收件箱创建
func (m *Metrics) RecordInboxCreated(tier string) {
	if m == nil {
		return
	}
	m.InboxesCreated.WithLabelValues(tier).Inc()
}

// RecordRateLimitDecision 记录限流判定
func (m *Metrics) RecordRateLimitDecision(decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(decision).Inc()
}

// RecordReaperRun 记录一次清理任务
func (m *Metrics) RecordReaperRun(result string, deleted, missing, failed, rowsCleaned int, expired int64, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReaperRuns.WithLabelValues(result).Inc()
	m.ReaperBlobs.WithLabelValues("deleted").Add(float64(deleted))
	m.ReaperBlobs.WithLabelValues("missing").Add(float64(missing))
	m.ReaperBlobs.WithLabelValues("failed").Add(float64(failed))
	m.ReaperRowsCleaned.Add(float64(rowsCleaned))
	m.InboxesExpired.Add(float64(expired))
	m.ReaperDuration.Observe(duration.Seconds())
}

// RecordEventPublish 记录事件发布结果: published / failed / dropped
func (m *Metrics) RecordEventPublish(result string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(result).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
