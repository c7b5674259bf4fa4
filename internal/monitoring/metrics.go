package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 聊天指标
	MessagesSent       prometheus.Counter
	MessagesDeleted    prometheus.Counter
	MessageFailures    *prometheus.CounterVec
	SnapshotsDelivered prometheus.Counter
	TimelinesRendered  prometheus.Counter
	RenderDuration     prometheus.Histogram

	// 会话指标
	LoginsTotal    *prometheus.CounterVec
	LogoutsTotal   prometheus.Counter
	WSClientsGauge prometheus.Gauge

	// 系统指标
	SystemUptime prometheus.Gauge
	MemoryUsage  prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks *prometheus.CounterVec

	registry prometheus.Gatherer
}

// NewMetrics 创建监控指标。reg 为空时注册到默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatroom_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatroom_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPRequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatroom_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatroom_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "endpoint"},
		),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_messages_sent_total",
			Help: "Total number of messages pushed to the feed",
		}),

		MessagesDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_messages_deleted_total",
			Help: "Total number of messages soft deleted",
		}),

		MessageFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatroom_message_failures_total",
				Help: "Failed send or delete operations",
			},
			[]string{"operation"},
		),

		SnapshotsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_snapshots_delivered_total",
			Help: "Feed snapshots delivered to the websocket hub",
		}),

		TimelinesRendered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_timelines_rendered_total",
			Help: "Timeline fragments rendered for viewers",
		}),

		RenderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatroom_timeline_render_duration_seconds",
			Help:    "Time to build and render one viewer's timeline",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),

		LoginsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatroom_logins_total",
				Help: "Login attempts by result",
			},
			[]string{"result"},
		),

		LogoutsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_logouts_total",
			Help: "Total number of sessions ended",
		}),

		WSClientsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_websocket_clients",
			Help: "Connected websocket clients",
		}),

		SystemUptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_system_uptime_seconds",
			Help: "System uptime in seconds",
		}),

		MemoryUsage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_memory_usage_bytes",
			Help: "Memory usage in bytes",
		}),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatroom_errors_total",
				Help: "Total number of errors",
			},
			[]string{"error_type", "component"},
		),

		PanicsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_panics_total",
			Help: "Total number of panics",
		}),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatroom_rate_limit_blocks_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limit_type"},
		),

		registry: gatherer,
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration, requestSize, responseSize int64) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	m.HTTPRequestSize.WithLabelValues(method, endpoint).Observe(float64(requestSize))
	m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
}

// RecordMessageSent 记录消息发送
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordMessageDeleted 记录消息删除
func (m *Metrics) RecordMessageDeleted() {
	m.MessagesDeleted.Inc()
}

// RecordMessageFailure 记录发送或删除失败
func (m *Metrics) RecordMessageFailure(operation string) {
	m.MessageFailures.WithLabelValues(operation).Inc()
}

// RecordSnapshot 记录一次快照投递
func (m *Metrics) RecordSnapshot() {
	m.SnapshotsDelivered.Inc()
}

// RecordRender 记录一次时间线渲染
func (m *Metrics) RecordRender(duration time.Duration) {
	m.TimelinesRendered.Inc()
	m.RenderDuration.Observe(duration.Seconds())
}

// RecordLogin 记录登录结果：success、invalid、limited
func (m *Metrics) RecordLogin(result string) {
	m.LoginsTotal.WithLabelValues(result).Inc()
}

// RecordLogout 记录注销
func (m *Metrics) RecordLogout() {
	m.LogoutsTotal.Inc()
}

// UpdateWSClients 更新 websocket 连接数
func (m *Metrics) UpdateWSClients(count int) {
	m.WSClientsGauge.Set(float64(count))
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// RecordRateLimitBlock 记录限流阻止
func (m *Metrics) RecordRateLimitBlock(limitType string) {
	m.RateLimitBlocks.WithLabelValues(limitType).Inc()
}

// UpdateSystemUptime 更新系统运行时间
func (m *Metrics) UpdateSystemUptime(uptime time.Duration) {
	m.SystemUptime.Set(uptime.Seconds())
}

// UpdateMemoryUsage 更新内存使用量
func (m *Metrics) UpdateMemoryUsage(bytes int64) {
	m.MemoryUsage.Set(float64(bytes))
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
