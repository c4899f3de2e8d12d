package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有记录方法对 nil 接收者安全，未启用监控的组件可以直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 连接与投递
	SMTPConnections    *prometheus.CounterVec
	SMTPActiveSessions prometheus.Gauge
	SMTPMessages       *prometheus.CounterVec
	SMTPAuth           *prometheus.CounterVec
	SpamRejections     *prometheus.CounterVec

	// 外发
	OutboundMessages *prometheus.CounterVec
	DKIMSignFailures prometheus.Counter

	// 域名与证书
	DomainsProvisioned   prometheus.Counter
	RegistrarRequests    *prometheus.CounterVec
	CertificatesExpiring prometheus.Gauge

	// 处理耗时
	EmailProcessingTime *prometheus.HistogramVec

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标并注册到 registry
//
// registry 为 nil 时创建新的注册表，测试中每个用例使用独立注册表避免重复注册。
func NewMetrics(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailforge_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SMTPConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_smtp_connections_total",
				Help: "SMTP connections by listener and admission result",
			},
			[]string{"listener", "result"},
		),

		SMTPActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailforge_smtp_active_sessions",
				Help: "Number of open SMTP sessions",
			},
		),

		SMTPMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_smtp_messages_total",
				Help: "Inbound messages by listener and status",
			},
			[]string{"listener", "status"},
		),

		SMTPAuth: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_smtp_auth_total",
				Help: "SMTP AUTH attempts by result",
			},
			[]string{"result"},
		),

		SpamRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_spam_rejections_total",
				Help: "Messages rejected by the content filter, by rule",
			},
			[]string{"rule"},
		),

		OutboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_outbound_messages_total",
				Help: "Outbound sends by status and DKIM signing state",
			},
			[]string{"status", "dkim"},
		),

		DKIMSignFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_dkim_sign_failures_total",
				Help: "Outbound messages sent unsigned because signing failed",
			},
		),

		DomainsProvisioned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_domains_provisioned_total",
				Help: "Mail domains provisioned",
			},
		),

		RegistrarRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailforge_registrar_requests_total",
				Help: "Registrar API requests by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		CertificatesExpiring: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailforge_certificates_expiring",
				Help: "Certificates expiring within the warning window",
			},
		),

		EmailProcessingTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailforge_email_processing_seconds",
				Help:    "Time spent processing a message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"direction"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailforge_panics_total",
				Help: "Recovered panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordConnection 记录连接准入结果: accepted / rate_limited / over_capacity
func (m *Metrics) RecordConnection(listener, result string) {
	if m == nil {
		return
	}
	m.SMTPConnections.WithLabelValues(listener, result).Inc()
}

// SessionOpened 会话开始
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SMTPActiveSessions.Inc()
}

// SessionClosed 会话结束
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SMTPActiveSessions.Dec()
}

// RecordInbound 记录入站邮件
func (m *Metrics) RecordInbound(listener, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SMTPMessages.WithLabelValues(listener, status).Inc()
	m.EmailProcessingTime.WithLabelValues("incoming").Observe(duration.Seconds())
}

// RecordAuth 记录认证结果
func (m *Metrics) RecordAuth(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.SMTPAuth.WithLabelValues(result).Inc()
}

// RecordSpam 记录垃圾邮件拦截
func (m *Metrics) RecordSpam(rule string) {
	if m == nil {
		return
	}
	m.SpamRejections.WithLabelValues(rule).Inc()
}

// RecordOutbound 记录外发结果
func (m *Metrics) RecordOutbound(status string, signed bool, duration time.Duration) {
	if m == nil {
		return
	}
	dkim := "unsigned"
	if signed {
		dkim = "signed"
	}
	m.OutboundMessages.WithLabelValues(status, dkim).Inc()
	m.EmailProcessingTime.WithLabelValues("outgoing").Observe(duration.Seconds())
}

// RecordSignFailure 记录签名失败后降级发送
func (m *Metrics) RecordSignFailure() {
	if m == nil {
		return
	}
	m.DKIMSignFailures.Inc()
}

// RecordDomainProvisioned 记录新域名
func (m *Metrics) RecordDomainProvisioned() {
	if m == nil {
		return
	}
	m.DomainsProvisioned.Inc()
}

// RecordRegistrarRequest 记录注册商 API 调用
func (m *Metrics) RecordRegistrarRequest(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.RegistrarRequests.WithLabelValues(operation, outcome).Inc()
}

// SetCertificatesExpiring 更新即将过期的证书数量
func (m *Metrics) SetCertificatesExpiring(n int) {
	if m == nil {
		return
	}
	m.CertificatesExpiring.Set(float64(n))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
