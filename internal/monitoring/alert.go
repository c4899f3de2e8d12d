package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// historyLimit 保留的已解决告警数量
const historyLimit = 100

// Alert 一次告警，从触发到恢复
type Alert struct {
	Rule       string     `json:"rule"`
	Title      string     `json:"title"`
	Detail     string     `json:"detail"`
	Severity   Severity   `json:"severity"`
	Component  string     `json:"component"`
	FiredAt    time.Time  `json:"firedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Resolved 是否已恢复
func (a Alert) Resolved() bool { return a.ResolvedAt != nil }

// Rule 告警规则
//
// Check 返回 true 表示条件成立，描述写入 Alert.Detail。
// Cooldown 限制同一规则恢复后再次触发的最短间隔，用于抑制抖动。
type Rule struct {
	ID        string
	Title     string
	Component string
	Severity  Severity
	Cooldown  time.Duration
	Check     func(ctx context.Context) (string, bool)
}

// Notifier 告警通知
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// AlertManager 周期性检查规则，维护活跃告警并通知
type AlertManager struct {
	mu        sync.Mutex
	rules     []Rule
	active    map[string]*Alert
	lastFired map[string]time.Time
	history   []Alert
	notifiers []Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	return &AlertManager{
		active:    make(map[string]*Alert),
		lastFired: make(map[string]time.Time),
		logger:    logger.Named("alert"),
		now:       time.Now,
	}
}

// AddNotifier 添加通知方式
func (am *AlertManager) AddNotifier(n Notifier) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.notifiers = append(am.notifiers, n)
}

// AddRule 添加规则
func (am *AlertManager) AddRule(rule Rule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, rule)
}

// Evaluate 检查全部规则
//
// 条件成立且没有活跃告警时触发并通知；条件消失时恢复并通知。
// 活跃期间条件持续成立只更新描述，不重复通知。
func (am *AlertManager) Evaluate(ctx context.Context) {
	am.mu.Lock()
	rules := append([]Rule(nil), am.rules...)
	am.mu.Unlock()

	for _, rule := range rules {
		detail, fired := rule.Check(ctx)
		if changed, ok := am.transition(rule, detail, fired); ok {
			am.notify(ctx, changed)
		}
	}
}

// transition 更新规则状态，返回需要通知的告警
func (am *AlertManager) transition(rule Rule, detail string, fired bool) (Alert, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	current, isActive := am.active[rule.ID]

	switch {
	case fired && isActive:
		current.Detail = detail
		return Alert{}, false

	case fired:
		if last, ok := am.lastFired[rule.ID]; ok && now.Sub(last) < rule.Cooldown {
			return Alert{}, false
		}
		a := &Alert{
			Rule:      rule.ID,
			Title:     rule.Title,
			Detail:    detail,
			Severity:  rule.Severity,
			Component: rule.Component,
			FiredAt:   now,
		}
		am.active[rule.ID] = a
		am.lastFired[rule.ID] = now
		return *a, true

	case isActive:
		current.ResolvedAt = &now
		delete(am.active, rule.ID)
		am.history = append(am.history, *current)
		if len(am.history) > historyLimit {
			am.history = am.history[len(am.history)-historyLimit:]
		}
		return *current, true
	}
	return Alert{}, false
}

func (am *AlertManager) notify(ctx context.Context, alert Alert) {
	am.mu.Lock()
	notifiers := append([]Notifier(nil), am.notifiers...)
	am.mu.Unlock()

	for _, n := range notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			am.logger.Error("Failed to deliver alert",
				zap.String("rule", alert.Rule),
				zap.Error(err),
			)
		}
	}
}

// Active 当前活跃的告警，按触发时间排序
func (am *AlertManager) Active() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	out := make([]Alert, 0, len(am.active))
	for _, a := range am.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FiredAt.Before(out[j].FiredAt) })
	return out
}

// History 最近恢复的告警
func (am *AlertManager) History() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()
	return append([]Alert(nil), am.history...)
}

// Run 按间隔检查规则直到 ctx 取消
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.Evaluate(ctx)
		}
	}
}

// ========== 内置规则 ==========

// HealthReporter 可报告健康状态的依赖
type HealthReporter interface {
	Health(ctx context.Context) error
}

// ExpiryCounter 返回 days 天内证书过期的域名
type ExpiryCounter func(days int) []string

// MemoryUsageRule 堆内存超过阈值
func MemoryUsageRule(thresholdMB float64) Rule {
	return Rule{
		ID:        "memory_usage",
		Title:     "High memory usage",
		Component: "runtime",
		Severity:  SeverityWarning,
		Cooldown:  5 * time.Minute,
		Check: func(context.Context) (string, bool) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			used := float64(m.Alloc) / 1024 / 1024
			return fmt.Sprintf("heap %.0f MB exceeds %.0f MB", used, thresholdMB), used > thresholdMB
		},
	}
}

// StoreHealthRule 存储不可用
func StoreHealthRule(store HealthReporter) Rule {
	return Rule{
		ID:        "store_health",
		Title:     "Storage unavailable",
		Component: "storage",
		Severity:  SeverityCritical,
		Cooldown:  time.Minute,
		Check: func(ctx context.Context) (string, bool) {
			if err := store.Health(ctx); err != nil {
				return err.Error(), true
			}
			return "", false
		},
	}
}

// CertificateExpiryRule 证书即将过期，同时更新过期证书数量指标
func CertificateExpiryRule(expiring ExpiryCounter, days int, metrics *Metrics) Rule {
	return Rule{
		ID:        "certificate_expiry",
		Title:     "Certificates expiring",
		Component: "certs",
		Severity:  SeverityWarning,
		Cooldown:  12 * time.Hour,
		Check: func(context.Context) (string, bool) {
			domains := expiring(days)
			metrics.SetCertificatesExpiring(len(domains))
			if len(domains) == 0 {
				return "", false
			}
			return fmt.Sprintf("%d certificate(s) expire within %d days: %v", len(domains), days, domains), true
		},
	}
}

// QueueBacklogRule 审计写入队列积压
func QueueBacklogRule(pending func() int, threshold int) Rule {
	return Rule{
		ID:        "queue_backlog",
		Title:     "Audit queue backlog",
		Component: "recorder",
		Severity:  SeverityWarning,
		Cooldown:  5 * time.Minute,
		Check: func(context.Context) (string, bool) {
			n := pending()
			return fmt.Sprintf("%d writes pending", n), n >= threshold
		},
	}
}

// ========== 通知方式 ==========

// LogNotifier 写入日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify 按级别写日志，恢复统一为 Info
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("rule", alert.Rule),
		zap.String("component", alert.Component),
		zap.String("detail", alert.Detail),
		zap.Time("fired_at", alert.FiredAt),
	}

	if alert.Resolved() {
		n.logger.Info("Alert resolved: "+alert.Title, fields...)
		return nil
	}
	switch alert.Severity {
	case SeverityCritical:
		n.logger.Error("Alert firing: "+alert.Title, fields...)
	case SeverityWarning:
		n.logger.Warn("Alert firing: "+alert.Title, fields...)
	default:
		n.logger.Info("Alert firing: "+alert.Title, fields...)
	}
	return nil
}

// webhookPayload Webhook 请求体
type webhookPayload struct {
	Status string `json:"status"` // firing / resolved
	Alert  Alert  `json:"alert"`
}

// WebhookNotifier 以 JSON POST 通知外部系统
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify 发送告警，非 2xx 视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := webhookPayload{Status: "firing", Alert: alert}
	if alert.Resolved() {
		payload.Status = "resolved"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
