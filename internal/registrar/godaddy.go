// Package registrar 封装域名注册商的 DNS 管理 API。
//
// 当前实现对接 GoDaddy 风格的 REST 接口：使用 "sso-key <key>:<secret>" 认证，
// PATCH /v1/domains/{domain}/records 以单个批次追加记录，批次要么全部生效要么全部失败。
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/libdns/libdns"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/secrets"
)

// DefaultBaseURL 生产环境 API 地址
const DefaultBaseURL = "https://api.godaddy.com"

// Domain 账户下已注册的域名
type Domain struct {
	Domain   string `json:"domain"`
	DomainID int64  `json:"domainId"`
	Status   string `json:"status"`
	Expires  string `json:"expires,omitempty"`
}

// FieldError 注册商返回的字段级错误
type FieldError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// APIError 注册商返回的非 2xx 响应
type APIError struct {
	StatusCode int          `json:"-"`
	Code       string       `json:"code"`
	Message    string       `json:"message"`
	Fields     []FieldError `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Message))
		}
		msg += " (" + strings.Join(parts, "; ") + ")"
	}
	if e.Code != "" {
		return fmt.Sprintf("registrar api error %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("registrar api error %d: %s", e.StatusCode, msg)
}

// Unwrap 让 errors.Is(err, domain.ErrRegistrarAPI) 成立
func (e *APIError) Unwrap() error { return domain.ErrRegistrarAPI }

// record 注册商的 DNS 记录格式，TTL 单位为秒
type record struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Data     string `json:"data"`
	TTL      int    `json:"ttl,omitempty"`
	Priority uint   `json:"priority,omitempty"`
}

// Client 注册商 API 客户端
type Client struct {
	baseURL string
	key     string
	secret  *secrets.Secret
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient 创建注册商客户端
//
// 未启用时返回 domain.ErrRegistrarNotEnabled，调用方据此回退到手工配置说明。
func NewClient(cfg config.RegistrarConfig, logger *zap.Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, domain.ErrRegistrarNotEnabled
	}
	if cfg.Key == "" || cfg.Secret == "" {
		return nil, fmt.Errorf("%w: missing key or secret", domain.ErrRegistrarNotEnabled)
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Client{
		baseURL: baseURL,
		key:     cfg.Key,
		secret:  secrets.FromString(cfg.Secret),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("registrar"),
	}, nil
}

// ListDomains 列出账户下的活跃域名
func (c *Client) ListDomains(ctx context.Context) ([]Domain, error) {
	var out []Domain
	if err := c.do(ctx, http.MethodGet, "/v1/domains?statuses=ACTIVE", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateCredentials 轻量级的认证探测
func (c *Client) ValidateCredentials(ctx context.Context) error {
	var out []Domain
	return c.do(ctx, http.MethodGet, "/v1/domains?limit=1", nil, &out)
}

// ConfigureMailDNS 把记录集合转换为 MX/SPF/DKIM/DMARC 四条记录并一次提交
//
// 任一记录在本地校验失败时不发起请求；远端拒绝批次时已有 DNS 保持不变。
func (c *Client) ConfigureMailDNS(ctx context.Context, domainName string, bundle *domain.RecordBundle) error {
	recs, err := MailRecords(bundle)
	if err != nil {
		return err
	}
	_, err = c.AppendRecords(ctx, domainName, recs)
	return err
}

// MailRecords 把记录集合转换为 libdns 记录
func MailRecords(bundle *domain.RecordBundle) ([]libdns.Record, error) {
	if bundle == nil {
		return nil, errors.New("record bundle is nil")
	}
	priority, host, err := domain.ParseMX(bundle.MX)
	if err != nil {
		return nil, err
	}
	if bundle.DKIMSelector == "" || bundle.DKIMPublicKey == "" {
		return nil, errors.New("record bundle has no dkim key")
	}

	ttl := time.Duration(domain.DefaultRecordTTL) * time.Second
	return []libdns.Record{
		{Type: "MX", Name: "@", Value: host, TTL: ttl, Priority: priority},
		{Type: "TXT", Name: "@", Value: bundle.SPF, TTL: ttl},
		{Type: "TXT", Name: bundle.DKIMSelector + "._domainkey", Value: domain.DKIMRecordValue(bundle.DKIMPublicKey), TTL: ttl},
		{Type: "TXT", Name: "_dmarc", Value: bundle.DMARC, TTL: ttl},
	}, nil
}

// GetRecords 实现 libdns.RecordGetter
func (c *Client) GetRecords(ctx context.Context, zone string) ([]libdns.Record, error) {
	var recs []record
	if err := c.do(ctx, http.MethodGet, recordsPath(zone), nil, &recs); err != nil {
		return nil, err
	}

	out := make([]libdns.Record, 0, len(recs))
	for _, r := range recs {
		out = append(out, libdns.Record{
			Type:     r.Type,
			Name:     r.Name,
			Value:    r.Data,
			TTL:      time.Duration(r.TTL) * time.Second,
			Priority: r.Priority,
		})
	}
	return out, nil
}

// AppendRecords 实现 libdns.RecordAppender，全部记录在一个 PATCH 请求中提交
func (c *Client) AppendRecords(ctx context.Context, zone string, recs []libdns.Record) ([]libdns.Record, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	body := make([]record, 0, len(recs))
	for _, r := range recs {
		if r.Type == "" || r.Name == "" {
			return nil, fmt.Errorf("record %q: type and name are required", r.Name)
		}
		ttl := int(r.TTL / time.Second)
		if ttl <= 0 {
			ttl = domain.DefaultRecordTTL
		}
		body = append(body, record{
			Type:     r.Type,
			Name:     r.Name,
			Data:     r.Value,
			TTL:      ttl,
			Priority: r.Priority,
		})
	}

	if err := c.do(ctx, http.MethodPatch, recordsPath(zone), body, nil); err != nil {
		return nil, err
	}

	c.logger.Info("DNS records appended",
		zap.String("zone", zone),
		zap.Int("count", len(recs)),
	)
	return recs, nil
}

func recordsPath(zone string) string {
	return "/v1/domains/" + url.PathEscape(domain.NormalizeDomain(zone)) + "/records"
}

// do 发起请求，非 2xx 响应转换为 *APIError
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.secret.Use(func(secret []byte) error {
		req.Header.Set("Authorization", "sso-key "+c.key+":"+string(secret))
		return nil
	}); err != nil {
		return fmt.Errorf("registrar secret: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRegistrarAPI, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrRegistrarAPI, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 && json.Unmarshal(data, apiErr) != nil {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Warn("Registrar request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: decode response: %v", domain.ErrRegistrarAPI, err)
		}
	}
	return nil
}

var (
	_ libdns.RecordGetter   = (*Client)(nil)
	_ libdns.RecordAppender = (*Client)(nil)
)
