package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/records"
	"mailforge/backend/internal/secrets"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/storage/memory"
)

const testAPIKey = "router-test-key-0123456789"

type captureTransport struct {
	mu   sync.Mutex
	sent [][]string
	err  error
}

func (t *captureTransport) Deliver(_ context.Context, _ string, recipients []string, _ []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, recipients)
	return nil
}

func (t *captureTransport) Name() string { return "capture" }

type testServer struct {
	router    *gin.Engine
	store     *memory.Store
	transport *captureTransport
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	logger := zap.NewNop()
	recorder := service.NewRecorder(store, nil, logger)
	keys := secrets.NewKeyRing(store, time.Minute)
	addresses := service.NewAddressService(store, logger)
	transport := &captureTransport{}
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	domains := service.NewDomainService(service.DomainDeps{
		Store:       store,
		Synthesizer: records.NewGenerator(records.Options{}),
		Keys:        keys,
		Recorder:    recorder,
		Metrics:     metrics,
		Logger:      logger,
	})

	router := NewRouter(RouterDependencies{
		Config: &config.Config{
			Server: config.ServerConfig{APIKey: testAPIKey},
			CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
		},
		Domains:   domains,
		Addresses: addresses,
		Auth:      auth.NewService(store, store).WithCost(4),
		Outbound:  service.NewOutboundService(addresses, keys, transport, recorder, metrics, logger),
		Recorder:  recorder,
		Health:    health.NewHealthChecker(store, logger),
		Metrics:   metrics,
		Logger:    logger,
	})

	return &testServer{router: router, store: store, transport: transport}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp Response
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return w, resp
}

func dataAs[T any](t *testing.T, resp Response) T {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRouter_APIKey(t *testing.T) {
	s := newTestServer(t)

	t.Run("缺少 API Key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/domains", nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("错误的 API Key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/domains", nil)
		req.Header.Set("X-API-Key", "wrong-key-wrong-key")
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("健康检查和指标无需认证", func(t *testing.T) {
		for _, path := range []string{"/health", "/health/live", "/health/ready", "/metrics"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			s.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code, path)
		}
	})
}

func TestRouter_Domains(t *testing.T) {
	s := newTestServer(t)

	w, resp := s.do(t, http.MethodPost, "/v1/domains", ProvisionDomainRequest{Domain: "Example.COM"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	result := dataAs[service.ProvisionResult](t, resp)
	assert.Equal(t, "example.com", result.Domain.Domain)
	assert.Len(t, result.DNSRecords, 4)

	t.Run("重复开通返回 409", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, "/v1/domains", ProvisionDomainRequest{Domain: "example.com"})
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("非法域名返回 400", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, "/v1/domains", ProvisionDomainRequest{Domain: "not a domain"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("DNS 配置说明", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/v1/domains/example.com/dns", nil)
		require.Equal(t, http.StatusOK, w.Code)
		recs := dataAs[[]domain.DNSRecord](t, resp)
		assert.Len(t, recs, 4)
	})

	t.Run("不存在的域名返回 404", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/v1/domains/missing.test", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("未配置注册商返回 503", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, "/v1/domains/example.com/registrar", nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("无证书管理时过期列表为空", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, "/v1/certificates/expiring", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, resp.Data)
	})

	t.Run("停用后不在激活列表中", func(t *testing.T) {
		w, _ := s.do(t, http.MethodDelete, "/v1/domains/example.com", nil)
		require.Equal(t, http.StatusOK, w.Code)

		w, resp := s.do(t, http.MethodGet, "/v1/domains?active=true", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, resp.Data)
	})
}

func TestRouter_AccountsAndMail(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/v1/domains", ProvisionDomainRequest{Domain: "example.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := s.do(t, http.MethodPost, "/v1/users", CreateUserRequest{Username: "alice", Password: "correct-horse"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := dataAs[domain.User](t, resp)
	require.NotEmpty(t, user.ID)

	w, _ = s.do(t, http.MethodPost, "/v1/addresses", CreateAddressRequest{Address: "alice@example.com", UserID: user.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	t.Run("地址所在域名未开通", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, "/v1/addresses", CreateAddressRequest{Address: "bob@other.test", UserID: user.ID})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("用户地址列表", func(t *testing.T) {
		w, resp := s.do(t, http.MethodGet, fmt.Sprintf("/v1/users/%s/addresses", user.ID), nil)
		require.Equal(t, http.StatusOK, w.Code)
		addrs := dataAs[[]domain.MailAddress](t, resp)
		require.Len(t, addrs, 1)
		assert.Equal(t, "alice@example.com", addrs[0].Address)
	})

	t.Run("旧密码错误", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, fmt.Sprintf("/v1/users/%s/password", user.ID), map[string]string{
			"oldPassword": "wrong-password",
			"newPassword": "new-password-1",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("发送并记录日志", func(t *testing.T) {
		w, resp := s.do(t, http.MethodPost, "/v1/send", service.SendInput{
			From:     "alice@example.com",
			To:       []string{"bob@remote.test"},
			Subject:  "hi",
			TextBody: "hello",
			UserID:   user.ID,
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		result := dataAs[service.SendResult](t, resp)
		assert.True(t, result.DKIMSigned)
		assert.Equal(t, "capture", result.Transport)
		require.Len(t, s.transport.sent, 1)

		w, resp = s.do(t, http.MethodGet, "/v1/logs?type=outgoing", nil)
		require.Equal(t, http.StatusOK, w.Code)
		logs := dataAs[[]domain.MailLog](t, resp)
		require.Len(t, logs, 1)
		assert.Equal(t, domain.LogStatusSuccess, logs[0].Status)

		w, resp = s.do(t, http.MethodGet, "/v1/messages?direction=outgoing", nil)
		require.Equal(t, http.StatusOK, w.Code)
		msgs := dataAs[[]domain.MailMessage](t, resp)
		require.Len(t, msgs, 1)
		assert.Equal(t, result.MessageID, msgs[0].MessageID)
	})

	t.Run("发件地址不属于用户", func(t *testing.T) {
		w, _ := s.do(t, http.MethodPost, "/v1/send", service.SendInput{
			From:   "mallory@example.com",
			To:     []string{"bob@remote.test"},
			UserID: user.ID,
		})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("投递失败返回 502", func(t *testing.T) {
		s.transport.err = fmt.Errorf("%w: relay refused", domain.ErrDeliveryFailed)
		defer func() { s.transport.err = nil }()

		w, resp := s.do(t, http.MethodPost, "/v1/send", service.SendInput{
			From: "alice@example.com",
			To:   []string{"bob@remote.test"},
		})
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Contains(t, resp.Msg, "relay refused")
	})

	t.Run("非法的 direction", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/v1/messages?direction=sideways", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("邮件不存在", func(t *testing.T) {
		w, _ := s.do(t, http.MethodGet, "/v1/messages/missing@example.com", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
