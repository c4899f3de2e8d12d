package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"mailforge/backend/internal/config"
	"mailforge/backend/internal/monitoring"
)

// ServerOptions 单个监听端口的配置
type ServerOptions struct {
	Name      string
	Listener  config.ListenerConfig
	SMTP      config.SMTPConfig
	TLSConfig *tls.Config // 为空时不提供 STARTTLS
	Admission Admission
	Conns     *ConnectionLimiter
	Metrics   *monitoring.Metrics
	Logger    *zap.Logger
}

// Server 一个 SMTP 监听端口
type Server struct {
	name      string
	addr      string
	srv       *gosmtp.Server
	admission Admission
	conns     *ConnectionLimiter
	metrics   *monitoring.Metrics
	logger    *zap.Logger
}

// NewServer 创建 SMTP 服务
func NewServer(backend *Backend, opts ServerOptions) *Server {
	logger := opts.Logger.Named("smtp").With(zap.String("listener", opts.Name))

	srv := gosmtp.NewServer(backend)
	srv.Addr = opts.Listener.Addr
	srv.Domain = opts.SMTP.Hostname
	srv.ReadTimeout = opts.SMTP.ReadTimeout
	srv.WriteTimeout = opts.SMTP.WriteTimeout
	srv.MaxMessageBytes = opts.Listener.MaxMessageBytes
	srv.MaxRecipients = opts.SMTP.MaxRecipients
	srv.AllowInsecureAuth = opts.SMTP.AllowInsecureAuth
	srv.TLSConfig = opts.TLSConfig
	srv.ErrorLog = zap.NewStdLog(logger)

	return &Server{
		name:      opts.Name,
		addr:      opts.Listener.Addr,
		srv:       srv,
		admission: opts.Admission,
		conns:     opts.Conns,
		metrics:   opts.Metrics,
		logger:    logger,
	}
}

// Serve 在给定监听器上服务，准入控制在问候之前执行
func (s *Server) Serve(l net.Listener) error {
	limited := NewLimitedListener(l, s.name, s.admission, s.conns, s.metrics, s.logger)
	s.logger.Info("SMTP server listening", zap.String("addr", l.Addr().String()))
	err := s.srv.Serve(limited)
	if errors.Is(err, gosmtp.ErrServerClosed) {
		return nil
	}
	return err
}

// Run 监听并服务，ctx 取消后优雅关闭
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(l) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("SMTP server forced to close", zap.Error(err))
		_ = s.srv.Close()
	}
	return <-errCh
}

// Shutdown 停止接受新连接并等待会话结束
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down SMTP server")
	return s.srv.Shutdown(ctx)
}
