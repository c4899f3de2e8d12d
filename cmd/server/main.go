package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/certs"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/delivery"
	"mailforge/backend/internal/dkim"
	"mailforge/backend/internal/dnscheck"
	"mailforge/backend/internal/domain"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/logger"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/pool"
	"mailforge/backend/internal/records"
	"mailforge/backend/internal/registrar"
	"mailforge/backend/internal/secrets"
	"mailforge/backend/internal/security"
	"mailforge/backend/internal/service"
	"mailforge/backend/internal/smtp"
	"mailforge/backend/internal/storage"
	"mailforge/backend/internal/storage/memory"
	redisstore "mailforge/backend/internal/storage/redis"
	sqlstore "mailforge/backend/internal/storage/sql"
	httptransport "mailforge/backend/internal/transport/http"
)

// main 启动管理 HTTP 接口、提交端口与收信端口
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailforge server",
		zap.String("hostname", cfg.SMTP.Hostname),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	if err := run(cfg, log); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("server exited cleanly")
}

func run(cfg *config.Config, log *zap.Logger) error {
	defer secrets.Purge()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	// 初始化监控系统
	metrics := monitoring.NewMetrics(nil)
	healthChecker := health.NewHealthChecker(store, log)

	// 后台持久化工作池
	workers := pool.NewWorkerPool(cfg.Worker.Workers, cfg.Worker.QueueSize, log)
	workers.Start()
	defer workers.Stop()

	recorder := service.NewRecorder(store, workers, log)
	keys := secrets.NewKeyRing(store, 10*time.Minute)

	certManager, err := certs.NewManager(certs.Options{
		Dir:             cfg.Certs.Dir,
		Hostname:        cfg.SMTP.Hostname,
		DefaultCertPath: cfg.Certs.DefaultCertPath,
		DefaultKeyPath:  cfg.Certs.DefaultKeyPath,
	}, store, log)
	if err != nil {
		return fmt.Errorf("initialize certificate manager: %w", err)
	}
	defer certManager.Shutdown()

	loadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	loaded, err := certManager.LoadAll(loadCtx)
	cancel()
	if err != nil {
		log.Warn("failed to load domain certificates", zap.Error(err))
	} else {
		log.Info("domain certificates loaded", zap.Int("count", loaded))
	}

	checker := dnscheck.NewChecker(cfg.DNS)

	// 注册商未启用时域名开通回退到手工配置说明
	var reg service.Registrar
	if client, err := registrar.NewClient(cfg.Registrar, log); err == nil {
		reg = client
		log.Info("registrar automation enabled")
	} else if !errors.Is(err, domain.ErrRegistrarNotEnabled) || cfg.Registrar.Enabled {
		log.Warn("registrar disabled", zap.Error(err))
	}

	transport := newTransport(cfg, checker, log)

	domains := service.NewDomainService(service.DomainDeps{
		Store: store,
		Synthesizer: records.NewGenerator(records.Options{
			MailHost:    cfg.Records.MailHost,
			DMARCPolicy: cfg.Records.DMARCPolicy,
			DMARCReport: cfg.Records.DMARCReport,
		}),
		Certs:       certManager,
		Registrar:   reg,
		DNS:         checker,
		Keys:        keys,
		Recorder:    recorder,
		Metrics:     metrics,
		Profile:     records.Profile(cfg.Records.KeyProfile),
		WarningDays: cfg.Certs.ExpiryWarningDays,
		Logger:      log,
	})
	addresses := service.NewAddressService(store, log)
	authService := auth.NewService(store, store)
	outbound := service.NewOutboundService(addresses, keys, transport, recorder, metrics, log)

	// 告警
	alertManager := monitoring.NewAlertManager(log)
	alertManager.AddNotifier(monitoring.NewLogNotifier(log))
	if cfg.Alert.WebhookURL != "" {
		alertManager.AddNotifier(monitoring.NewWebhookNotifier(cfg.Alert.WebhookURL))
	}
	alertManager.AddRule(monitoring.MemoryUsageRule(cfg.Alert.MemoryThresholdMB))
	alertManager.AddRule(monitoring.StoreHealthRule(store))
	alertManager.AddRule(monitoring.QueueBacklogRule(workers.Pending, max(cfg.Worker.QueueSize*3/4, 1)))
	alertManager.AddRule(monitoring.CertificateExpiryRule(func(days int) []string {
		expiring := certManager.CheckExpiring(days)
		names := make([]string, 0, len(expiring))
		for _, e := range expiring {
			names = append(names, e.Domain)
		}
		return names
	}, cfg.Certs.ExpiryWarningDays, metrics))

	// 连接限流
	admission, limiter, redisClient := newAdmission(cfg, log)
	if redisClient != nil {
		defer redisClient.Close()
		healthChecker.AddReadinessDependency("redis", health.DependencyFunc(redisClient.Ping))
	}
	conns := smtp.NewConnectionLimiter(cfg.SMTP.MaxConnections)

	backendDeps := smtp.BackendDeps{
		Auth:      authService,
		Directory: addresses,
		Filter: security.NewContentFilter(security.FilterConfig{
			Keywords:          cfg.Spam.Keywords,
			MaxURLs:           cfg.Spam.MaxURLs,
			MaxUppercaseRatio: cfg.Spam.MaxUppercaseRatio,
			MinLengthForCaps:  cfg.Spam.MinLengthForCaps,
		}),
		Verifier:    dkim.NewVerifier(checker.LookupTXT),
		SPFResolver: net.DefaultResolver,
		Recorder:    recorder,
		Metrics:     metrics,
		Hostname:    cfg.SMTP.Hostname,
		Logger:      log,
	}

	var smtpServers []*smtp.Server
	for _, l := range []struct {
		name     string
		listener config.ListenerConfig
	}{
		{"submission", cfg.SMTP.Submission},
		{"inbound", cfg.SMTP.Inbound},
	} {
		if l.listener.Addr == "" {
			log.Info("SMTP listener disabled", zap.String("listener", l.name))
			continue
		}
		backend := smtp.NewBackend(l.name, l.listener, backendDeps)
		smtpServers = append(smtpServers, smtp.NewServer(backend, smtp.ServerOptions{
			Name:      l.name,
			Listener:  l.listener,
			SMTP:      cfg.SMTP,
			TLSConfig: certManager.TLSConfig(),
			Admission: admission,
			Conns:     conns,
			Metrics:   metrics,
			Logger:    log,
		}))
	}

	// 创建 HTTP 服务器
	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:    cfg,
		Domains:   domains,
		Addresses: addresses,
		Auth:      authService,
		Outbound:  outbound,
		Recorder:  recorder,
		Health:    healthChecker,
		Metrics:   metrics,
		Logger:    log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Named("http")),
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// SMTP 服务器 goroutine
	for _, srv := range smtpServers {
		group.Go(func() error {
			return srv.Run(groupCtx)
		})
	}

	// 限流表清理
	if limiter != nil {
		group.Go(func() error {
			limiter.Run(groupCtx, cfg.RateLimit.SweepInterval)
			return nil
		})
	}

	// DKIM 密钥缓存过期清理
	group.Go(func() error {
		keys.Run(groupCtx, time.Minute)
		return nil
	})

	// 证书续期
	group.Go(func() error {
		interval := cfg.Certs.CheckInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Info("starting certificate renewal task", zap.Duration("interval", interval))

		for {
			select {
			case <-groupCtx.Done():
				log.Info("certificate renewal task stopped")
				return nil
			case <-ticker.C:
				renewed, err := domains.RenewCertificates(groupCtx)
				if err != nil {
					log.Error("certificate renewal failed", zap.Error(err))
				}
				if len(renewed) > 0 {
					log.Info("certificates renewed", zap.Strings("domains", renewed))
				}
			}
		}
	})

	// 告警监控 goroutine
	group.Go(func() error {
		alertManager.Run(groupCtx, cfg.Alert.Interval)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore 根据配置选择存储，未配置数据库时使用内存存储
func openStore(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	store, err := sqlstore.NewStore(
		cfg.Database.Type,
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		return nil, fmt.Errorf("initialize database storage: %w", err)
	}
	log.Info("database storage initialized", zap.String("type", cfg.Database.Type))
	return store, nil
}

// newTransport 按配置选择中继或直接 MX 投递
func newTransport(cfg *config.Config, resolver delivery.MXResolver, log *zap.Logger) delivery.Transport {
	if cfg.Outbound.Mode == "mx" {
		log.Info("outbound delivery via MX lookup")
		return delivery.NewMXTransport(cfg.Outbound, resolver, log)
	}
	log.Info("outbound delivery via relay",
		zap.String("host", cfg.Outbound.RelayHost),
		zap.Int("port", cfg.Outbound.RelayPort),
	)
	return delivery.NewRelayTransport(cfg.Outbound, log)
}

// newAdmission 创建连接限流器
//
// 返回值:
//   - smtp.Admission: 准入判断
//   - *smtp.RateLimiter: 内存限流器，需要定期清理；使用 Redis 时为 nil
//   - *redisstore.Client: Redis 客户端；未使用时为 nil
func newAdmission(cfg *config.Config, log *zap.Logger) (smtp.Admission, *smtp.RateLimiter, *redisstore.Client) {
	if cfg.RateLimit.Backend == "redis" {
		client, err := redisstore.New(&cfg.Redis, log)
		if err == nil {
			log.Info("connection rate limit backed by Redis")
			return smtp.NewRedisRateLimiter(client, cfg.RateLimit.Quota, cfg.RateLimit.Window, log), nil, client
		}
		log.Warn("Redis unavailable, falling back to in-memory rate limit", zap.Error(err))
	}

	limiter := smtp.NewRateLimiter(cfg.RateLimit.Quota, cfg.RateLimit.Window)
	return limiter, limiter, nil
}
