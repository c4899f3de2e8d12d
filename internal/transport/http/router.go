package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailforge/backend/internal/auth"
	"mailforge/backend/internal/config"
	"mailforge/backend/internal/health"
	"mailforge/backend/internal/middleware"
	"mailforge/backend/internal/monitoring"
	"mailforge/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config    *config.Config
	Domains   *service.DomainService
	Addresses *service.AddressService
	Auth      *auth.Service
	Outbound  *service.OutboundService
	Recorder  *service.Recorder
	Health    *health.HealthChecker // 可为 nil
	Metrics   *monitoring.Metrics   // 可为 nil，为空时不暴露 /metrics
	Logger    *zap.Logger
}

// NewRouter 创建并返回管理接口的 Gin 路由
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	mon := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mon.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.APIKeyHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) > 0 {
		router.Use(gincors.New(corsConfig))
	}
	router.Use(mon.HTTPMetrics())

	// 健康检查
	if deps.Health != nil {
		healthHandler := http.StripPrefix("/health", deps.Health.Handler())
		router.GET("/health/live", gin.WrapH(healthHandler))
		router.GET("/health/ready", gin.WrapH(healthHandler))
		router.GET("/health", func(c *gin.Context) {
			results := deps.Health.CheckHealth(c.Request.Context())
			status := http.StatusOK
			if !health.Healthy(results) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, results)
		})
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	domainHandler := NewDomainHandler(deps.Domains)
	accountHandler := NewAccountHandler(deps.Auth, deps.Addresses)
	mailHandler := NewMailHandler(deps.Outbound, deps.Recorder)

	apiKeyAuth := middleware.NewAPIKeyAuth(deps.Config.Server.APIKey)

	// V1 API，全部需要 API Key
	v1 := router.Group("/v1", apiKeyAuth.RequireAPIKey())
	{
		domainRoutes := v1.Group("/domains")
		{
			domainRoutes.POST("", domainHandler.Provision)
			domainRoutes.GET("", domainHandler.List)
			domainRoutes.GET("/:domain", domainHandler.Get)
			domainRoutes.DELETE("/:domain", domainHandler.Deactivate)
			domainRoutes.PATCH("/:domain/records", domainHandler.UpdateRecords)
			domainRoutes.GET("/:domain/dns", domainHandler.DNSRecords)
			domainRoutes.GET("/:domain/dns/check", domainHandler.CheckDNS)
			domainRoutes.POST("/:domain/registrar", domainHandler.ConfigureRegistrar)
			domainRoutes.POST("/:domain/certificate", domainHandler.GenerateCertificate)
		}

		v1.GET("/certificates/expiring", domainHandler.ExpiringCertificates)

		registrarRoutes := v1.Group("/registrar")
		{
			registrarRoutes.GET("/domains", domainHandler.RegistrarDomains)
			registrarRoutes.POST("/validate", domainHandler.ValidateRegistrar)
		}

		userRoutes := v1.Group("/users")
		{
			userRoutes.POST("", accountHandler.CreateUser)
			userRoutes.GET("", accountHandler.ListUsers)
			userRoutes.GET("/:id", accountHandler.GetUser)
			userRoutes.PATCH("/:id", accountHandler.SetUserActive)
			userRoutes.POST("/:id/password", accountHandler.ChangePassword)
			userRoutes.GET("/:id/addresses", accountHandler.ListUserAddresses)
		}

		addressRoutes := v1.Group("/addresses")
		{
			addressRoutes.POST("", accountHandler.CreateAddress)
			addressRoutes.GET("/:address", accountHandler.GetAddress)
			addressRoutes.PATCH("/:address", accountHandler.SetAddressActive)
		}

		v1.POST("/send", mailHandler.Send)
		v1.GET("/logs", mailHandler.Logs)
		v1.GET("/messages", mailHandler.Messages)
		v1.GET("/messages/:id", mailHandler.Message)
	}

	return router
}
