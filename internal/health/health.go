package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Dependency 需要检查的依赖，存储层和 Redis 客户端都满足
type Dependency interface {
	Health(ctx context.Context) error
}

// DependencyFunc 函数形式的依赖
type DependencyFunc func(ctx context.Context) error

// Health 实现 Dependency
func (f DependencyFunc) Health(ctx context.Context) error { return f(ctx) }

// HealthChecker 健康检查器
type HealthChecker struct {
	health  healthcheck.Handler
	deps    map[string]Dependency
	order   []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - store: 存储层，作为就绪检查
//   - logger: 日志记录器
func NewHealthChecker(store Dependency, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		deps:    make(map[string]Dependency),
		timeout: 5 * time.Second,
		logger:  logger,
	}

	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.AddReadinessDependency("database", store)

	return hc
}

// AddReadinessDependency 添加就绪检查，nil 被忽略
func (hc *HealthChecker) AddReadinessDependency(name string, dep Dependency) {
	if dep == nil {
		return
	}
	hc.deps[name] = dep
	hc.order = append(hc.order, name)
	hc.health.AddReadinessCheck(name, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		return dep.Health(ctx)
	})
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行全部就绪检查并返回各项状态
func (hc *HealthChecker) CheckHealth(ctx context.Context) map[string]string {
	results := make(map[string]string, len(hc.order)+1)

	for _, name := range hc.order {
		if err := hc.deps[name].Health(ctx); err != nil {
			hc.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			results[name] = fmt.Sprintf("ERROR: %v", err)
			continue
		}
		results[name] = "OK"
	}

	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results
}

// Healthy 判断 CheckHealth 的结果是否全部正常
func Healthy(results map[string]string) bool {
	for name, status := range results {
		if name == "timestamp" {
			continue
		}
		if status != "OK" {
			return false
		}
	}
	return true
}
