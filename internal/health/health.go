package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const checkTimeout = 3 * time.Second

// Pinger 可探活的依赖（Redis、pgx 连接池）
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store 存储层健康接口
type Store interface {
	Health() error
}

// Runner 后台组件（外发调度器）
type Runner interface {
	Running() bool
}

// HealthChecker 健康检查器，/live 只检查进程本身，/ready 检查外部依赖
type HealthChecker struct {
	health healthcheck.Handler
	checks map[string]healthcheck.Check
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store Store, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		checks: make(map[string]healthcheck.Check),
		logger: logger.Named("health"),
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	hc.AddReadiness("database", func() error { return store.Health() })
	return hc
}

// AddReadiness 添加就绪检查，单次检查超过 3 秒视为失败
func (hc *HealthChecker) AddReadiness(name string, check healthcheck.Check) {
	check = healthcheck.Timeout(check, checkTimeout)
	hc.checks[name] = check
	hc.health.AddReadinessCheck(name, check)
}

// AddPinger 以 Ping 作为就绪检查
func (hc *HealthChecker) AddPinger(name string, p Pinger) {
	hc.AddReadiness(name, PingCheck(p))
}

// AddRunner 后台组件停止时不就绪
func (hc *HealthChecker) AddRunner(name string, r Runner) {
	hc.AddReadiness(name, func() error {
		if !r.Running() {
			return errors.New("not running")
		}
		return nil
	})
}

// AddWritableDir 目录不可写时不就绪
func (hc *HealthChecker) AddWritableDir(name, dir string) {
	hc.AddReadiness(name, WritableDirCheck(dir))
}

// LiveHandler 存活检查处理器
func (hc *HealthChecker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// CheckHealth 执行全部就绪检查并返回可读结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string, len(hc.checks)+1)
	for name, check := range hc.checks {
		if err := check(); err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		} else {
			results[name] = "OK"
		}
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results
}

// PingCheck 带超时的 Ping 检查
func PingCheck(p Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return p.Ping(ctx)
	}
}

// WritableDirCheck 在目录中创建并删除临时文件
func WritableDirCheck(dir string) healthcheck.Check {
	return func() error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(filepath.Clean(name))
	}
}
