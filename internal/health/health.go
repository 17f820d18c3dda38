// Package health 基于 heptiolabs/healthcheck 提供存活和就绪检查。
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	defaultCheckTimeout  = 3 * time.Second
	maxGoroutines        = 10000
	readinessCheckPrefix = "ready-"
)

// Pinger 任何可以探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 将函数适配为 Pinger
type PingerFunc func(ctx context.Context) error

// Ping 实现 Pinger
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Checker 健康检查器
type Checker struct {
	handler healthcheck.Handler
	timeout time.Duration
	logger  *zap.Logger
}

// NewChecker 创建健康检查器，默认带有 goroutine 数量的存活检查
func NewChecker(logger *zap.Logger) *Checker {
	c := &Checker{
		handler: healthcheck.NewHandler(),
		timeout: defaultCheckTimeout,
		logger:  logger,
	}
	c.handler.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	return c
}

// AddReadiness 注册就绪检查，依赖不可用时 /health/ready 返回 503
func (c *Checker) AddReadiness(name string, dep Pinger) {
	c.handler.AddReadinessCheck(readinessCheckPrefix+name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		if err := dep.Ping(ctx); err != nil {
			c.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			return err
		}
		return nil
	}, c.timeout))
}

// Handler 返回健康检查处理器，提供 /live 和 /ready
func (c *Checker) Handler() http.Handler {
	return c.handler
}

// LiveEndpoint 存活检查
func (c *Checker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查
func (c *Checker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	c.handler.ReadyEndpoint(w, r)
}
