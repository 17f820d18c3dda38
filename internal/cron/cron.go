// Package cron 在 server 进程内调度周期任务（过期附件清理、限流表清理）。
package cron

import (
	"context"
	"fmt"
	"sync"

	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job 周期任务，ctx 在 Manager 停止时取消
type Job func(ctx context.Context) error

// Manager 封装 robfig/cron 调度器
type Manager struct {
	log  *zap.Logger
	cron *cronv3.Cron

	mu     sync.Mutex
	jobIDs map[string]cronv3.EntryID
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager 创建调度器。同一任务上一次未结束时跳过本次触发，任务 panic 会被恢复并记录
func NewManager(log *zap.Logger) *Manager {
	cl := zapLogger{log: log.Named("cron")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		log: log,
		cron: cronv3.New(
			cronv3.WithLogger(cl),
			cronv3.WithChain(
				cronv3.SkipIfStillRunning(cl),
				cronv3.Recover(cl),
			),
		),
		jobIDs: make(map[string]cronv3.EntryID),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register 注册任务，spec 支持标准 5 段表达式和 @every 等描述符
func (m *Manager) Register(name, spec string, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobIDs[name]; exists {
		return fmt.Errorf("cron job %q already registered", name)
	}

	id, err := m.cron.AddFunc(spec, func() {
		m.log.Debug("cron job started", zap.String("job", name))
		if err := job(m.ctx); err != nil {
			m.log.Error("cron job failed", zap.String("job", name), zap.Error(err))
			return
		}
		m.log.Debug("cron job finished", zap.String("job", name))
	})
	if err != nil {
		return fmt.Errorf("add cron job %q with schedule %q: %w", name, spec, err)
	}

	m.jobIDs[name] = id
	m.log.Info("registered cron job", zap.String("job", name), zap.String("schedule", spec))
	return nil
}

// Jobs 返回已注册的任务名
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.jobIDs))
	for name := range m.jobIDs {
		names = append(names, name)
	}
	return names
}

// Start 启动调度器
func (m *Manager) Start() {
	m.log.Info("starting cron manager", zap.Int("jobs", len(m.Jobs())))
	m.cron.Start()
}

// Stop 停止调度并取消正在运行的任务，等待它们返回或 ctx 到期
func (m *Manager) Stop(ctx context.Context) error {
	m.log.Info("stopping cron manager")
	done := m.cron.Stop()
	m.cancel()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// zapLogger 将 zap 适配为 cron.Logger
type zapLogger struct {
	log *zap.Logger
}

func (l zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw(msg, keysAndValues...)
}

func (l zapLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
