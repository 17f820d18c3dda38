package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailsink/backend/internal/bootstrap"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/logger"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/service"
)

// main 执行一次过期附件回收后退出，供外部调度器（crontab、Kubernetes CronJob）使用。
func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "单次回收的最长时间")
	batch := flag.Int("batch", 0, "每页扫描的附件数，0 表示使用配置")
	concurrency := flag.Int("concurrency", 0, "并发删除数，0 表示使用配置")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *batch > 0 {
		cfg.Reaper.BatchSize = *batch
	}
	if *concurrency > 0 {
		cfg.Reaper.Concurrency = *concurrency
	}

	log, err := logger.New(cfg.Log, "mailsink-reaper")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	os.Exit(run(cfg, log, *timeout))
}

func run(cfg *config.Config, log *zap.Logger, timeout time.Duration) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to initialize storage", zap.Error(err))
		return 1
	}
	defer func() { _ = store.Close() }()

	blobs, err := bootstrap.OpenBlobStore(cfg, log)
	if err != nil {
		log.Error("failed to initialize blob storage", zap.Error(err))
		return 1
	}

	reaper := service.NewReaper(store, blobs, cfg.Reaper.BatchSize, cfg.Reaper.Concurrency, monitoring.NewMetrics(), log)
	report, err := reaper.Run(ctx)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		log.Error("reaper run failed", zap.Error(err))
		return 1
	}
	if report.Failed > 0 {
		// 失败的附件保留原路径，下次运行重试
		return 2
	}
	return 0
}
