package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailsink/backend/internal/auth/jwt"
	"mailsink/backend/internal/bootstrap"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/cron"
	"mailsink/backend/internal/events"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/logger"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
	"mailsink/backend/internal/security"
	"mailsink/backend/internal/service"
	httptransport "mailsink/backend/internal/transport/http"
)

const version = "1.0.0"

// main 启动 webhook 接收服务，并按配置在进程内调度过期附件回收。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.New(cfg.Log, "mailsink-server")
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting mailsink server",
		zap.String("version", version),
		zap.String("log_level", cfg.Log.Level),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("events", cfg.Events.Driver),
	)
	if cfg.Webhook.Form.Secret == "" || cfg.Webhook.JSON.Secret == "" {
		log.Warn("webhook secret missing, requests from that provider will be rejected")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close warning", zap.Error(err))
		}
	}()

	blobs, err := bootstrap.OpenBlobStore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize blob storage", zap.Error(err))
	}

	publisher, err := bootstrap.OpenPublisher(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event publisher", zap.Error(err))
	}

	metrics := monitoring.NewMetrics()

	checker := health.NewChecker(log)
	checker.AddReadiness("database", store)
	if publisher.Redis != nil {
		checker.AddReadiness("redis", publisher.Redis)
	}
	if pinger, ok := blobs.(health.Pinger); ok {
		checker.AddReadiness("blob", pinger)
	}

	// 分发器 Stop 时负责关闭发布者
	dispatcher := events.NewDispatcher(publisher, cfg.Events.Workers, cfg.Events.QueueSize, metrics, log)

	limiter := service.NewRateLimiter(store, cfg.Inbox.RateLimitMax, cfg.Inbox.RateLimitWindow, metrics, log)
	inboxes := service.NewInboxService(store, limiter, cfg.Inbox, metrics, log)
	attachments := service.NewAttachmentStore(store, blobs, log)
	ingestion := service.NewIngestionService(service.IngestionDeps{
		Resolver:    service.NewInboxResolver(store),
		Emails:      store,
		Attachments: attachments,
		Scorer:      security.NewSpamScorer(),
		Validator:   security.NewAttachmentValidator(),
		Profiles:    bootstrap.SpamProfiles(cfg.Webhook),
		Dispatcher:  dispatcher,
		Metrics:     metrics,
		Log:         log,
	})
	reaper := service.NewReaper(store, blobs, cfg.Reaper.BatchSize, cfg.Reaper.Concurrency, metrics, log)
	tokens := jwtpkg.NewManager(cfg.Download.Secret, cfg.Download.Issuer, cfg.Download.TokenTTL)
	throttle := middleware.NewIPThrottle(cfg.Server.RateLimit, cfg.Server.RateBurst, log)

	scheduler := cron.NewManager(log)
	if cfg.Reaper.Enabled {
		err := scheduler.Register("attachment-reaper", cfg.Reaper.Schedule, func(ctx context.Context) error {
			_, err := reaper.Run(ctx)
			if errors.Is(err, service.ErrReaperBusy) {
				return nil
			}
			return err
		})
		if err != nil {
			log.Fatal("failed to schedule reaper", zap.Error(err))
		}
	}
	if err := scheduler.Register("throttle-cleanup", "@every 5m", func(context.Context) error {
		if n := throttle.Cleanup(); n > 0 {
			log.Debug("idle throttle entries removed", zap.Int("count", n))
		}
		return nil
	}); err != nil {
		log.Fatal("failed to schedule throttle cleanup", zap.Error(err))
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:      cfg,
		Ingester:    ingestion,
		Inboxes:     inboxes,
		Attachments: attachments,
		Emails:      store,
		Reaper:      reaper,
		Tokens:      tokens,
		Health:      checker,
		Metrics:     metrics,
		Throttle:    throttle,
		Logger:      log,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 关闭时仍要发布已排队的事件，worker 不跟随关闭信号取消
	dispatcher.Start(context.WithoutCancel(groupCtx))
	scheduler.Start()
	log.Info("scheduled jobs started", zap.Strings("jobs", scheduler.Jobs()))

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 优雅关闭：先停止接收请求，再停止定时任务，最后排空事件队列
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := scheduler.Stop(shutdownCtx); err != nil {
			log.Warn("scheduler stop warning", zap.Error(err))
		}
		if err := dispatcher.Stop(); err != nil {
			log.Warn("event dispatcher stop warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", zap.Error(err))
		return
	}

	log.Info("server exited cleanly")
}
