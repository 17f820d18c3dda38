package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailsink/backend/internal/auth/jwt"
	"mailsink/backend/internal/config"
	"mailsink/backend/internal/health"
	"mailsink/backend/internal/middleware"
	"mailsink/backend/internal/monitoring"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config      *config.Config
	Ingester    Ingester
	Inboxes     InboxManager
	Attachments AttachmentReader
	Emails      EmailReader
	Reaper      ReaperRunner
	Tokens      *jwtpkg.Manager
	Health      *health.Checker
	Metrics     *monitoring.Metrics
	Throttle    *middleware.IPThrottle // 作用于 /v1，为 nil 时不限流
	Logger      *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.HeaderAPIKey},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "Retry-After"},
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
	router.Use(gincors.New(corsConfig))

	internalKey := deps.Config.Internal.APIKey

	webhookHandler := NewWebhookHandler(deps.Ingester, deps.Tokens, deps.Config.Webhook, deps.Metrics, deps.Logger)
	inboxHandler := NewInboxHandler(deps.Inboxes)
	attachmentHandler := NewAttachmentHandler(deps.Attachments, deps.Emails, deps.Tokens, deps.Logger)
	reaperHandler := NewReaperHandler(deps.Reaper)

	// 健康检查与指标
	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// ========== Webhook Routes ==========
	// 不做按 IP 限流：提供商从少量出口 IP 突发投递，鉴权靠签名，429 只用于收件箱配额
	webhooks := router.Group("/webhooks")
	webhooks.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))
	{
		webhooks.POST("/form", webhookHandler.HandleForm)
		webhooks.POST("/json", webhookHandler.HandleJSON)
	}

	// ========== V1 API ==========
	v1 := router.Group("/v1")
	v1.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	if deps.Throttle != nil {
		v1.Use(deps.Throttle.Middleware())
	}
	{
		v1.POST("/inboxes", middleware.OptionalInternalKey(internalKey), inboxHandler.Create)
		v1.GET("/attachments/:id/download", attachmentHandler.Download)
	}

	// ========== Internal Routes ==========
	internal := router.Group("/internal")
	internal.Use(middleware.RequireInternalKey(internalKey))
	internal.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	{
		internal.GET("/inboxes/:id", inboxHandler.Get)
		internal.PUT("/inboxes/:id/tier", inboxHandler.UpdateTier)
		internal.POST("/attachments/:id/token", attachmentHandler.IssueToken)
		internal.POST("/reaper/run", reaperHandler.Run)
	}

	return router
}
