package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPThrottle 按客户端 IP 的令牌桶限流，保护 webhook 入口
type IPThrottle struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	log     *zap.Logger

	mu       sync.Mutex
	visitors map[string]*visitor
	now      func() time.Time
}

// NewIPThrottle 创建限流器，perSecond <= 0 表示不限制
func NewIPThrottle(perSecond float64, burst int, log *zap.Logger) *IPThrottle {
	if burst <= 0 {
		burst = 1
	}
	return &IPThrottle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		log:      log,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

// Allow 判断来自 ip 的请求是否放行
func (t *IPThrottle) Allow(ip string) bool {
	if t.limit <= 0 {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	v, ok := t.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Cleanup 移除长时间没有请求的 IP，返回移除数量
func (t *IPThrottle) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.idleTTL)
	removed := 0
	for ip, v := range t.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(t.visitors, ip)
			removed++
		}
	}
	return removed
}

// Middleware 返回 gin 中间件
func (t *IPThrottle) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if t.Allow(ip) {
			c.Next()
			return
		}

		t.log.Warn("request throttled",
			zap.String("ip", ip),
			zap.String("path", c.Request.URL.Path),
		)
		c.Header("Retry-After", strconv.Itoa(t.retryAfterSeconds()))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code": http.StatusTooManyRequests,
			"msg":  "请求过于频繁，请稍后重试",
		})
	}
}

func (t *IPThrottle) retryAfterSeconds() int {
	secs := int(1 / float64(t.limit))
	if secs < 1 {
		return 1
	}
	return secs
}
