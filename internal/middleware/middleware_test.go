package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"mailsink/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func okHandler(c *gin.Context) { c.String(http.StatusOK, "ok") }

func TestRequireInternalKey(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{"未配置密钥", "", "anything", http.StatusForbidden},
		{"缺少请求头", "secret", "", http.StatusUnauthorized},
		{"密钥错误", "secret", "wrong", http.StatusUnauthorized},
		{"密钥正确", "secret", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/internal", RequireInternalKey(tt.key), func(c *gin.Context) {
				assert.True(t, IsInternal(c))
				okHandler(c)
			})

			req := httptest.NewRequest(http.MethodGet, "/internal", nil)
			if tt.header != "" {
				req.Header.Set(HeaderAPIKey, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestOptionalInternalKey(t *testing.T) {
	r := gin.New()
	r.GET("/", OptionalInternalKey("secret"), func(c *gin.Context) {
		c.String(http.StatusOK, "%v", IsInternal(c))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "false", w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "true", w.Body.String())
}

func TestIPThrottle(t *testing.T) {
	throttle := NewIPThrottle(1, 2, zap.NewNop())
	now := time.Unix(1700000000, 0)
	throttle.now = func() time.Time { return now }

	assert.True(t, throttle.Allow("1.1.1.1"))
	assert.True(t, throttle.Allow("1.1.1.1"))
	assert.False(t, throttle.Allow("1.1.1.1"))
	assert.True(t, throttle.Allow("2.2.2.2"), "不同 IP 独立计数")

	now = now.Add(time.Second)
	assert.True(t, throttle.Allow("1.1.1.1"))

	t.Run("清理空闲 IP", func(t *testing.T) {
		now = now.Add(11 * time.Minute)
		assert.Equal(t, 2, throttle.Cleanup())
	})

	t.Run("不限制", func(t *testing.T) {
		unlimited := NewIPThrottle(0, 0, zap.NewNop())
		for i := 0; i < 100; i++ {
			assert.True(t, unlimited.Allow("1.1.1.1"))
		}
	})
}

func TestIPThrottle_Middleware(t *testing.T) {
	throttle := NewIPThrottle(0.5, 1, zap.NewNop())
	r := gin.New()
	r.POST("/webhooks/form", throttle.Middleware(), okHandler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/form", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.POST("/", BodySizeLimit(8), func(c *gin.Context) {
		if _, err := c.GetRawData(); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too large")
			return
		}
		okHandler(c)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("small")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("this is too large")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics()
	mm := NewMonitoringMiddleware(metrics, zap.NewNop())

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/ok", okHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PanicsTotal))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/ok", "200")))
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/", okHandler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
