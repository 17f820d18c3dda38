package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAPIKey 内部接口使用的请求头
const HeaderAPIKey = "X-API-Key"

// ContextKeyInternal 请求已通过内部密钥校验
const ContextKeyInternal = "internalCaller"

// HasInternalKey 以常量时间比较请求头中的内部密钥，key 为空时总是返回 false
func HasInternalKey(c *gin.Context, key string) bool {
	if key == "" {
		return false
	}
	provided := c.GetHeader(HeaderAPIKey)
	return subtle.ConstantTimeCompare([]byte(provided), []byte(key)) == 1
}

// RequireInternalKey 要求请求携带正确的内部 API Key
func RequireInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code": http.StatusForbidden,
				"msg":  "内部接口未启用",
			})
			return
		}
		if c.GetHeader(HeaderAPIKey) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "缺少 API Key",
			})
			return
		}
		if !HasInternalKey(c, key) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code": http.StatusUnauthorized,
				"msg":  "API Key 无效",
			})
			return
		}

		c.Set(ContextKeyInternal, true)
		c.Next()
	}
}

// OptionalInternalKey 校验可选的内部密钥，只标记上下文不拦截
func OptionalInternalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if HasInternalKey(c, key) {
			c.Set(ContextKeyInternal, true)
		}
		c.Next()
	}
}

// IsInternal 判断请求是否来自内部调用方
func IsInternal(c *gin.Context) bool {
	return c.GetBool(ContextKeyInternal)
}
