package middleware

import (
	"fmt"
	"net/http"

	"github.com/ceyewan/genesis/clog"
	"github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"
)

// GlobalIPLimit 握手接口的默认 IP 限流规则
// WebSocket 握手是网关唯一的公开入口，常规客户端重连不会超过这个速率。
var GlobalIPLimit = ratelimit.Limit{
	Rate:  20,
	Burst: 40,
}

// GlobalIP 全局 IP 限流中间件，保护握手接口
func GlobalIP(limiter ratelimit.Limiter, logger clog.Logger, limit ratelimit.Limit) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("global_ip:%s", c.ClientIP())

		allowed, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			// 降级：限流器出错时放行
			logger.Error("global ratelimit check failed", clog.Error(err))
			c.Next()
			return
		}

		if !allowed {
			logger.Warn("global rate limit exceeded",
				clog.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
