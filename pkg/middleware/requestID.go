package middleware

import (
	"github.com/gin-gonic/gin"
	"marketfeed.com/pkg/common"
	"marketfeed.com/pkg/logger"
)

// ReqId 取请求头里的 request id，没有就生成；同时作为日志的 trace_id
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := common.EnsureRequestID(c)
		c.Set(logger.TraceIdKey, rid) // logger.X(c, ...) 直接能取到
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), rid))
		c.Next()
	}
}
