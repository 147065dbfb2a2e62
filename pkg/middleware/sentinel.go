package middleware

import (
	"net/http"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"marketfeed.com/pkg/common"
	"marketfeed.com/pkg/logger"
)

// Sentinel 以路由为资源名走 sentinel 规则；未加载规则时所有请求直接放行
func Sentinel(prefix string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		resource := prefix + route

		entry, blockErr := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockErr != nil {
			logger.Warn(c, "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("blockType", blockErr.BlockType().String()),
			)
			common.Fail(c, http.StatusTooManyRequests, http.StatusTooManyRequests, "service is busy, please try again later")
			c.Abort()
			return
		}
		defer entry.Exit()

		c.Next()

		// 只有 5xx 算系统错误，计入熔断统计
		if c.Writer.Status() >= http.StatusInternalServerError {
			sentinels.TraceError(entry, errStatus(c.Writer.Status()))
		}
	}
}

type errStatus int

func (e errStatus) Error() string { return http.StatusText(int(e)) }
