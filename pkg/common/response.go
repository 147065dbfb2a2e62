package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/xerr"
)

// 定义http返回格式
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{
		Code:    xerr.OK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

// Fail 错误返回只带 code/message，data=null
func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

// FailErr 按错误链上的 xerr 码回包；对外只给固定文案，原始错误只进日志
func FailErr(c *gin.Context, err error) {
	code := xerr.CodeOf(err)
	status := code
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	logger.Warn(c, "http error",
		zap.String("request_id", RequestIDFromGin(c)),
		zap.String("path", c.Request.URL.Path),
		zap.Int("code", code),
		zap.Error(err),
	)
	Fail(c, status, code, xerr.MapErrMsg(code))
}
