package common

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID 请求和响应都带这个头
const HeaderRequestID = "X-Request-Id"

const (
	ctxKeyRequestID = "request_id"
	maxRequestIDLen = 64
)

// EnsureRequestID keeps the caller's X-Request-Id when it is short printable
// ASCII and otherwise mints a uuid. The id is stored on c and echoed back.
func EnsureRequestID(c *gin.Context) string {
	rid := c.GetHeader(HeaderRequestID)
	if !validRequestID(rid) {
		rid = uuid.NewString()
	}
	c.Set(ctxKeyRequestID, rid)
	c.Header(HeaderRequestID, rid)
	return rid
}

// 获取id，EnsureRequestID 之前为空
func RequestIDFromGin(c *gin.Context) string {
	return c.GetString(ctxKeyRequestID)
}

// 外部传进来的 id 会原样写进日志，不接受控制字符和超长值
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
