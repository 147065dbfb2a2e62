package xerr

import (
	"errors"
	"fmt"
)

// 常用错误码定义（与 HTTP 状态码对齐，方便直接透传网关返回）
const (
	OK                 = 200
	RequestParamsError = 400
	Unauthorized       = 401
	RecordNotFound     = 404
	ServerCommonError  = 500
	UpstreamError      = 502
	UpstreamTimeout    = 504
)

type CodeError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// CodeOf 取出错误链上的错误码，没有则返回 ServerCommonError
func CodeOf(err error) int {
	if err == nil {
		return OK
	}
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// IsClientSide 4xx：请求本身的问题，重试没有意义
func IsClientSide(err error) bool {
	c := CodeOf(err)
	return c >= 400 && c < 500
}

func MapErrMsg(code int) string {
	switch code {
	case RequestParamsError:
		return "bad request"
	case Unauthorized:
		return "unauthorized"
	case RecordNotFound:
		return "not found"
	case ServerCommonError:
		return "internal error"
	case UpstreamError:
		return "upstream error"
	case UpstreamTimeout:
		return "upstream timeout"
	default:
		return "unknown error"
	}
}
