package safe

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/metrics"
)

// Go 安全启动协程，panic 会被记录而不是拖垮整个进程
func Go(fn func()) {
	GoCtx(context.Background(), func(context.Context) { fn() })
}

// GoCtx 安全启动携带 context 的协程，便于在日志中保留链路信息（trace_id/session）。
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.PanicsRecovered.Inc()
				logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())),
				)
			}
		}()

		fn(ctx)
	}()
}
