package feed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"marketfeed.com/pkg/logger"
)

// maxTracedBytes caps how much of a read is copied into the trace log.
const maxTracedBytes = 256

// receiveLoop reads one session until the state leaves Live. It holds only the
// session and the shared state, never the client.
type receiveLoop struct {
	ctx        context.Context // carries the session id for logs
	session    Session
	state      *ConnState
	decoder    Decoder
	dispatcher Dispatcher
	trace      *rate.Limiter

	// dispatching is set only by the loop goroutine, for the duration of a
	// Handle call. Stop reads it to avoid joining the loop from inside a handler.
	dispatching atomic.Bool
}

func (l *receiveLoop) run() {
	defer func() {
		// 业务 handler panic：先把会话置为 Failed，让 supervisor 接手，再交给 safe.Go 记录
		if r := recover(); r != nil {
			l.state.CompareAndTransition(Live, Failed, fmt.Errorf("receive loop panic: %v", r))
			_ = l.session.Close()
			panic(r)
		}
	}()

	logger.Info(l.ctx, "receive loop started")
	for l.state.Load().State == Live {
		raw, err := l.session.ReadFrame()
		if err != nil {
			l.fail(err)
			return
		}
		if len(raw) == 0 {
			continue
		}
		bytesInTotal.Add(float64(len(raw)))
		l.traceRead(raw)

		frames, err := l.decoder.Decode(raw)
		if err != nil {
			decodeErrorsTotal.Inc()
			logger.Warn(l.ctx, "decode failed, read skipped", zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		for _, f := range frames {
			if !l.dispatch(f) {
				return
			}
		}
	}
	logger.Info(l.ctx, "receive loop exited", zap.Stringer("state", l.state.Load().State))
}

// dispatch hands one frame to the dispatcher and reports false, without
// dispatching, once the state has left Live. stop() 之后不再派发
func (l *receiveLoop) dispatch(f Frame) bool {
	// 先置位再检查状态，和 Stop 的先迁移再读标志配对
	l.dispatching.Store(true)
	defer l.dispatching.Store(false)
	if l.state.Load().State != Live {
		return false
	}
	start := time.Now()
	l.dispatcher.Handle(f.Event, f.Payload)
	observeDispatch(f.Event, start)
	return true
}

func (l *receiveLoop) fail(err error) {
	var ioe *IoError
	if !errors.As(err, &ioe) {
		ioe = &IoError{Kind: IoTransient, Err: err}
	}
	// 如果已经是 Disconnected（用户主动 stop 关掉了连接），这次读错误是预期内的
	if !l.state.CompareAndTransition(Live, Failed, ioe) {
		logger.Info(l.ctx, "receive loop exited after stop", zap.Error(ioe))
		return
	}
	readErrorsTotal.WithLabelValues(ioe.Kind.String()).Inc()
	logger.Warn(l.ctx, "read failed, session marked failed", zap.Error(ioe))
}

func (l *receiveLoop) traceRead(raw []byte) {
	if l.trace == nil || !l.trace.Allow() {
		return
	}
	n := len(raw)
	if n > maxTracedBytes {
		raw = raw[:maxTracedBytes]
	}
	logger.Debug(l.ctx, "received", zap.Int("bytes", n), zap.ByteString("data", raw))
}
