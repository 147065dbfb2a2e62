package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(buffer *bytes.Buffer, lvl zapcore.LevelEnabler) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(buffer),
		lvl,
	)
	return zap.New(core)
}

func TestLogger_Info_WithSessionTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer, zap.InfoLevel)
	defer func() { Log = zap.NewNop() }()

	ctx := WithTraceID(context.Background(), "session-7f3a")

	Info(ctx, "feed connected", zap.String("event", "1501-json-full"), zap.Int("bytes", 128))

	var logEntry map[string]interface{}
	err := json.Unmarshal(buffer.Bytes(), &logEntry)
	assert.NoError(t, err, "日志输出必须是合法的 JSON")

	assert.Equal(t, "info", logEntry["level"])
	assert.Equal(t, "feed connected", logEntry["msg"])
	assert.Equal(t, "1501-json-full", logEntry["event"])
	assert.Equal(t, float64(128), logEntry["bytes"])
	assert.Equal(t, "session-7f3a", logEntry["trace_id"], "TraceID 未能自动注入到日志中")
}

func TestLogger_Error_NoTraceID(t *testing.T) {
	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer, zap.InfoLevel)
	defer func() { Log = zap.NewNop() }()

	Error(context.Background(), "read failed", zap.String("cause", "closed"))

	var logEntry map[string]interface{}
	_ = json.Unmarshal(buffer.Bytes(), &logEntry)

	_, exists := logEntry["trace_id"]
	assert.False(t, exists, "没有 TraceID 的 Context 不应该输出 trace_id 字段")
	assert.Equal(t, "error", logEntry["level"])
}

func TestLogger_SetLevel(t *testing.T) {
	defer SetLevel("info")

	buffer := &bytes.Buffer{}
	Log = newBufferLogger(buffer, level)
	defer func() { Log = zap.NewNop() }()

	SetLevel("warn")
	assert.Equal(t, zapcore.WarnLevel, Level())
	Info(context.Background(), "dropped")
	assert.Zero(t, buffer.Len())

	SetLevel("debug")
	Debug(context.Background(), "kept")
	assert.Contains(t, buffer.String(), "kept")

	SetLevel("nonsense")
	assert.Equal(t, zapcore.InfoLevel, Level())
}

func TestLogger_NopBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Info(nil, "nobody listens")
	})
}
