// Package redisstream appends feed frames to one Redis stream per event type.
package redisstream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/metrics"
)

type Config struct {
	Prefix  string        `mapstructure:"prefix"`  // stream key = prefix + event
	MaxLen  int64         `mapstructure:"max_len"` // approximate trim, 0 = unbounded
	Timeout time.Duration `mapstructure:"timeout"`
}

type streamWriter interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// Sink is a feed dispatcher. Each frame becomes one XADD with fields
// event, payload and ts (receive time, unix ms).
type Sink struct {
	rdb    streamWriter
	cfg    Config
	errLog *rate.Limiter
	now    func() time.Time
}

func New(rdb *redis.Client, cfg Config) *Sink {
	return newSink(rdb, cfg)
}

func newSink(rdb streamWriter, cfg Config) *Sink {
	if cfg.Prefix == "" {
		cfg.Prefix = "md:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &Sink{rdb: rdb, cfg: cfg, errLog: rate.NewLimiter(rate.Every(time.Second), 1), now: time.Now}
}

func (s *Sink) Handle(eventType string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: s.cfg.Prefix + eventType,
		Values: []any{"event", eventType, "payload", payload, "ts", s.now().UnixMilli()},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	start := time.Now()
	err := s.rdb.XAdd(ctx, args).Err()
	status := "ok"
	if err != nil {
		status = "error"
		metrics.RedisErrors.WithLabelValues("xadd").Inc()
		metrics.SinkWrites.WithLabelValues("redis", "error").Inc()
		if s.errLog.Allow() {
			logger.Warn(ctx, "xadd failed", zap.String("stream", args.Stream), zap.Error(err))
		}
	} else {
		metrics.SinkWrites.WithLabelValues("redis", "ok").Inc()
	}
	metrics.RedisCmdDuration.WithLabelValues("xadd", status).Observe(time.Since(start).Seconds())
}
