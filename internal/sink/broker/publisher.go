package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/metrics"
)

// Publisher is a feed dispatcher that republishes every frame on a broker
// under Topic(prefix, event).
type Publisher struct {
	b       Broker
	prefix  string
	name    string
	timeout time.Duration
	errLog  *rate.Limiter
}

func NewPublisher(b Broker, prefix, name string) *Publisher {
	if name == "" {
		name = "broker"
	}
	return &Publisher{
		b:       b,
		prefix:  prefix,
		name:    name,
		timeout: time.Second,
		errLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (p *Publisher) Handle(eventType string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.b.Publish(ctx, Topic(p.prefix, eventType), payload); err != nil {
		metrics.SinkWrites.WithLabelValues(p.name, "error").Inc()
		// 总线挂掉时每帧都会失败，日志限速
		if p.errLog.Allow() {
			logger.Warn(ctx, "publish failed", zap.String("sink", p.name), zap.String("event", eventType), zap.Error(err))
		}
		return
	}
	metrics.SinkWrites.WithLabelValues(p.name, "ok").Inc()
}
