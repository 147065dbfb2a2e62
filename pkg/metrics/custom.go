package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CBRejectTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketfeed",
			Name:      "circuitbreaker_reject_total",
			Help:      "Total number of calls rejected by an open circuit breaker.",
		},
		[]string{"breaker"},
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "marketfeed",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0/1).",
		},
		[]string{"breaker", "state"}, // state: closed/open/half-open
	)

	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marketfeed",
		Name:      "redis_cmd_duration_seconds",
		Help:      "Redis command latency",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 15), // 0.5ms ~ 8s
	}, []string{"cmd", "status"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "redis_errors_total",
		Help:      "Redis errors",
	}, []string{"cmd"})

	SinkWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "sink_writes_total",
		Help:      "Events handed to a downstream sink, by sink and result.",
	}, []string{"sink", "result"})

	PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "goroutine_panics_total",
		Help:      "Panics recovered by safe.Go/GoCtx.",
	})

	// redis 连接池，每隔几秒从 PoolStats 刷新
	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketfeed",
		Name:      "redis_pool_open_conns",
	})
	RedisPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketfeed",
		Name:      "redis_pool_idle_conns",
	})
	RedisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "marketfeed",
		Name:      "redis_pool_timeouts_total",
	})
)

// SetBreakerState 把三个状态的 gauge 一次性刷新，当前状态为 1 其余为 0
func SetBreakerState(breaker, state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		CBState.WithLabelValues(breaker, s).Set(v)
	}
}
