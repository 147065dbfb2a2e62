package feed

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feed_state",
		Help: "Connection state, 1 for the current state and 0 for the others",
	}, []string{"state"})

	connectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_connect_total",
		Help: "Connect attempts, partitioned by result (ok/network/handshake/canceled)",
	}, []string{"result"})

	reconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_reconnect_total",
		Help: "Reconnect attempts made by the supervisor, partitioned by result",
	}, []string{"result"})

	readErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_read_errors_total",
		Help: "Reads that ended a session, partitioned by kind",
	}, []string{"kind"})

	bytesInTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_bytes_in_total",
		Help: "Bytes read from the gateway",
	})

	framesInTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_frames_total",
		Help: "Frames dispatched, partitioned by event type",
	}, []string{"event"})

	decodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feed_decode_errors_total",
		Help: "Reads the decoder could not turn into frames",
	})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feed_dropped_total",
		Help: "Frames dropped before reaching a handler",
	}, []string{"why"})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feed_dispatch_duration_seconds",
		Help:    "Time spent in the dispatcher per frame",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10), // 10µs -> ~2.6s
	})
)

func observeState(to State) {
	for _, s := range []State{Disconnected, Connecting, Live, Failed} {
		v := 0.0
		if s == to {
			v = 1
		}
		stateGauge.WithLabelValues(s.String()).Set(v)
	}
}

func connectResult(err error) string {
	if err == nil {
		return "ok"
	}
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce.Kind.String()
	}
	return "canceled"
}

func observeDispatch(event string, start time.Time) {
	framesInTotal.WithLabelValues(event).Inc()
	dispatchDuration.Observe(time.Since(start).Seconds())
}
