// Package admin serves the operator endpoints: liveness, connection state and
// prometheus metrics.
package admin

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"
	"marketfeed.com/internal/feed"
	"marketfeed.com/pkg/middleware"
	"marketfeed.com/pkg/ratelimit"
)

// StatusSource is the part of the feed client the endpoints read.
type StatusSource interface {
	State() feed.Status
	SessionID() string
}

type Options struct {
	Addr        string
	ServiceName string
	Sentinel    bool    // route inbound requests through sentinel rules
	RatePerIP   float64 // 0 disables the per-ip limiter
	// WindowOpen, if set, reports whether the trading window is open.
	WindowOpen func() bool
	// WindowNext, if set, returns the next open or close after t.
	WindowNext func(t time.Time) (at time.Time, opens bool)
}

// ginprom 注册到默认 registry，一个进程只能建一次
var (
	promOnce sync.Once
	prom     *ginprom.Prometheus
)

func NewRouter(src StatusSource, opt Options) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.ContextWithFallback = true

	promOnce.Do(func() { prom = ginprom.NewPrometheus("marketfeed_admin") })
	// /metrics 由 ginprom 挂载
	prom.Use(r)

	name := opt.ServiceName
	if name == "" {
		name = "feed-client"
	}
	r.Use(
		otelgin.Middleware(name),
		middleware.ReqId(),
		cors.Default(),
		middleware.Recover(),
	)
	if opt.RatePerIP > 0 {
		r.Use(middleware.RateLimit(ratelimit.NewStore(rate.Limit(opt.RatePerIP), int(opt.RatePerIP)*2+1)))
	}
	if opt.Sentinel {
		r.Use(middleware.Sentinel("admin:"))
	}

	h := &handler{src: src, windowOpen: opt.WindowOpen, windowNext: opt.WindowNext}
	r.GET("/healthz", h.healthz)
	r.GET("/state", h.state)
	r.GET("/window", h.window)
	return r
}

func NewServer(src StatusSource, opt Options) *http.Server {
	return &http.Server{
		Addr:              opt.Addr,
		Handler:           NewRouter(src, opt),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}
