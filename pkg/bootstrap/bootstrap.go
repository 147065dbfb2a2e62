// Package bootstrap holds the process plumbing every binary shares: the pprof
// and metrics listeners, sentinel rule loading and graceful shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"

	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/circuitbreaker"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
)

// SentinelCfg holds rules for inbound governance of the admin endpoints.
type SentinelCfg struct {
	Enabled bool          `mapstructure:"enabled"`
	Flow    FlowSection   `mapstructure:"flow"`
	Breaker BreakerConfig `mapstructure:"breaker"`
}

type FlowSection struct {
	Enabled bool       `mapstructure:"enabled"`
	Rules   []FlowRule `mapstructure:"rules"`
}

type FlowRule struct {
	Resource         string  `mapstructure:"resource"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	Strategy         string  `mapstructure:"strategy"`
	Control          string  `mapstructure:"control"`
	MaxQueueWaitMs   uint32  `mapstructure:"max_queue_wait_ms"`
	WarmUpSec        uint32  `mapstructure:"warm_up_sec"`
	WarmUpColdFactor uint32  `mapstructure:"warm_up_cold_factor"`
}

type BreakerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Rules   []BreakerRule `mapstructure:"rules"`
}

type BreakerRule struct {
	Resource         string  `mapstructure:"resource"`
	Strategy         string  `mapstructure:"strategy"`
	Threshold        float64 `mapstructure:"threshold"`
	StatIntervalMs   uint32  `mapstructure:"stat_interval_ms"`
	MinRequestAmount uint64  `mapstructure:"min_request_amount"`
	RetryTimeoutMs   uint32  `mapstructure:"retry_timeout_ms"`
}

// StartPprof serves net/http/pprof on addr in the background.
func StartPprof(addr string) *http.Server {
	runtime.SetMutexProfileFraction(10)
	runtime.SetBlockProfileRate(10000)

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return serve("pprof", &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	})
}

// StartMetrics serves the default prometheus registry on addr/metrics.
func StartMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return serve("metrics", &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	})
}

func serve(name string, srv *http.Server) *http.Server {
	go func() {
		logger.Info(context.Background(), name+" listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), name+" listen error", zap.Error(err))
		}
	}()
	return srv
}

// Shutdown gracefully stops every non-nil server within timeout.
func Shutdown(timeout time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, s := range servers {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn(ctx, "server shutdown", zap.String("addr", s.Addr), zap.Error(err))
		}
	}
}

// InitSentinel loads flow and breaker rules. It is a no-op when nothing is enabled.
func InitSentinel(sc SentinelCfg) error {
	if !(sc.Enabled || sc.Flow.Enabled || sc.Breaker.Enabled) {
		return nil
	}
	if err := sentinels.InitDefault(); err != nil {
		return fmt.Errorf("init sentinel: %w", err)
	}

	if sc.Flow.Enabled {
		if rules := flowRules(sc.Flow.Rules); len(rules) > 0 {
			if _, err := flow.LoadRules(rules); err != nil {
				return fmt.Errorf("load flow rules: %w", err)
			}
		}
	}
	if sc.Breaker.Enabled {
		if rules := breakerRules(sc.Breaker.Rules); len(rules) > 0 {
			if _, err := circuitbreaker.LoadRules(rules); err != nil {
				return fmt.Errorf("load circuit breaker rules: %w", err)
			}
		}
	}
	logger.Info(context.Background(), "sentinel rules loaded",
		zap.Int("flow", len(sc.Flow.Rules)), zap.Int("breaker", len(sc.Breaker.Rules)))
	return nil
}

func flowRules(in []FlowRule) []*flow.Rule {
	var out []*flow.Rule
	for _, rule := range in {
		if rule.Resource == "" {
			continue
		}
		r := &flow.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalInMs: rule.StatIntervalMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "warmup":
			r.TokenCalculateStrategy = flow.WarmUp
			r.WarmUpPeriodSec = rule.WarmUpSec
			r.WarmUpColdFactor = rule.WarmUpColdFactor
		case "memory_adaptive":
			r.TokenCalculateStrategy = flow.MemoryAdaptive
		default:
			r.TokenCalculateStrategy = flow.Direct
		}
		switch strings.ToLower(rule.Control) {
		case "throttling":
			r.ControlBehavior = flow.Throttling
			r.MaxQueueingTimeMs = rule.MaxQueueWaitMs
		default:
			r.ControlBehavior = flow.Reject
		}
		out = append(out, r)
	}
	return out
}

func breakerRules(in []BreakerRule) []*circuitbreaker.Rule {
	var out []*circuitbreaker.Rule
	for _, rule := range in {
		if rule.Resource == "" {
			continue
		}
		r := &circuitbreaker.Rule{
			Resource:         rule.Resource,
			Threshold:        rule.Threshold,
			StatIntervalMs:   rule.StatIntervalMs,
			MinRequestAmount: rule.MinRequestAmount,
			RetryTimeoutMs:   rule.RetryTimeoutMs,
		}
		switch strings.ToLower(rule.Strategy) {
		case "error_count":
			r.Strategy = circuitbreaker.ErrorCount
		case "slow_request_ratio":
			r.Strategy = circuitbreaker.SlowRequestRatio
		default:
			r.Strategy = circuitbreaker.ErrorRatio
		}
		out = append(out, r)
	}
	return out
}
