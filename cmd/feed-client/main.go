package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"marketfeed.com/internal/app"
	"marketfeed.com/internal/feed"
	"marketfeed.com/pkg/config"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/trace"
)

const serviceName = "feed-client"

func main() {
	// 收到 SIGINT/SIGTERM 时取消，触发优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx))
}

func run(ctx context.Context) int {
	var cfg app.Config
	// 热更新只生效日志级别，其余配置重启生效
	_, err := config.LoadAndWatch(serviceName, &cfg, func() {
		if cfg.Log.Level != "" {
			logger.SetLevel(cfg.Log.Level)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}

	name := cfg.Name
	if name == "" {
		name = serviceName
	}
	logger.InitWithFile(name, cfg.Log.Level, cfg.Log.File)
	defer logger.Sync()

	if cfg.Trace.Endpoint != "" {
		shutdownTrace, err := trace.InitTrace(name, cfg.Trace.Endpoint)
		if err != nil {
			logger.Error(ctx, "init tracer", zap.Error(err))
			return 2
		}
		defer func() { _ = shutdownTrace(context.Background()) }()
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "init app", zap.Error(err))
		return 2
	}
	defer a.Close()

	logger.Info(ctx, "feed client starting", zap.String("gateway", feed.RedactedURL(cfg.Session)))
	if err := a.Run(ctx); err != nil {
		logger.Error(ctx, "feed client stopped", zap.Error(err), zap.Bool("unrecoverable", feed.IsUnrecoverable(err)))
		return 1
	}
	logger.Info(ctx, "feed client exit")
	return 0
}
