// Package schedule drives the trading window: connect at market open, stop and
// log out at market close.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
)

type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Open     string `mapstructure:"open"`  // cron, e.g. "15 9 * * 1-5"
	Close    string `mapstructure:"close"` // cron, e.g. "30 15 * * 1-5"
	Timezone string `mapstructure:"timezone"`
}

// DefaultConfig is the NSE cash session.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Open:     "15 9 * * 1-5",
		Close:    "30 15 * * 1-5",
		Timezone: "Asia/Kolkata",
	}
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Window is a recurring open/close pair.
type Window struct {
	open, close cron.Schedule
	loc         *time.Location
	cfg         Config
	now         func() time.Time
}

func NewWindow(cfg Config) (*Window, error) {
	def := DefaultConfig()
	if cfg.Open == "" {
		cfg.Open = def.Open
	}
	if cfg.Close == "" {
		cfg.Close = def.Close
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: timezone %q: %w", cfg.Timezone, err)
	}
	open, err := parser.Parse(cfg.Open)
	if err != nil {
		return nil, fmt.Errorf("schedule: open %q: %w", cfg.Open, err)
	}
	closeAt, err := parser.Parse(cfg.Close)
	if err != nil {
		return nil, fmt.Errorf("schedule: close %q: %w", cfg.Close, err)
	}
	return &Window{open: open, close: closeAt, loc: loc, cfg: cfg, now: time.Now}, nil
}

// IsOpen reports whether t falls between an open and the following close.
// The window is open exactly when the next event after t is a close.
func (w *Window) IsOpen(t time.Time) bool {
	t = t.In(w.loc)
	return w.close.Next(t).Before(w.open.Next(t))
}

// Next returns the next transition after t and whether it opens the window.
func (w *Window) Next(t time.Time) (at time.Time, opens bool) {
	t = t.In(w.loc)
	o, c := w.open.Next(t), w.close.Next(t)
	if o.Before(c) {
		return o, true
	}
	return c, false
}

// Hooks are called from the scheduler goroutine; a slow hook delays the next one.
type Hooks struct {
	OnOpen  func(ctx context.Context)
	OnClose func(ctx context.Context)
}

// Run fires hooks at every open and close until ctx is done. If the window is
// already open when Run starts, OnOpen fires immediately.
func (w *Window) Run(ctx context.Context, h Hooks) error {
	var mu sync.Mutex // open/close never overlap
	call := func(name string, fn func(context.Context)) func() {
		return func() {
			if fn == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			logger.Info(ctx, "trading window "+name, zap.Time("at", w.now().In(w.loc)))
			fn(ctx)
		}
	}
	onOpen, onClose := call("open", h.OnOpen), call("close", h.OnClose)

	c := cron.New(
		cron.WithLocation(w.loc),
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.PrintfLogger(zap.NewStdLog(logger.Log)))),
	)
	c.Schedule(w.open, cron.FuncJob(onOpen))
	c.Schedule(w.close, cron.FuncJob(onClose))

	now := w.now()
	next, opens := w.Next(now)
	logger.Info(ctx, "trading window scheduled",
		zap.String("open", w.cfg.Open), zap.String("close", w.cfg.Close),
		zap.String("tz", w.loc.String()), zap.Bool("open_now", w.IsOpen(now)),
		zap.Time("next", next), zap.Bool("next_opens", opens))

	c.Start()
	if w.IsOpen(now) {
		onOpen()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
