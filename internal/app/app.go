// Package app wires the feed client, its sinks and the operator surface into
// one process.
package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"marketfeed.com/internal/admin"
	"marketfeed.com/internal/feed"
	"marketfeed.com/internal/feed/codec"
	"marketfeed.com/internal/feed/wstransport"
	"marketfeed.com/internal/schedule"
	"marketfeed.com/internal/sink/broker"
	"marketfeed.com/internal/sink/influxsink"
	"marketfeed.com/internal/sink/redisstream"
	"marketfeed.com/internal/xts"
	"marketfeed.com/internal/xts/auth"
	"marketfeed.com/pkg/bootstrap"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/safe"
	"marketfeed.com/pkg/xredis"
)

type App struct {
	cfg Config

	rdb       *redis.Client
	lease     *xredis.Lease
	auth      *auth.Client
	tokens    auth.TokenCache
	bus       broker.Broker
	influx    *influxsink.Sink
	queues    []*feed.AsyncDispatcher
	dispatch  feed.Dispatcher
	decoder   feed.Decoder
	connector feed.Connector
	window    *schedule.Window
	admin     *http.Server
	servers   []*http.Server // pprof / metrics

	mu          sync.Mutex
	client      *feed.Client
	cancelSess  context.CancelFunc
	sessionDone chan struct{}

	fatal chan error
}

// New validates cfg and builds every component. Nothing is dialed to the
// market-data gateway until Run.
func New(ctx context.Context, cfg Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, fatal: make(chan error, 1)}

	if err := bootstrap.InitSentinel(cfg.Sentinel); err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled {
		rdb, err := xredis.NewRedis(ctx, &cfg.Redis.Config)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		a.tokens = auth.NewRedisTokenCache(rdb, cfg.Redis.TokenKey)
		if cfg.Redis.Lease.Enabled {
			a.lease = xredis.NewLease(rdb, cfg.Redis.Lease.Key, cfg.Redis.Lease.TTL)
		}
	}

	if cfg.Auth.Enabled {
		var opts []auth.Option
		if a.tokens != nil {
			opts = append(opts, auth.WithTokenCache(a.tokens))
		}
		c, err := auth.New(cfg.Auth.Config, opts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.auth = c
	}

	if err := a.buildSinks(); err != nil {
		a.Close()
		return nil, err
	}

	dec, err := codec.New(cfg.Decoder.Name, cfg.Decoder.RawEvent)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.decoder = dec
	a.connector = newConnector(cfg)

	if cfg.Schedule.Enabled {
		w, err := schedule.NewWindow(cfg.Schedule)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.window = w
	}

	if cfg.Admin.Addr != "" {
		opt := admin.Options{
			Addr:        cfg.Admin.Addr,
			ServiceName: cfg.Name,
			Sentinel:    cfg.Sentinel.Enabled || cfg.Sentinel.Flow.Enabled || cfg.Sentinel.Breaker.Enabled,
			RatePerIP:   cfg.Admin.RatePerIP,
		}
		if a.window != nil {
			opt.WindowOpen = func() bool { return a.window.IsOpen(time.Now()) }
			opt.WindowNext = a.window.Next
		}
		a.admin = admin.NewServer(a, opt)
	}
	if cfg.Admin.PprofAddr != "" {
		a.servers = append(a.servers, bootstrap.StartPprof(cfg.Admin.PprofAddr))
	}
	if cfg.Admin.MetricsAddr != "" {
		a.servers = append(a.servers, bootstrap.StartMetrics(cfg.Admin.MetricsAddr))
	}
	return a, nil
}

// newConnector: socketio 走 engine.io 的 websocket 传输
func newConnector(cfg Config) *wstransport.Connector {
	conn := wstransport.NewConnector()
	if cfg.Decoder.Name != "socketio" {
		return conn
	}
	d := cfg.Decoder
	conn.Path = d.SocketIOPath
	if conn.Path == "" {
		conn.Path = codec.SocketIOPath(cfg.Session.BaseURL)
	}
	conn.Query = codec.EngineIOQuery(d.EngineIO)
	conn.Reply = codec.EngineIOPong
	if d.EngineIO >= 4 {
		conn.Greeting = [][]byte{codec.SocketIOConnect}
	} else {
		conn.Ping, conn.PingInterval = codec.EngineIOPing, d.PingInterval
	}
	return conn
}

// buildSinks: every frame goes to the bus and the redis stream; touchline and
// candle frames are also written to influx. Each sink has its own queue so a
// slow sink never blocks the receive loop.
func (a *App) buildSinks() error {
	cfg := a.cfg
	busName := "mem"
	if cfg.Nats.Enabled {
		b, err := broker.NewNatsBroker(cfg.Nats.NatsConfig)
		if err != nil {
			return err
		}
		a.bus, busName = b, "nats"
	} else {
		a.bus = broker.NewMemBroker(1024)
	}

	queue := func(name string, d feed.Dispatcher) feed.Dispatcher {
		q := feed.NewAsyncDispatcher(d, cfg.QueueSize, feed.WithDropWhenFull(), feed.WithName(name))
		a.queues = append(a.queues, q)
		return q
	}

	all := feed.FanOut{queue(busName, broker.NewPublisher(a.bus, cfg.Nats.Prefix, busName))}
	if cfg.Stream.Enabled {
		all = append(all, queue("redis_stream", redisstream.New(a.rdb, cfg.Stream.Config)))
	}

	routes := xts.Routes{}
	if cfg.Influx.Enabled {
		a.influx = influxsink.New(cfg.Influx.Config)
		iq := queue("influx", a.influx)
		routes[xts.Touchline] = feed.FanOut{all, iq}
		routes[xts.CandleData] = feed.FanOut{all, iq}
	}

	mux := xts.NewMux(cfg.Session.BroadcastMode, routes, all)
	mux.OnFunc(xts.EventJoined, func(_ string, p []byte) {
		logger.Info(context.Background(), "gateway joined", zap.ByteString("payload", p))
	})
	mux.OnFunc(xts.EventError, func(_ string, p []byte) {
		logger.Warn(context.Background(), "gateway error event", zap.ByteString("payload", p))
	})
	a.dispatch = mux
	return nil
}

// State and SessionID make App the admin status source. Between sessions the
// feed reads as Disconnected.
func (a *App) State() feed.Status {
	if c := a.current(); c != nil {
		return c.State()
	}
	return feed.Status{State: feed.Disconnected}
}

func (a *App) SessionID() string {
	if c := a.current(); c != nil {
		return c.SessionID()
	}
	return ""
}

func (a *App) current() *feed.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Run blocks until ctx is done or a session fails beyond the reconnect policy.
// With a trading window configured, sessions follow the window; otherwise one
// session runs for the life of the process.
func (a *App) Run(ctx context.Context) error {
	for _, q := range a.queues {
		q.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.rdb != nil {
		g.Go(func() error {
			xredis.ExportPoolStats(gctx, a.rdb, 5*time.Second)
			return nil
		})
	}
	if a.admin != nil {
		g.Go(func() error {
			logger.Info(gctx, "admin listening", zap.String("addr", a.admin.Addr))
			if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.admin.Shutdown(sctx)
		})
	}

	if a.window != nil {
		g.Go(func() error {
			err := a.window.Run(gctx, schedule.Hooks{
				OnOpen:  a.startSession,
				OnClose: func(context.Context) { a.stopSession() },
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		a.startSession(gctx)
	}

	g.Go(func() error {
		select {
		case err := <-a.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})

	err := g.Wait()
	a.stopSession()
	return err
}

// startSession is a no-op if a session is already running.
func (a *App) startSession(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelSess != nil {
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancelSess, a.sessionDone = cancel, done

	safe.GoCtx(sctx, func(sctx context.Context) {
		defer close(done)
		err := a.runSession(sctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.Error(sctx, "feed session ended", zap.Error(err))
		select {
		case a.fatal <- err:
		default:
		}
	})
}

func (a *App) stopSession() {
	a.mu.Lock()
	cancel, done := a.cancelSess, a.sessionDone
	a.cancelSess, a.sessionDone = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (a *App) runSession(ctx context.Context) error {
	if a.lease == nil {
		return a.session(ctx)
	}
	var inner error
	err := a.lease.Hold(ctx, func(lost <-chan struct{}) {
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-lost:
				cancel()
			case <-lctx.Done():
			}
		}()
		inner = a.session(lctx)
	})
	if inner != nil && !errors.Is(inner, context.Canceled) {
		return inner
	}
	return err
}

// session logs in if needed, connects and supervises one client until ctx ends
// or the client gives up.
func (a *App) session(ctx context.Context) error {
	cfg := a.cfg.Session
	if a.auth != nil {
		s, err := a.auth.Authenticate(ctx)
		if err != nil {
			return err
		}
		cfg.Token, cfg.UserID = s.Token, s.UserID
	}

	client, err := a.newClient(cfg)
	if err != nil {
		return err
	}
	defer func() { a.endSession(client, cfg.Token) }()

	err = client.Connect(ctx)
	if a.staleToken(err) {
		// 缓存的 token 已失效，丢掉重新登录一次
		logger.Warn(ctx, "gateway rejected session token, logging in again", zap.Error(err))
		_ = a.tokens.Drop(ctx)
		_ = client.Stop()
		s, aerr := a.auth.Authenticate(ctx)
		if aerr != nil {
			return aerr
		}
		cfg.Token, cfg.UserID = s.Token, s.UserID
		if client, err = a.newClient(cfg); err != nil {
			return err
		}
		err = client.Connect(ctx)
	}
	if err != nil {
		if errors.Is(err, feed.ErrClientStopped) {
			return ctx.Err()
		}
		// 首次连接失败交给 supervisor 按策略重试
		logger.Warn(ctx, "initial connect failed", zap.Error(err))
	}

	sup, err := feed.NewSupervisor(client, a.cfg.Reconnect)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Stop() })
	defer stop()
	return sup.Run(ctx)
}

func (a *App) newClient(cfg feed.SessionConfig) (*feed.Client, error) {
	opts := []feed.Option{feed.WithDecoder(a.decoder)}
	if a.cfg.Decoder.ReadTrace != 0 {
		opts = append(opts, feed.WithReadTrace(a.cfg.Decoder.ReadTrace)) // <0 关闭
	}
	c, err := feed.NewClient(cfg, a.connector, a.dispatch, opts...)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.client = c
	a.mu.Unlock()
	return c, nil
}

// staleToken: 只有走了登录且有缓存时，握手 401/403 才值得重登
func (a *App) staleToken(err error) bool {
	if err == nil || a.auth == nil || a.tokens == nil {
		return false
	}
	var ce *feed.ConnectError
	if !errors.As(err, &ce) || ce.Kind != feed.ConnectHandshake {
		return false
	}
	return ce.Status == http.StatusUnauthorized || ce.Status == http.StatusForbidden
}

// endSession stops the client and, when we logged in ourselves, logs out.
func (a *App) endSession(c *feed.Client, token string) {
	_ = c.Stop()
	if a.auth == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.auth.Logout(ctx, token); err != nil {
		logger.Warn(ctx, "logout failed", zap.Error(err))
	}
}

// Close drains the sink queues and releases every connection. Call it after
// Run returns.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, q := range a.queues {
		q.Start(ctx) // Close 需要 worker 在跑
		if err := q.Close(ctx); err != nil {
			logger.Warn(ctx, "sink queue not drained", zap.Error(err))
		}
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.influx != nil {
		a.influx.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	bootstrap.Shutdown(5*time.Second, a.servers...)
}
