// Package feed is the session layer of the market-data client: handshake,
// connection state, receive loop, dispatch and reconnect supervision.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/safe"
)

var tracer = otel.Tracer("marketfeed.com/internal/feed")

// Client connects to the gateway and feeds every decoded frame to a Dispatcher.
//
// Connect, Stop, State and Watch are safe for concurrent use. Reconnecting after
// a failure is the Supervisor's job; Client itself never retries.
type Client struct {
	cfg        SessionConfig
	connector  Connector
	decoder    Decoder
	dispatcher Dispatcher
	traceEvery rate.Limit

	state *ConnState

	// mu guards the fields below. The receive loop never takes it.
	mu            sync.Mutex
	session       Session
	sessionID     string
	loop          *receiveLoop
	loopDone      chan struct{}
	cancelConnect context.CancelFunc
}

type Option func(*Client)

// WithDecoder sets the frame decoder; the default passes reads through as RawEvent.
func WithDecoder(d Decoder) Option {
	return func(c *Client) { c.decoder = d }
}

// WithReadTrace sets how many received reads per second are written to the debug log.
func WithReadTrace(perSecond float64) Option {
	return func(c *Client) { c.traceEvery = rate.Limit(perSecond) }
}

func NewClient(cfg SessionConfig, connector Connector, dispatcher Dispatcher, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, errors.New("feed: nil connector")
	}
	if dispatcher == nil {
		dispatcher = Discard
	}
	c := &Client{
		cfg:        cfg,
		connector:  connector,
		decoder:    passthrough,
		dispatcher: dispatcher,
		traceEvery: 1,
		state:      NewConnState(),
	}
	for _, o := range opts {
		o(c)
	}
	c.state.onCommit = func(_, to Status) { observeState(to.State) }
	observeState(Disconnected)
	return c, nil
}

// State returns the current status.
func (c *Client) State() Status { return c.state.Load() }

// Watch returns the current status and a channel closed on the next transition.
func (c *Client) Watch() (Status, <-chan struct{}) { return c.state.Watch() }

// SessionID is the id of the current (or last) connection, "" before the first Connect.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connect performs the handshake and, on success, starts the receive loop.
// It is valid from Disconnected and Failed. A concurrent Stop cancels the dial
// and makes Connect return ErrClientStopped.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if err := c.state.Transition(Connecting, nil); err != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	c.cancelConnect = cancel
	sessionID := uuid.NewString()
	c.mu.Unlock()
	defer cancel()

	lctx := logger.WithTraceID(ctx, sessionID)
	spanCtx, span := tracer.Start(lctx, "feed.connect")
	span.SetAttributes(
		attribute.String("feed.session_id", sessionID),
		attribute.String("feed.url", RedactedURL(c.cfg)),
	)
	defer span.End()

	logger.Info(lctx, "connecting", zap.String("url", RedactedURL(c.cfg)))
	sess, err := c.connector.Connect(attemptCtx, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelConnect = nil

	if err != nil {
		connectTotal.WithLabelValues(connectResult(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !c.state.CompareAndTransition(Connecting, Failed, err) {
			logger.Info(lctx, "connect abandoned, client stopped", zap.Error(err))
			return ErrClientStopped
		}
		logger.Warn(lctx, "connect failed", zap.Error(err))
		return err
	}

	if !c.state.CompareAndTransition(Connecting, Live, nil) {
		_ = sess.Close()
		return ErrClientStopped
	}
	connectTotal.WithLabelValues("ok").Inc()

	done := make(chan struct{})
	loop := &receiveLoop{
		ctx:        logger.WithTraceID(context.Background(), sessionID),
		session:    sess,
		state:      c.state,
		decoder:    c.decoder,
		dispatcher: c.dispatcher,
	}
	c.session = sess
	c.sessionID = sessionID
	c.loop = loop
	c.loopDone = done
	if c.traceEvery > 0 {
		loop.trace = rate.NewLimiter(c.traceEvery, 1)
	}
	safe.GoCtx(loop.ctx, func(context.Context) {
		defer close(done)
		defer func() { _ = sess.Close() }()
		loop.run()
	})

	logger.Info(spanCtx, "connected")
	return nil
}

// Stop moves the client to Disconnected, cancels an in-flight Connect, closes
// the session and waits for the receive loop to exit. Concurrent and repeated
// calls are fine; only one of them performs the transition.
//
// Stop may be called from a Dispatcher. While a Handle call is in progress
// Stop does not wait for the loop: no further frame is dispatched, and the loop
// exits as soon as that Handle call returns.
func (c *Client) Stop() error {
	c.mu.Lock()
	err := c.state.Transition(Disconnected, nil)
	transitioned := err == nil
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	sess, loop, done, sessionID := c.session, c.loop, c.loopDone, c.sessionID
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	// 在 handler 里调用 Stop 时不能等自己
	if done != nil && (loop == nil || !loop.dispatching.Load()) {
		<-done
	}
	if transitioned {
		logger.Info(logger.WithTraceID(context.Background(), sessionID), "client stopped")
	}
	return nil
}
