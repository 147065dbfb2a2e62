package feed

import (
	"context"
	"sync"
	"sync/atomic"
)

// read is one scripted ReadFrame result.
type read struct {
	data []byte
	err  error
}

// fakeSession replays scripted reads, then blocks until Close.
type fakeSession struct {
	reads  chan read
	closed chan struct{}
	once   sync.Once
	closes atomic.Int32
}

func newFakeSession(script ...read) *fakeSession {
	s := &fakeSession{
		reads:  make(chan read, len(script)+8),
		closed: make(chan struct{}),
	}
	for _, r := range script {
		s.reads <- r
	}
	return s
}

func (s *fakeSession) push(r read) { s.reads <- r }

func (s *fakeSession) ReadFrame() ([]byte, error) {
	// 已关闭优先，与真实 socket 一致
	select {
	case <-s.closed:
		return nil, &IoError{Kind: IoClosed}
	default:
	}
	select {
	case r := <-s.reads:
		return r.data, r.err
	case <-s.closed:
		return nil, &IoError{Kind: IoClosed}
	}
}

func (s *fakeSession) Close() error {
	s.closes.Add(1)
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// fakeConnector hands out sessions (or errors) in order.
type fakeConnector struct {
	mu      sync.Mutex
	results []connectResultFn
	calls   int
}

type connectResultFn func(ctx context.Context) (Session, error)

func (c *fakeConnector) then(fn connectResultFn) *fakeConnector {
	c.results = append(c.results, fn)
	return c
}

func (c *fakeConnector) session(s Session) *fakeConnector {
	return c.then(func(context.Context) (Session, error) { return s, nil })
}

func (c *fakeConnector) fail(err error) *fakeConnector {
	return c.then(func(context.Context) (Session, error) { return nil, err })
}

func (c *fakeConnector) Connect(ctx context.Context, _ SessionConfig) (Session, error) {
	c.mu.Lock()
	i := c.calls
	c.calls++
	var fn connectResultFn
	if i < len(c.results) {
		fn = c.results[i]
	}
	c.mu.Unlock()
	if fn == nil {
		return nil, &ConnectError{Kind: ConnectNetwork, Err: context.DeadlineExceeded}
	}
	return fn(ctx)
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recorder collects dispatched frames.
type recorder struct {
	mu     sync.Mutex
	frames []Frame
	notify chan struct{}
}

func newRecorder() *recorder { return &recorder{notify: make(chan struct{}, 64)} }

func (r *recorder) Handle(ev string, p []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, Frame{Event: ev, Payload: append([]byte(nil), p...)})
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) Frames() []Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Frame(nil), r.frames...)
}

func (r *recorder) Payloads() []string {
	var out []string
	for _, f := range r.Frames() {
		out = append(out, string(f.Payload))
	}
	return out
}

func testConfig() SessionConfig {
	return SessionConfig{
		BaseURL:       "https://gw.example.com",
		Token:         "t0k&n",
		UserID:        "U1",
		PublishFormat: PublishJSON,
		BroadcastMode: BroadcastFull,
	}
}
