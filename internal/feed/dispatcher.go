package feed

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/safe"
)

// Dispatcher receives every decoded frame, once, in wire order, on the receive
// loop's goroutine. The loop waits for Handle to return, so a slow handler
// stalls ingestion; wrap slow consumers in an AsyncDispatcher.
//
// payload is not reused by the transport after Handle returns and may be retained.
// A handler may call Client.Stop; it is the last frame that handler sees.
type Dispatcher interface {
	Handle(eventType string, payload []byte)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(eventType string, payload []byte)

func (f DispatcherFunc) Handle(eventType string, payload []byte) { f(eventType, payload) }

// Discard drops every frame.
var Discard = DispatcherFunc(func(string, []byte) {})

// FanOut hands each frame to every dispatcher in order.
type FanOut []Dispatcher

func (f FanOut) Handle(eventType string, payload []byte) {
	for _, d := range f {
		d.Handle(eventType, payload)
	}
}

// Mux routes frames by event type. Unrouted events go to the fallback, if any.
type Mux struct {
	mu       sync.RWMutex
	routes   map[string][]Dispatcher
	fallback Dispatcher
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string][]Dispatcher)}
}

// On registers d for eventType; several dispatchers per event run in registration order.
func (m *Mux) On(eventType string, d Dispatcher) *Mux {
	m.mu.Lock()
	m.routes[eventType] = append(m.routes[eventType], d)
	m.mu.Unlock()
	return m
}

// OnFunc is On for a plain function.
func (m *Mux) OnFunc(eventType string, fn func(eventType string, payload []byte)) *Mux {
	return m.On(eventType, DispatcherFunc(fn))
}

// Fallback sets the dispatcher for event types without a route.
func (m *Mux) Fallback(d Dispatcher) *Mux {
	m.mu.Lock()
	m.fallback = d
	m.mu.Unlock()
	return m
}

// Events lists the routed event types.
func (m *Mux) Events() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.routes))
	for k := range m.routes {
		out = append(out, k)
	}
	return out
}

func (m *Mux) Handle(eventType string, payload []byte) {
	m.mu.RLock()
	list := m.routes[eventType]
	fb := m.fallback
	m.mu.RUnlock()

	if len(list) == 0 {
		if fb != nil {
			fb.Handle(eventType, payload)
		} else {
			droppedTotal.WithLabelValues("unrouted").Inc()
		}
		return
	}
	for _, d := range list {
		d.Handle(eventType, payload)
	}
}

// AsyncDispatcher moves frames onto its own goroutine through a bounded queue.
// One worker drains the queue, so per-dispatcher ordering is kept.
type AsyncDispatcher struct {
	next         Dispatcher
	queue        chan Frame
	dropWhenFull bool
	name         string

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex // guards closed against Handle racing Close
	closed    bool
	done      chan struct{}
}

type AsyncOption func(*AsyncDispatcher)

// WithDropWhenFull makes Handle drop frames instead of blocking when the queue is full.
func WithDropWhenFull() AsyncOption {
	return func(a *AsyncDispatcher) { a.dropWhenFull = true }
}

// WithName labels the dispatcher's metrics and logs.
func WithName(name string) AsyncOption {
	return func(a *AsyncDispatcher) { a.name = name }
}

func NewAsyncDispatcher(next Dispatcher, size int, opts ...AsyncOption) *AsyncDispatcher {
	if size <= 0 {
		size = 1024
	}
	a := &AsyncDispatcher{
		next:  next,
		queue: make(chan Frame, size),
		name:  "async",
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Start launches the worker. It drains whatever is queued and exits after Close.
func (a *AsyncDispatcher) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		safe.GoCtx(ctx, func(ctx context.Context) {
			defer close(a.done)
			for f := range a.queue {
				a.next.Handle(f.Event, f.Payload)
			}
			logger.Debug(ctx, "async dispatcher drained", zap.String("name", a.name))
		})
	})
}

func (a *AsyncDispatcher) Handle(eventType string, payload []byte) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		droppedTotal.WithLabelValues(a.name + "_closed").Inc()
		return
	}

	f := Frame{Event: eventType, Payload: payload}
	if !a.dropWhenFull {
		a.queue <- f
		return
	}
	select {
	case a.queue <- f:
	default:
		droppedTotal.WithLabelValues(a.name + "_full").Inc()
	}
}

// Len reports the number of queued frames.
func (a *AsyncDispatcher) Len() int { return len(a.queue) }

// Close stops accepting frames and waits until the worker has drained the queue
// or ctx is done. Start must have been called.
func (a *AsyncDispatcher) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
