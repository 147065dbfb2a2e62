package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(attempts int) Policy {
	return Policy{
		MinBackoff:  time.Second,
		MaxBackoff:  4 * time.Second,
		Multiplier:  2,
		MaxAttempts: attempts,
	}
}

// stubClient drives the supervisor without a transport.
type stubClient struct {
	state   *ConnState
	mu      sync.Mutex
	connect func(n int) error
	calls   int
}

func newStubClient(connect func(n int) error) *stubClient {
	return &stubClient{state: NewConnState(), connect: connect}
}

func (c *stubClient) Watch() (Status, <-chan struct{}) { return c.state.Watch() }

func (c *stubClient) Connect(context.Context) error {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if err := c.state.Transition(Connecting, nil); err != nil {
		return ErrAlreadyConnected
	}
	if err := c.connect(n); err != nil {
		c.state.CompareAndTransition(Connecting, Failed, err)
		return err
	}
	c.state.CompareAndTransition(Connecting, Live, nil)
	return nil
}

func (c *stubClient) fail(err error) {
	c.state.CompareAndTransition(Live, Failed, err)
}

// sleeps records every requested wait and returns immediately.
type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err() == nil
}

func (s *sleeps) got() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.d...)
}

func TestPolicy_Schedule(t *testing.T) {
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, testPolicy(3).Schedule())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second},
		testPolicy(4).Schedule(), "capped at max_backoff")
	assert.Empty(t, testPolicy(0).Schedule())

	p := testPolicy(2)
	p.Multiplier = 0
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, p.Schedule(), "multiplier defaults to 2")
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := testPolicy(3)
	p.Jitter = 0.5
	b := p.newBackOff()
	for _, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, base/2)
		assert.LessOrEqual(t, d, base+base/2)
	}
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, testPolicy(3).Validate())
	for name, mut := range map[string]func(*Policy){
		"min zero":     func(p *Policy) { p.MinBackoff = 0 },
		"max < min":    func(p *Policy) { p.MaxBackoff = time.Millisecond },
		"multiplier":   func(p *Policy) { p.Multiplier = 0.5 },
		"jitter":       func(p *Policy) { p.Jitter = 1 },
		"attempts < 0": func(p *Policy) { p.MaxAttempts = -1 },
	} {
		p := testPolicy(3)
		mut(&p)
		assert.ErrorIs(t, p.Validate(), ErrInvalidPolicy, name)
	}
}

func TestSupervisor_GivesUpAfterMaxAttempts(t *testing.T) {
	refused := &ConnectError{Kind: ConnectNetwork, Err: errors.New("refused")}
	c := newStubClient(func(n int) error {
		if n == 1 {
			return nil
		}
		return refused
	})
	require.NoError(t, c.Connect(context.Background()))
	c.fail(&IoError{Kind: IoClosed})

	sl := &sleeps{}
	s := newSupervisor(c, testPolicy(3))
	s.sleep = sl.sleep

	err := s.Run(context.Background())
	require.True(t, IsUnrecoverable(err), "got %v", err)
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.ErrorIs(t, err, refused)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sl.got())
	assert.Equal(t, 4, c.calls, "initial connect plus three retries")
}

func TestSupervisor_ZeroAttemptsFailsImmediately(t *testing.T) {
	c := newStubClient(func(int) error { return nil })
	require.NoError(t, c.Connect(context.Background()))
	cause := &IoError{Kind: IoTransient, Err: errors.New("reset")}
	c.fail(cause)

	sl := &sleeps{}
	s := newSupervisor(c, testPolicy(0))
	s.sleep = sl.sleep

	err := s.Run(context.Background())
	require.True(t, IsUnrecoverable(err))
	assert.ErrorIs(t, err, cause)
	assert.Empty(t, sl.got())
	assert.Equal(t, 1, c.calls)
}

func TestSupervisor_RecoversAndResetsPerEpisode(t *testing.T) {
	c := newStubClient(func(n int) error {
		// 1: initial ok, 2: fail, 3: ok, (episode two) 4: fail, 5: ok
		if n == 2 || n == 4 {
			return errors.New("refused")
		}
		return nil
	})
	require.NoError(t, c.Connect(context.Background()))

	sl := &sleeps{}
	s := newSupervisor(c, testPolicy(2))
	s.sleep = sl.sleep

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	c.fail(&IoError{Kind: IoClosed})
	require.Eventually(t, func() bool { return len(sl.got()) == 2 && c.state.Load().State == Live },
		waitFor, 5*time.Millisecond)

	c.fail(&IoError{Kind: IoClosed})
	require.Eventually(t, func() bool { return len(sl.got()) == 4 && c.state.Load().State == Live },
		waitFor, 5*time.Millisecond)

	// both episodes start over from min_backoff
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second, 2 * time.Second}, sl.got())

	require.NoError(t, c.state.Transition(Disconnected, nil))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("supervisor did not exit after stop")
	}
}

func TestSupervisor_StopDuringBackoff(t *testing.T) {
	c := newStubClient(func(n int) error { return nil })
	require.NoError(t, c.Connect(context.Background()))
	c.fail(&IoError{Kind: IoClosed})

	s := newSupervisor(c, testPolicy(3))
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		// 等待期间用户 stop
		_ = c.state.Transition(Disconnected, nil)
		return true
	}

	assert.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 1, c.calls, "no reconnect after stop")
}

func TestSupervisor_ContextCancel(t *testing.T) {
	c := newStubClient(func(int) error { return nil })
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- newSupervisor(c, testPolicy(3)).Run(ctx) }()
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSupervisor_DisconnectedReturnsNil(t *testing.T) {
	c := newStubClient(func(int) error { return nil })
	assert.NoError(t, newSupervisor(c, testPolicy(3)).Run(context.Background()))
}

func TestSupervisor_WithRealClient(t *testing.T) {
	first := newFakeSession(read{data: []byte("a")}, read{err: &IoError{Kind: IoClosed}})
	second := newFakeSession(read{data: []byte("b")})
	conn := (&fakeConnector{}).
		session(first).
		fail(&ConnectError{Kind: ConnectNetwork, Err: errors.New("refused")}).
		session(second)
	rec := newRecorder()
	c, err := NewClient(testConfig(), conn, rec)
	require.NoError(t, err)

	p := testPolicy(3)
	p.MinBackoff, p.MaxBackoff = time.Millisecond, 4*time.Millisecond
	s, err := NewSupervisor(c, p)
	require.NoError(t, err)

	require.NoError(t, c.Connect(context.Background()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return len(rec.Frames()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, rec.Payloads())
	assert.Equal(t, 3, conn.Calls())

	require.NoError(t, c.Stop())
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("supervisor still running")
	}
}

func TestNewSupervisor_RejectsBadPolicy(t *testing.T) {
	c, _ := NewClient(testConfig(), &fakeConnector{}, nil)
	_, err := NewSupervisor(c, Policy{})
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}
