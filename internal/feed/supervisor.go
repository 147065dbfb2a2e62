package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
)

// Policy bounds the supervisor's retries. Waits grow from MinBackoff by
// Multiplier up to MaxBackoff; Jitter (0..1) randomises each wait by ±Jitter.
type Policy struct {
	MinBackoff  time.Duration `mapstructure:"min_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      float64       `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"` // per failure episode; 0 = never retry
}

func (p Policy) Validate() error {
	switch {
	case p.MinBackoff <= 0:
		return fmt.Errorf("%w: min_backoff must be > 0", ErrInvalidPolicy)
	case p.MaxBackoff < p.MinBackoff:
		return fmt.Errorf("%w: max_backoff < min_backoff", ErrInvalidPolicy)
	case p.Multiplier != 0 && p.Multiplier < 1:
		return fmt.Errorf("%w: multiplier must be >= 1", ErrInvalidPolicy)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("%w: jitter must be in [0,1)", ErrInvalidPolicy)
	case p.MaxAttempts < 0:
		return fmt.Errorf("%w: max_attempts must be >= 0", ErrInvalidPolicy)
	}
	return nil
}

// newBackOff yields MaxAttempts waits, then backoff.Stop.
func (p Policy) newBackOff() backoff.BackOff {
	if p.MaxAttempts == 0 {
		return &backoff.StopBackOff{}
	}
	mult := p.Multiplier
	if mult == 0 {
		mult = 2
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = mult
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // 只按次数放弃
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}

// Schedule lists the waits the policy produces, ignoring jitter.
func (p Policy) Schedule() []time.Duration {
	q := p
	q.Jitter = 0
	b := q.newBackOff()
	var out []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		out = append(out, d)
	}
	return out
}

// supervised is the slice of Client the supervisor drives.
type supervised interface {
	Connect(ctx context.Context) error
	Watch() (Status, <-chan struct{})
}

// Supervisor watches a client's state and reconnects it after failures. It is
// the only place retry policy lives.
type Supervisor struct {
	client supervised
	policy Policy

	// sleep waits d or until ctx is done; false means ctx ended first.
	sleep func(ctx context.Context, d time.Duration) bool
}

func NewSupervisor(client *Client, policy Policy) (*Supervisor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return newSupervisor(client, policy), nil
}

func newSupervisor(client supervised, policy Policy) *Supervisor {
	return &Supervisor{client: client, policy: policy, sleep: sleepCtx}
}

// Run blocks until the client is stopped (returns nil), ctx ends (ctx.Err()),
// or a failure outlasts the policy (*ClientError, Unrecoverable).
// Start it after the first Connect; a client still Disconnected counts as stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		st, changed := s.client.Watch()
		switch st.State {
		case Disconnected:
			return nil
		case Failed:
			if err := s.recover(ctx, st.Cause); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// recover runs one failure episode: wait, reconnect, repeat until the client is
// Live again, stopped, or the attempts run out.
func (s *Supervisor) recover(ctx context.Context, cause error) error {
	b := s.policy.newBackOff()
	last := cause
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			reconnectTotal.WithLabelValues("exhausted").Inc()
			logger.Error(ctx, "reconnect attempts exhausted",
				zap.Int("attempts", attempt-1), zap.Error(last))
			return &ClientError{Kind: Unrecoverable, Attempts: attempt - 1, Cause: last}
		}

		logger.Warn(ctx, "session failed, reconnecting",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(last))
		if !s.sleep(ctx, wait) {
			return ctx.Err()
		}

		// 等待期间被 stop 了
		if st, _ := s.client.Watch(); st.State == Disconnected {
			return nil
		}

		err := s.client.Connect(ctx)
		switch {
		case err == nil:
			reconnectTotal.WithLabelValues("ok").Inc()
			logger.Info(ctx, "reconnected", zap.Int("attempt", attempt))
			return nil
		case errors.Is(err, ErrClientStopped):
			return nil
		case errors.Is(err, ErrAlreadyConnected):
			// 别人已经在连了，回到观察循环
			return nil
		}
		reconnectTotal.WithLabelValues("failed").Inc()
		last = err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
