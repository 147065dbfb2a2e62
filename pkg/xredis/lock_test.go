package xredis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLease emulates the SETNX and the two holder-checked scripts.
type memLease struct {
	redis.Scripter // unused methods panic

	mu      sync.Mutex
	holder  string
	renewOK bool // false simulates another holder stealing the key
}

func (m *memLease) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" {
		return redis.NewBoolResult(false, nil)
	}
	m.holder = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (m *memLease) EvalSha(ctx context.Context, sha string, keys []string, args ...any) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := args[0].(string)
	if m.holder != id {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch sha {
	case renewScript.Hash():
		if !m.renewOK {
			m.holder = "someone-else"
			return redis.NewCmdResult(int64(0), nil)
		}
	case releaseScript.Hash():
		m.holder = ""
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *memLease) current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

func TestLease_AcquireRenewRelease(t *testing.T) {
	kv := &memLease{renewOK: true}
	a := newLease(kv, "feed:leader", time.Second)
	b := newLease(kv, "feed:leader", time.Second)
	ctx := context.Background()

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lease")

	// 已持有时 TryAcquire 走续期
	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, b.Release(ctx))
	assert.Equal(t, a.ID(), kv.current(), "release by non-holder is a no-op")

	require.NoError(t, a.Release(ctx))
	assert.Empty(t, kv.current())
}

func TestLease_HoldReleasesOnCancel(t *testing.T) {
	kv := &memLease{renewOK: true}
	l := newLease(kv, "feed:leader", 30*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	running := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- l.Hold(ctx, func(lost <-chan struct{}) {
			close(running)
			select {
			case <-ctx.Done():
			case <-lost:
			}
		})
	}()

	<-running
	assert.Equal(t, l.ID(), kv.current())
	time.Sleep(50 * time.Millisecond) // a couple of renewals
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Hold did not return")
	}
	assert.Empty(t, kv.current())
}

func TestLease_HoldSignalsLoss(t *testing.T) {
	kv := &memLease{renewOK: false}
	l := newLease(kv, "feed:leader", 30*time.Millisecond)

	sawLost := make(chan struct{})
	err := l.Hold(context.Background(), func(lost <-chan struct{}) {
		<-lost
		close(sawLost)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lost")
	<-sawLost
	assert.Equal(t, "someone-else", kv.current(), "a stolen lease is not deleted")
}
