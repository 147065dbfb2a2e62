package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"marketfeed.com/pkg/xerr"
)

func TestManager_TripsOnConsecutiveUpstreamFailures(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 2, Timeout: time.Minute}, nil)
	boom := xerr.NewErrCode(xerr.UpstreamError)

	for i := 0; i < 2; i++ {
		_, err := m.Execute("login", func() ([]byte, error) { return nil, boom })
		require.ErrorIs(t, err, boom)
	}

	called := false
	_, err := m.Execute("login", func() ([]byte, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)

	// 其它名字的熔断器互不影响
	body, err := m.Execute("logout", func() ([]byte, error) { return []byte("ok"), nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestManager_ClientErrorsDoNotTrip(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 1}, nil)
	denied := xerr.NewErrCode(xerr.Unauthorized)

	for i := 0; i < 3; i++ {
		_, err := m.Execute("login", func() ([]byte, error) { return nil, denied })
		assert.ErrorIs(t, err, denied)
	}
	assert.Equal(t, gobreaker.StateClosed, m.Get("login").State())
}

func TestManager_PerNameRule(t *testing.T) {
	m := NewManager(Rule{}, map[string]Rule{"hostlookup": {TripConsecutiveFailures: 1, Timeout: time.Minute}})

	_, _ = m.Execute("hostlookup", func() ([]byte, error) { return nil, errors.New("refused") })
	assert.Equal(t, gobreaker.StateOpen, m.Get("hostlookup").State())
}

func TestStore_WaitHonoursContext(t *testing.T) {
	s := NewStore(0.001, 1)
	assert.True(t, s.Allow("login"))
	assert.False(t, s.Allow("login"))
	assert.True(t, s.Allow("logout"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Wait(ctx, "login"))
}
