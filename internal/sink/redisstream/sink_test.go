package redisstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeXAdd struct {
	calls []*redis.XAddArgs
	err   error
}

func (f *fakeXAdd) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.calls = append(f.calls, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestSink_XAdd(t *testing.T) {
	w := &fakeXAdd{}
	s := newSink(w, Config{MaxLen: 1000})
	s.now = func() time.Time { return time.UnixMilli(1700000000123) }

	s.Handle("1501-json-full", []byte(`{"p":1}`))

	require.Len(t, w.calls, 1)
	a := w.calls[0]
	assert.Equal(t, "md:1501-json-full", a.Stream)
	assert.Equal(t, int64(1000), a.MaxLen)
	assert.True(t, a.Approx)
	assert.Equal(t, []any{"event", "1501-json-full", "payload", []byte(`{"p":1}`), "ts", int64(1700000000123)}, a.Values)
}

func TestSink_ErrorsAreSwallowed(t *testing.T) {
	w := &fakeXAdd{err: errors.New("READONLY")}
	s := newSink(w, Config{Prefix: "x:"})
	assert.NotPanics(t, func() {
		s.Handle("e", nil)
		s.Handle("e", nil)
	})
	assert.Len(t, w.calls, 2)
	assert.Equal(t, "x:e", w.calls[0].Stream)
	assert.Zero(t, w.calls[0].MaxLen)
}
