package feed

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMux_Routes(t *testing.T) {
	quotes, depth, rest := newRecorder(), newRecorder(), newRecorder()
	var order []string
	m := NewMux().
		On("1501", quotes).
		OnFunc("1501", func(ev string, _ []byte) { order = append(order, "second:"+ev) }).
		On("1502", depth).
		Fallback(rest)

	m.Handle("1501", []byte("t"))
	m.Handle("1502", []byte("d"))
	m.Handle("9999", []byte("?"))

	assert.Equal(t, []string{"t"}, quotes.Payloads())
	assert.Equal(t, []string{"second:1501"}, order)
	assert.Equal(t, []string{"d"}, depth.Payloads())
	assert.Equal(t, []Frame{{Event: "9999", Payload: []byte("?")}}, rest.Frames())

	evs := m.Events()
	sort.Strings(evs)
	assert.Equal(t, []string{"1501", "1502"}, evs)
}

func TestMux_UnroutedWithoutFallback(t *testing.T) {
	assert.NotPanics(t, func() { NewMux().Handle("x", nil) })
}

func TestFanOut(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	FanOut{a, b}.Handle("e", []byte("p"))
	assert.Equal(t, []string{"p"}, a.Payloads())
	assert.Equal(t, []string{"p"}, b.Payloads())
}

func TestAsyncDispatcher_PreservesOrderAndDrains(t *testing.T) {
	rec := newRecorder()
	a := NewAsyncDispatcher(rec, 4, WithName("test"))
	a.Start(context.Background())

	want := []string{"1", "2", "3", "4", "5", "6", "7", "8"}
	for _, p := range want {
		a.Handle("e", []byte(p))
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, a.Close(ctx))
	assert.Equal(t, want, rec.Payloads())

	// after close frames are dropped, not panicking on a closed channel
	assert.NotPanics(t, func() { a.Handle("e", []byte("late")) })
	assert.NoError(t, a.Close(ctx))
	assert.Len(t, rec.Frames(), len(want))
}

func TestAsyncDispatcher_DropWhenFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	slow := DispatcherFunc(func(string, []byte) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
	})
	a := NewAsyncDispatcher(slow, 2, WithDropWhenFull())
	a.Start(context.Background())

	a.Handle("e", []byte("0"))
	<-started // worker holds frame 0
	a.Handle("e", []byte("1"))
	a.Handle("e", []byte("2"))

	done := make(chan struct{})
	go func() {
		a.Handle("e", []byte("3")) // queue full: dropped, must not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Handle blocked with WithDropWhenFull")
	}
	assert.Equal(t, 2, a.Len())

	close(block)
	require.NoError(t, a.Close(context.Background()))
}

func TestAsyncDispatcher_CloseHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	a := NewAsyncDispatcher(DispatcherFunc(func(string, []byte) { <-block }), 1)
	a.Start(context.Background())
	a.Handle("e", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)
}
