package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ist(t *testing.T, s string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", s, loc)
	require.NoError(t, err)
	return ts
}

func TestWindow_IsOpen(t *testing.T) {
	w, err := NewWindow(Config{})
	require.NoError(t, err)

	cases := map[string]bool{
		"2026-10-19 09:14": false, // Monday, before open
		"2026-10-19 09:15": true,
		"2026-10-19 12:00": true,
		"2026-10-19 15:29": true,
		"2026-10-19 15:30": false,
		"2026-10-19 20:00": false,
		"2026-10-24 11:00": false, // Saturday
	}
	for at, want := range cases {
		assert.Equal(t, want, w.IsOpen(ist(t, at)), at)
	}
	// same instant seen from UTC
	assert.True(t, w.IsOpen(ist(t, "2026-10-19 12:00").UTC()))
}

func TestWindow_Next(t *testing.T) {
	w, err := NewWindow(DefaultConfig())
	require.NoError(t, err)

	at, opens := w.Next(ist(t, "2026-10-19 12:00"))
	assert.False(t, opens)
	assert.True(t, at.Equal(ist(t, "2026-10-19 15:30")))

	// Friday evening -> Monday open
	at, opens = w.Next(ist(t, "2026-10-23 16:00"))
	assert.True(t, opens)
	assert.True(t, at.Equal(ist(t, "2026-10-26 09:15")))
}

func TestNewWindow_Invalid(t *testing.T) {
	_, err := NewWindow(Config{Open: "not cron"})
	assert.Error(t, err)
	_, err = NewWindow(Config{Timezone: "Mars/Olympus"})
	assert.Error(t, err)
}

func TestWindow_RunOpensImmediatelyWhenInside(t *testing.T) {
	w, err := NewWindow(DefaultConfig())
	require.NoError(t, err)
	w.now = func() time.Time { return ist(t, "2026-10-19 10:00") }

	opened := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.Run(ctx, Hooks{OnOpen: func(context.Context) { opened <- struct{}{} }})
	}()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen not fired")
	}
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestWindow_RunFiresOnSchedule(t *testing.T) {
	// every second opens, closes never inside the test
	w, err := NewWindow(Config{Open: "@every 1s", Close: "0 0 1 1 *", Timezone: "UTC"})
	require.NoError(t, err)

	opened := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = w.Run(ctx, Hooks{OnOpen: func(context.Context) { opened <- struct{}{} }})
	}()

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled open never fired")
	}
}
