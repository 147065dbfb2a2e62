package admin

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"marketfeed.com/internal/feed"
)

type fakeSource struct{ st feed.Status }

func (f *fakeSource) State() feed.Status { return f.st }
func (f *fakeSource) SessionID() string  { return "sess-1" }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:1234"
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	src := &fakeSource{st: feed.Status{State: feed.Live}}
	open := false
	r := NewRouter(src, Options{WindowOpen: func() bool { return open }})

	assert.Equal(t, http.StatusOK, get(t, r, "/healthz").Code)

	src.st = feed.Status{State: feed.Failed, Cause: errors.New("read (closed)")}
	w := get(t, r, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "failed")

	// outside the trading window a stopped client is healthy
	src.st = feed.Status{State: feed.Disconnected}
	assert.Equal(t, http.StatusOK, get(t, r, "/healthz").Code)
	open = true
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/healthz").Code)
}

func TestState(t *testing.T) {
	since := time.Date(2026, 10, 19, 9, 15, 0, 0, time.UTC)
	src := &fakeSource{st: feed.Status{State: feed.Failed, Cause: errors.New("boom"), Since: since, Seq: 4}}
	r := NewRouter(src, Options{})

	w := get(t, r, "/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	var body struct {
		Code int       `json:"code"`
		Data stateView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 200, body.Code)
	assert.Equal(t, "failed", body.Data.State)
	assert.Equal(t, "boom", body.Data.Cause)
	assert.Equal(t, uint64(4), body.Data.Seq)
	assert.Equal(t, "sess-1", body.Data.SessionID)
	assert.True(t, since.Equal(body.Data.Since))
	assert.Nil(t, body.Data.WindowOpen)
}

func TestMetricsEndpoint(t *testing.T) {
	r := NewRouter(&fakeSource{}, Options{})
	w := get(t, r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRateLimit(t *testing.T) {
	r := NewRouter(&fakeSource{st: feed.Status{State: feed.Live}}, Options{RatePerIP: 1})
	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		codes[get(t, r, "/state").Code]++
	}
	assert.Equal(t, 3, codes[http.StatusOK])
	assert.Equal(t, 7, codes[http.StatusTooManyRequests])
}

func TestWindow(t *testing.T) {
	w := get(t, NewRouter(&fakeSource{}, Options{}), "/window")
	assert.Equal(t, http.StatusNotFound, w.Code)

	at := time.Date(2026, 10, 19, 15, 30, 0, 0, time.UTC)
	r := NewRouter(&fakeSource{}, Options{
		WindowOpen: func() bool { return true },
		WindowNext: func(time.Time) (time.Time, bool) { return at, false },
	})
	w = get(t, r, "/window")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Data windowView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Data.Open)
	assert.False(t, body.Data.NextOpens)
	assert.True(t, at.Equal(body.Data.Next))
}
