package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"marketfeed.com/internal/feed"
	"marketfeed.com/pkg/common"
	"marketfeed.com/pkg/xerr"
)

type handler struct {
	src        StatusSource
	windowOpen func() bool
	windowNext func(time.Time) (time.Time, bool)
}

type stateView struct {
	State      string    `json:"state"`
	Since      time.Time `json:"since"`
	Seq        uint64    `json:"seq"`
	Cause      string    `json:"cause,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	WindowOpen *bool     `json:"window_open,omitempty"`
}

// healthz 只有 Live 算健康；窗口关闭时 Disconnected 也是正常的
func (h *handler) healthz(c *gin.Context) {
	st := h.src.State()
	ok := st.State == feed.Live
	if !ok && st.State == feed.Disconnected && h.windowOpen != nil && !h.windowOpen() {
		ok = true
	}
	if !ok {
		common.Fail(c, http.StatusServiceUnavailable, http.StatusServiceUnavailable, st.State.String())
		return
	}
	common.Success(c, gin.H{"state": st.State.String()})
}

func (h *handler) state(c *gin.Context) {
	st := h.src.State()
	v := stateView{
		State:     st.State.String(),
		Since:     st.Since,
		Seq:       st.Seq,
		SessionID: h.src.SessionID(),
	}
	if st.Cause != nil {
		v.Cause = st.Cause.Error()
	}
	if h.windowOpen != nil {
		open := h.windowOpen()
		v.WindowOpen = &open
	}
	common.Success(c, v)
}

type windowView struct {
	Open      bool      `json:"open"`
	Next      time.Time `json:"next"`
	NextOpens bool      `json:"next_opens"`
}

func (h *handler) window(c *gin.Context) {
	if h.windowOpen == nil || h.windowNext == nil {
		common.FailErr(c, xerr.New(xerr.RecordNotFound, "no trading window configured"))
		return
	}
	next, opens := h.windowNext(time.Now())
	common.Success(c, windowView{Open: h.windowOpen(), Next: next, NextOpens: opens})
}
