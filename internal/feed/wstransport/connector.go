// Package wstransport carries feed sessions over a gorilla websocket.
package wstransport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"marketfeed.com/internal/feed"
)

type Connector struct {
	Header    http.Header // extra handshake headers
	ReadLimit int64
	PongWait  time.Duration // 没有任何入站数据/pong 超过这个时间，读会超时
	WriteWait time.Duration
	Dialer    *websocket.Dialer

	// Path replaces the handshake URL path and Query is merged into its query.
	// Both are transport details (engine.io wants EIO, transport and a
	// trailing slash); the handshake parameters themselves are untouched.
	Path  string
	Query url.Values

	// Greeting is written right after the upgrade, before Connect returns.
	Greeting [][]byte

	// Reply, if set, sees every inbound message; a non-nil result is written
	// back as a text message (application-level heartbeats).
	Reply func(msg []byte) []byte

	// Ping, if set, is written every PingInterval while the session is open.
	Ping         []byte
	PingInterval time.Duration
}

func NewConnector() *Connector {
	return &Connector{
		ReadLimit: 1 << 20,
		PongWait:  60 * time.Second,
		WriteWait: 2 * time.Second,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect dials the handshake URL with its scheme mapped to ws/wss.
func (c *Connector) Connect(ctx context.Context, cfg feed.SessionConfig) (feed.Session, error) {
	raw, err := feed.BuildHandshakeURL(cfg)
	if err != nil {
		return nil, &feed.ConnectError{Kind: feed.ConnectNetwork, URL: feed.RedactedURL(cfg), Err: err}
	}
	target, err := c.dialURL(raw)
	if err != nil {
		return nil, &feed.ConnectError{Kind: feed.ConnectNetwork, URL: feed.RedactedURL(cfg), Err: err}
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, target, c.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		ce := &feed.ConnectError{Kind: feed.ConnectNetwork, URL: feed.RedactedURL(cfg), Err: err}
		// 拿到了 HTTP 响应但不是 101：网关拒绝了升级/鉴权
		if errors.Is(err, websocket.ErrBadHandshake) || resp != nil {
			ce.Kind = feed.ConnectHandshake
			if resp != nil {
				ce.Status = resp.StatusCode
			}
		}
		return nil, ce
	}

	s := newSession(conn, c.ReadLimit, c.PongWait, c.WriteWait)
	s.reply = c.Reply
	for _, msg := range c.Greeting {
		if err := s.writeText(msg); err != nil {
			_ = s.Close()
			return nil, &feed.ConnectError{Kind: feed.ConnectNetwork, URL: feed.RedactedURL(cfg), Err: err}
		}
	}
	if len(c.Ping) > 0 && c.PingInterval > 0 {
		go s.keepalive(c.Ping, c.PingInterval)
	}
	return s, nil
}

func (c *Connector) dialURL(raw string) (string, error) {
	target, err := DialURL(raw)
	if err != nil || (c.Path == "" && len(c.Query) == 0) {
		return target, err
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	if c.Path != "" {
		u.Path = c.Path
	}
	q := u.Query()
	for k, vs := range c.Query {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// DialURL maps https→wss and http→ws; ws and wss pass through.
func DialURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	return u.String(), nil
}

type session struct {
	conn      *websocket.Conn
	pongWait  time.Duration
	writeWait time.Duration
	reply     func([]byte) []byte

	writeMu   sync.Mutex // 控制帧写入和 Close 的写互斥
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newSession(c *websocket.Conn, readLimit int64, pongWait, writeWait time.Duration) *session {
	s := &session{conn: c, pongWait: pongWait, writeWait: writeWait, done: make(chan struct{})}

	if readLimit > 0 {
		c.SetReadLimit(readLimit)
	}
	s.extendDeadline()
	c.SetPongHandler(func(string) error {
		s.extendDeadline()
		return nil
	})
	c.SetPingHandler(func(appData string) error {
		s.extendDeadline()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err := c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	return s
}

func (s *session) extendDeadline() {
	if s.pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
	}
}

func (s *session) ReadFrame() ([]byte, error) {
	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		return nil, s.classify(err)
	}
	s.extendDeadline()
	if s.reply != nil {
		if out := s.reply(msg); out != nil {
			s.write(out)
		}
	}
	return msg, nil
}

// write 失败不影响读；连接真的断了下一次 ReadFrame 会报出来
func (s *session) write(msg []byte) {
	_ = s.writeText(msg)
}

func (s *session) writeText(msg []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

// keepalive 客户端主动心跳（engine.io v3），随 Close 退出
func (s *session) keepalive(msg []byte, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			s.write(msg)
		}
	}
}

func (s *session) classify(err error) error {
	if s.closed.Load() {
		return &feed.IoError{Kind: feed.IoClosed, Err: err}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &feed.IoError{Kind: feed.IoClosed, Err: err}
	}
	// 读超时/限长等：连接本身已不可用，但不是对端正常关闭
	return &feed.IoError{Kind: feed.IoTransient, Err: err}
}

// Close sends a best-effort close frame and releases the socket. Safe to call
// concurrently with ReadFrame, which then returns IoClosed.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(s.writeWait))
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
