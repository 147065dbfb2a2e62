package codec

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
	"marketfeed.com/internal/feed"
)

// engine.io / socket.io packet type prefixes
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'

	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioError      = '4'
)

// SocketIO decodes socket.io event packets, `42["event",data]` with an optional
// `/namespace,` and ack id. Open, ping, pong and connect packets carry no
// frames and decode to nothing.
type SocketIO struct{}

func (SocketIO) Decode(raw []byte) ([]feed.Frame, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch raw[0] {
	case eioOpen, eioPing, eioPong:
		return nil, nil
	case eioClose:
		return nil, fmt.Errorf("%w: engine.io close", ErrMalformed)
	case eioMessage:
	default:
		return nil, fmt.Errorf("%w: engine.io type %q", ErrMalformed, raw[0])
	}

	body := raw[1:]
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty socket.io packet", ErrMalformed)
	}
	kind, body := body[0], body[1:]
	switch kind {
	case sioConnect, sioDisconnect:
		return nil, nil
	case sioError:
		return nil, fmt.Errorf("%w: socket.io error %s", ErrMalformed, body)
	case sioEvent:
	default:
		return nil, fmt.Errorf("%w: socket.io type %q", ErrMalformed, kind)
	}

	body = skipNamespace(body)
	body = skipAckID(body)

	var args []json.RawMessage
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(args) == 0 {
		return nil, ErrEmptyTag
	}
	var event string
	if err := json.Unmarshal(args[0], &event); err != nil || event == "" {
		return nil, ErrEmptyTag
	}
	if len(args) == 1 {
		return []feed.Frame{{Event: event}}, nil
	}
	payload, err := unquote(args[1])
	if err != nil {
		return nil, err
	}
	return []feed.Frame{{Event: event, Payload: payload}}, nil
}

func skipNamespace(b []byte) []byte {
	if len(b) == 0 || b[0] != '/' {
		return b
	}
	if i := bytes.IndexByte(b, ','); i >= 0 {
		return b[i+1:]
	}
	return b[len(b):]
}

func skipAckID(b []byte) []byte {
	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	return b[i:]
}

// EngineIOPong answers engine.io pings; it plugs into wstransport.Connector.Reply.
func EngineIOPong(msg []byte) []byte {
	if len(msg) == 1 && msg[0] == eioPing {
		return []byte{eioPong}
	}
	return nil
}

// engine.io 客户端需要的握手细节
var (
	// EngineIOPing is the client heartbeat of engine.io v3.
	EngineIOPing = []byte{eioPing}
	// SocketIOConnect joins the default namespace; engine.io v4 requires it.
	SocketIOConnect = []byte{eioMessage, sioConnect}
)

// EngineIOQuery is the query an engine.io server expects on a websocket upgrade.
func EngineIOQuery(version int) url.Values {
	return url.Values{
		"EIO":       {strconv.Itoa(version)},
		"transport": {"websocket"},
	}
}

// SocketIOPath derives the engine.io path from a base URL: a bare host gets
// /socket.io/, any other path gets a trailing slash.
func SocketIOPath(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/socket.io/"
	}
	if !strings.HasSuffix(u.Path, "/") {
		return u.Path + "/"
	}
	return u.Path
}
