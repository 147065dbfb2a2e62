package feed

import "context"

// Session owns exactly one live connection. ReadFrame is called only by the
// receive loop; Close may be called from any goroutine, at any time, any number
// of times, and must make a blocked ReadFrame return promptly.
type Session interface {
	// ReadFrame blocks for the next chunk of bytes. Errors are *IoError.
	ReadFrame() ([]byte, error)
	Close() error
}

// Connector performs the handshake and hands back an open Session.
// Errors are *ConnectError. Connect must give up when ctx is done.
type Connector interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, cfg SessionConfig) (Session, error)

func (f ConnectorFunc) Connect(ctx context.Context, cfg SessionConfig) (Session, error) {
	return f(ctx, cfg)
}

// Frame is one decoded unit of inbound data.
type Frame struct {
	Event   string
	Payload []byte
}

// Decoder turns one raw read into zero or more frames. Control traffic (pings,
// acks, handshakes of an upper protocol) decodes to zero frames.
type Decoder interface {
	Decode(raw []byte) ([]Frame, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(raw []byte) ([]Frame, error)

func (f DecoderFunc) Decode(raw []byte) ([]Frame, error) { return f(raw) }

// RawEvent is the event type used when no decoder is configured.
const RawEvent = "raw"

// passthrough hands every read over unchanged under RawEvent.
var passthrough = DecoderFunc(func(raw []byte) ([]Frame, error) {
	return []Frame{{Event: RawEvent, Payload: raw}}, nil
})
