package feed

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("feed: invalid session config")
	ErrInvalidPolicy     = errors.New("feed: invalid reconnect policy")
	ErrInvalidTransition = errors.New("feed: invalid state transition")
	ErrAlreadyConnected  = errors.New("feed: already connecting or live")
	ErrClientStopped     = errors.New("feed: client stopped")
)

type ConnectErrorKind uint8

const (
	// ConnectNetwork: 地址不可达 / DNS / TCP / TLS 失败
	ConnectNetwork ConnectErrorKind = iota + 1
	// ConnectHandshake: 网关拒绝了升级或鉴权
	ConnectHandshake
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectNetwork:
		return "network"
	case ConnectHandshake:
		return "handshake"
	default:
		return "unknown"
	}
}

// ConnectError is returned by Connector.Connect. URL never carries the raw token.
type ConnectError struct {
	Kind   ConnectErrorKind
	URL    string
	Status int // HTTP status of a rejected upgrade, 0 when unknown
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("connect %s (%s, status %d): %v", e.URL, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("connect %s (%s): %v", e.URL, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type IoErrorKind uint8

const (
	IoTransient IoErrorKind = iota + 1
	IoClosed
)

func (k IoErrorKind) String() string {
	switch k {
	case IoTransient:
		return "transient"
	case IoClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IoError is returned by Session.ReadFrame. Both kinds end the receive loop that
// observed them; the kind only tells the supervisor and the logs what happened.
type IoError struct {
	Kind IoErrorKind
	Err  error
}

func (e *IoError) Error() string {
	if e.Err == nil {
		return "read: " + e.Kind.String()
	}
	return fmt.Sprintf("read (%s): %v", e.Kind, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// IsClosed reports whether err is an IoError of kind IoClosed.
func IsClosed(err error) bool {
	var ioe *IoError
	return errors.As(err, &ioe) && ioe.Kind == IoClosed
}

type ClientErrorKind uint8

const (
	Unrecoverable ClientErrorKind = iota + 1
)

// ClientError is the only error the client surfaces to the owning process.
type ClientError struct {
	Kind     ClientErrorKind
	Attempts int
	Cause    error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("feed: unrecoverable after %d reconnect attempts: %v", e.Attempts, e.Cause)
}

func (e *ClientError) Unwrap() error { return e.Cause }

// IsUnrecoverable reports whether err carries a ClientError{Unrecoverable}.
func IsUnrecoverable(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce) && ce.Kind == Unrecoverable
}
