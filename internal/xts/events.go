// Package xts knows the event names an XTS-style market-data gateway pushes
// and how to log in to one.
package xts

import (
	"fmt"

	"marketfeed.com/internal/feed"
)

// Code is a numeric message code. The gateway names its socket events
// "<code>-json-full" or "<code>-json-partial" depending on the broadcast mode.
type Code int

const (
	Touchline       Code = 1501
	MarketDepth     Code = 1502
	CandleData      Code = 1505
	OpenInterest    Code = 1510
	LTP             Code = 1512
	InstrumentProps Code = 1105
)

// AllCodes in the order the gateway documents them.
var AllCodes = []Code{Touchline, MarketDepth, CandleData, OpenInterest, LTP, InstrumentProps}

// Session lifecycle events that carry no market data.
const (
	EventJoined     = "joined"
	EventError      = "error"
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

func (c Code) String() string {
	switch c {
	case Touchline:
		return "touchline"
	case MarketDepth:
		return "market_depth"
	case CandleData:
		return "candle"
	case OpenInterest:
		return "open_interest"
	case LTP:
		return "ltp"
	case InstrumentProps:
		return "instrument_property"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Event is the socket event name for c under the given broadcast mode.
func Event(c Code, mode feed.BroadcastMode) string {
	suffix := "full"
	if mode == feed.BroadcastPartial {
		suffix = "partial"
	}
	return fmt.Sprintf("%d-json-%s", int(c), suffix)
}

// ParseEvent is the inverse of Event. ok is false for lifecycle or unknown events.
func ParseEvent(ev string) (c Code, mode feed.BroadcastMode, ok bool) {
	var n int
	var suffix string
	if _, err := fmt.Sscanf(ev, "%d-json-%s", &n, &suffix); err != nil {
		return 0, "", false
	}
	switch suffix {
	case "full":
		mode = feed.BroadcastFull
	case "partial":
		mode = feed.BroadcastPartial
	default:
		return 0, "", false
	}
	return Code(n), mode, true
}

// Routes maps codes to dispatchers.
type Routes map[Code]feed.Dispatcher

// NewMux builds a feed.Mux that routes each code's event (for mode) to its
// dispatcher. Anything else goes to fallback, which may be nil.
func NewMux(mode feed.BroadcastMode, routes Routes, fallback feed.Dispatcher) *feed.Mux {
	m := feed.NewMux()
	for _, c := range AllCodes {
		if d, ok := routes[c]; ok && d != nil {
			m.On(Event(c, mode), d)
		}
	}
	for c, d := range routes {
		if !isKnown(c) && d != nil {
			m.On(Event(c, mode), d)
		}
	}
	if fallback != nil {
		m.Fallback(fallback)
	}
	return m
}

func isKnown(c Code) bool {
	for _, k := range AllCodes {
		if k == c {
			return true
		}
	}
	return false
}
