// Package broker owns the single STOMP-over-WebSocket connection to the
// matchmaking broker. It mediates registration, buffers outbound payloads
// until the broker confirms it, and hands inbound messages to its owner in
// arrival order.
package broker

// State is the connection state of a Channel.
type State int

const (
	StateNew State = iota
	StateConnected
	StateRegistered
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
