package websocket

import (
	"time"

	"github.com/yanun0323/errors"
)

var (
	ErrNilDialer     = errors.New("websocket: nil dialer")
	ErrNilCodec      = errors.New("websocket: nil codec")
	ErrBadConfig     = errors.New("websocket: invalid config")
	ErrNoPool        = errors.New("websocket: nil buffer pool")
	ErrFrameTooLarge = errors.New("websocket: frame exceeds max size")
)

// TopicID is the numeric identifier for a topic. Venues with string
// stream names map them through their codec.
type TopicID uint32

// MessageType represents a WebSocket message type.
// Values match RFC 6455 opcodes where applicable.
type MessageType uint8

const (
	// MessageText is a text data frame.
	MessageText MessageType = 1
	// MessageBinary is a binary data frame.
	MessageBinary MessageType = 2
	// MessageClose is a close control frame.
	MessageClose MessageType = 8
	// MessagePing is a ping control frame.
	MessagePing MessageType = 9
	// MessagePong is a pong control frame.
	MessagePong MessageType = 10
)

// CloseCode is a WebSocket close code.
type CloseCode uint16

const (
	// CloseNormal indicates a normal closure.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the peer is going away.
	CloseGoingAway CloseCode = 1001
)

// State is the observable connection lifecycle phase of a session.
type State uint32

const (
	StateDisconnected State = iota
	StateResolving
	StateTLSHandshake
	StateWSHandshake
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateResolving:
		return "resolving"
	case StateTLSHandshake:
		return "tls_handshake"
	case StateWSHandshake:
		return "ws_handshake"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// OverflowPolicy defines queue behavior when full.
type OverflowPolicy uint8

const (
	// OverflowBlock blocks until space is available.
	OverflowBlock OverflowPolicy = iota
	// OverflowDropNewest drops the incoming item if the queue is full.
	OverflowDropNewest
	// OverflowDropOldest drops the oldest item to make room.
	OverflowDropOldest
)

// Backoff defines reconnect backoff behavior.
type Backoff struct {
	// Min is the minimum backoff duration.
	Min time.Duration
	// Max is the maximum backoff duration.
	Max time.Duration
	// Factor multiplies the delay for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}
