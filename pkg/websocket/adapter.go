package websocket

import "context"

// Conn is a minimal interface for a WebSocket connection.
// Implementations should read into the provided dst buffer.
type Conn interface {
	Read(ctx context.Context, dst []byte) (n int, msgType MessageType, err error)
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	Close(code CloseCode, reason string) error
}

// Dialer creates new connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Codec renders venue control messages. Implementations write into dst
// and return a slice backed by dst.
type Codec interface {
	// EncodeSubscribe renders one subscribe message covering the topics
	// of a mode group.
	EncodeSubscribe(dst []byte, mode string, topics []TopicID) (MessageType, []byte, error)

	// EncodeUnsubscribe renders one unsubscribe message.
	EncodeUnsubscribe(dst []byte, topics []TopicID) (MessageType, []byte, error)

	// EncodeMode renders the mode message sent after a group subscribe.
	// ok is false when the venue has no mode concept.
	EncodeMode(dst []byte, mode string, topics []TopicID) (msgType MessageType, payload []byte, ok bool, err error)
}

// Sender enqueues outbound frames and returns false when the payload is
// not accepted.
type Sender interface {
	Send(msgType MessageType, payload []byte) bool
}
