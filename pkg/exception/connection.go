package exception

import "github.com/yanun0323/errors"

var (
	ErrConnectionClose    = errors.New("connection closed")
	ErrSessionClosed      = errors.New("websocket: session closed")
	ErrHandshakeRejected  = errors.New("websocket: handshake rejected")
	ErrInResponseError    = errors.New("there is an error in response error field")
	ErrSubscribeRejected  = errors.New("websocket: subscribe rejected")
	ErrWebSocketProtocol  = errors.New("websocket: protocol error")
	ErrReconnectExhausted = errors.New("websocket: reconnect abandoned")
)
