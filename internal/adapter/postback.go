package adapter

import "sync"

// PostbackFunc consumes one venue order postback forwarded off a
// market data socket's text stream.
type PostbackFunc func(event string, data []byte)

var postbackHub struct {
	mu  sync.RWMutex
	fns []PostbackFunc
}

// OnPostback registers fn for every dispatched postback. The order
// gateway subscribes here because the venue reports order lifecycle
// on the market data connection. Registrations last the process
// lifetime.
func OnPostback(fn PostbackFunc) {
	postbackHub.mu.Lock()
	postbackHub.fns = append(postbackHub.fns, fn)
	postbackHub.mu.Unlock()
}

// DispatchPostback fans one postback out to every registered
// consumer, on the caller's goroutine.
func DispatchPostback(event string, data []byte) {
	postbackHub.mu.RLock()
	fns := postbackHub.fns
	postbackHub.mu.RUnlock()
	for _, fn := range fns {
		fn(event, data)
	}
}
