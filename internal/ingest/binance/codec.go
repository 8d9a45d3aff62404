package binance

import (
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"

	"venuelink/pkg/exception"
	"venuelink/pkg/websocket"
)

// Stream name suffixes for the two feeds of one instrument.
const (
	streamDepth = "@depth"
	streamTrade = "@trade"
)

// Codec renders the venue's JSON control frames. Stream names register
// when an instrument subscribes, so the registry takes a lock; control
// traffic is rare enough that it never shows up in a profile.
type Codec struct {
	mu         sync.RWMutex
	streamByID map[websocket.TopicID][]byte
	reqID      atomic.Uint64
}

func NewCodec() *Codec {
	return &Codec{streamByID: make(map[websocket.TopicID][]byte)}
}

// Register maps a topic id onto a stream name.
func (c *Codec) Register(topic websocket.TopicID, stream string) {
	c.mu.Lock()
	c.streamByID[topic] = []byte(stream)
	c.mu.Unlock()
}

// Unregister drops a topic mapping. Pending control frames referencing
// the topic must already be encoded.
func (c *Codec) Unregister(topic websocket.TopicID) {
	c.mu.Lock()
	delete(c.streamByID, topic)
	c.mu.Unlock()
}

// EncodeSubscribe renders {"method":"SUBSCRIBE","params":[...],"id":N}.
// The venue has no mode concept, so mode is ignored.
func (c *Codec) EncodeSubscribe(dst []byte, _ string, topics []websocket.TopicID) (websocket.MessageType, []byte, error) {
	return c.encodeMethod(dst, "SUBSCRIBE", topics)
}

// EncodeUnsubscribe renders {"method":"UNSUBSCRIBE","params":[...],"id":N}.
func (c *Codec) EncodeUnsubscribe(dst []byte, topics []websocket.TopicID) (websocket.MessageType, []byte, error) {
	return c.encodeMethod(dst, "UNSUBSCRIBE", topics)
}

// EncodeMode reports no payload; subscribing a stream already fixes
// what it carries.
func (c *Codec) EncodeMode(dst []byte, _ string, _ []websocket.TopicID) (websocket.MessageType, []byte, bool, error) {
	return 0, dst, false, nil
}

func (c *Codec) encodeMethod(dst []byte, method string, topics []websocket.TopicID) (websocket.MessageType, []byte, error) {
	if len(topics) == 0 {
		return 0, nil, errors.Wrap(exception.ErrInvalidArgument, "no topics")
	}
	dst = append(dst, `{"method":"`...)
	dst = append(dst, method...)
	dst = append(dst, `","params":[`...)
	c.mu.RLock()
	for i, topic := range topics {
		stream, ok := c.streamByID[topic]
		if !ok {
			c.mu.RUnlock()
			return 0, nil, errors.Wrapf(exception.ErrUnknownTopic, "topic %d", topic)
		}
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '"')
		dst = append(dst, stream...)
		dst = append(dst, '"')
	}
	c.mu.RUnlock()
	dst = append(dst, `],"id":`...)
	dst = appendUint(dst, c.reqID.Add(1))
	dst = append(dst, '}')
	return websocket.MessageText, dst, nil
}

func depthStreamName(symbolUpper string) string {
	return lowerASCII(symbolUpper) + streamDepth
}

func tradeStreamName(symbolUpper string) string {
	return lowerASCII(symbolUpper) + streamTrade
}

func lowerASCII(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		out[i] = b
	}
	return string(out)
}

// symbolKey hashes a symbol case-insensitively so stream payloads,
// which carry the upper-case form, land on the same key as config.
func symbolKey(symbol string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var hash uint64 = offset64
	for i := 0; i < len(symbol); i++ {
		b := symbol[i]
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		hash ^= uint64(b)
		hash *= prime64
	}
	return hash
}

// hashBytes is FNV-1a over an already upper-case payload field.
func hashBytes(data []byte) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	var hash uint64 = offset64
	for i := range data {
		hash ^= uint64(data[i])
		hash *= prime64
	}
	return hash
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}

	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}

	return append(dst, buf[i:]...)
}
