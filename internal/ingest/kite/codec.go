package kite

import (
	"github.com/yanun0323/errors"

	"venuelink/pkg/websocket"
)

var errNoTopics = errors.New("kite: no topics")

// Codec renders the venue's JSON control messages. Topic ids are the
// venue instrument tokens, so no registration state is needed.
type Codec struct{}

// EncodeSubscribe renders {"a":"subscribe","v":[tokens]}.
func (Codec) EncodeSubscribe(dst []byte, _ string, topics []websocket.TopicID) (websocket.MessageType, []byte, error) {
	if len(topics) == 0 {
		return 0, nil, errNoTopics
	}
	dst = append(dst, `{"a":"subscribe","v":[`...)
	dst = appendTokenList(dst, topics)
	dst = append(dst, "]}"...)
	return websocket.MessageText, dst, nil
}

// EncodeUnsubscribe renders {"a":"unsubscribe","v":[tokens]}.
func (Codec) EncodeUnsubscribe(dst []byte, topics []websocket.TopicID) (websocket.MessageType, []byte, error) {
	if len(topics) == 0 {
		return 0, nil, errNoTopics
	}
	dst = append(dst, `{"a":"unsubscribe","v":[`...)
	dst = appendTokenList(dst, topics)
	dst = append(dst, "]}"...)
	return websocket.MessageText, dst, nil
}

// EncodeMode renders {"a":"mode","v":["<mode>",[tokens]]}. An empty
// mode keeps the venue default and sends nothing.
func (Codec) EncodeMode(dst []byte, mode string, topics []websocket.TopicID) (websocket.MessageType, []byte, bool, error) {
	if mode == "" {
		return 0, nil, false, nil
	}
	if len(topics) == 0 {
		return 0, nil, false, errNoTopics
	}
	dst = append(dst, `{"a":"mode","v":["`...)
	dst = append(dst, mode...)
	dst = append(dst, `",[`...)
	dst = appendTokenList(dst, topics)
	dst = append(dst, "]]}"...)
	return websocket.MessageText, dst, true, nil
}

func appendTokenList(dst []byte, topics []websocket.TopicID) []byte {
	for i, t := range topics {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = appendUint(dst, uint64(t))
	}
	return dst
}

func appendUint(dst []byte, v uint64) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, tmp[i:]...)
}
