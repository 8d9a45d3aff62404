package binance

import (
	"testing"

	"github.com/yanun0323/errors"

	"venuelink/pkg/exception"
	"venuelink/pkg/websocket"
)

func TestCodecEncodeControlFrames(t *testing.T) {
	c := NewCodec()
	c.Register(1, depthStreamName("BTCUSDT"))
	c.Register(2, tradeStreamName("BTCUSDT"))

	msgType, payload, err := c.EncodeSubscribe(nil, "", []websocket.TopicID{1, 2})
	if err != nil {
		t.Fatalf("encode subscribe: %+v", err)
	}
	if msgType != websocket.MessageText {
		t.Fatalf("message type = %d, want text", msgType)
	}
	want := `{"method":"SUBSCRIBE","params":["btcusdt@depth","btcusdt@trade"],"id":1}`
	if string(payload) != want {
		t.Fatalf("payload = %s, want %s", payload, want)
	}

	_, payload, err = c.EncodeUnsubscribe(payload[:0], []websocket.TopicID{2})
	if err != nil {
		t.Fatalf("encode unsubscribe: %+v", err)
	}
	want = `{"method":"UNSUBSCRIBE","params":["btcusdt@trade"],"id":2}`
	if string(payload) != want {
		t.Fatalf("payload = %s, want %s", payload, want)
	}
}

func TestCodecUnknownTopic(t *testing.T) {
	c := NewCodec()
	c.Register(1, depthStreamName("ETHUSDT"))
	c.Unregister(1)

	if _, _, err := c.EncodeSubscribe(nil, "", []websocket.TopicID{1}); !errors.Is(err, exception.ErrUnknownTopic) {
		t.Fatalf("err = %v, want ErrUnknownTopic", err)
	}
	if _, _, err := c.EncodeSubscribe(nil, "", nil); !errors.Is(err, exception.ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestCodecModeUnused(t *testing.T) {
	c := NewCodec()
	if _, _, ok, err := c.EncodeMode(nil, "full", []websocket.TopicID{1}); ok || err != nil {
		t.Fatalf("mode frame: ok=%v err=%v", ok, err)
	}
}

func TestSymbolKeyCaseFolds(t *testing.T) {
	if symbolKey("btcusdt") != symbolKey("BTCUSDT") {
		t.Fatal("symbol key is case sensitive")
	}
	if symbolKey("BTCUSDT") != hashBytes([]byte("BTCUSDT")) {
		t.Fatal("symbol key disagrees with the payload hash")
	}
	if symbolKey("BTCUSDT") == symbolKey("ETHUSDT") {
		t.Fatal("distinct symbols collide")
	}
}
