package kite

import (
	"encoding/binary"
	"testing"
)

const (
	equityToken = 738561 // low byte 1, regular segment
	indexToken  = 256265 // low byte 9, index segment
)

func putU32(b []byte, off int, v int32) {
	binary.BigEndian.PutUint32(b[off:], uint32(v))
}

func putU16(b []byte, off int, v int16) {
	binary.BigEndian.PutUint16(b[off:], uint16(v))
}

func ltpPacket(token, last int32) []byte {
	b := make([]byte, packetLTP)
	putU32(b, 0, token)
	putU32(b, 4, last)
	return b
}

func quotePacket(token, last, lastQty int32) []byte {
	b := make([]byte, packetQuote)
	putU32(b, 0, token)
	putU32(b, 4, last)
	putU32(b, 8, lastQty)
	putU32(b, 12, last-5) // avg
	putU32(b, 16, 123456) // volume
	putU32(b, 20, 700)    // buy qty
	putU32(b, 24, 900)    // sell qty
	putU32(b, 28, last-100)
	putU32(b, 32, last+50)
	putU32(b, 36, last-200)
	putU32(b, 40, last-10)
	return b
}

type level struct {
	qty    int32
	price  int32
	orders int16
}

func fullPacket(token, last, lastQty int32, bids, asks []level) []byte {
	b := make([]byte, packetFull)
	copy(b, quotePacket(token, last, lastQty))
	putU32(b, 44, 1700000100) // last trade time
	putU32(b, 48, 4200)       // oi
	putU32(b, 52, 4300)
	putU32(b, 56, 4100)
	putU32(b, 60, 1700000111) // exchange ts
	for i, lv := range bids {
		off := bidDepthStart + i*depthStride
		putU32(b, off, lv.qty)
		putU32(b, off+4, lv.price)
		putU16(b, off+8, lv.orders)
	}
	for i, lv := range asks {
		off := askDepthStart + i*depthStride
		putU32(b, off, lv.qty)
		putU32(b, off+4, lv.price)
		putU16(b, off+8, lv.orders)
	}
	return b
}

func indexPacket(token, last int32, withTs bool) []byte {
	size := packetIndex
	if withTs {
		size += 4
	}
	b := make([]byte, size)
	putU32(b, 0, token)
	putU32(b, 4, last)
	putU32(b, 8, last+300)  // high
	putU32(b, 12, last-300) // low
	putU32(b, 16, last-100) // open
	putU32(b, 20, last-50)  // close
	putU32(b, 24, -150)     // change, signed
	if withTs {
		putU32(b, 28, 1700000222)
	}
	return b
}

func frame(packets ...[]byte) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(packets)))
	for _, p := range packets {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(p)))
		buf = append(buf, l[:]...)
		buf = append(buf, p...)
	}
	return buf
}

func decodeAll(t *testing.T, data []byte) []QuotePacket {
	t.Helper()
	var out []QuotePacket
	DecodeFrame(data, func(pkt *QuotePacket) {
		out = append(out, *pkt)
	})
	return out
}

func TestDecodeFrameKinds(t *testing.T) {
	data := frame(
		ltpPacket(equityToken, 204550),
		quotePacket(equityToken, 204575, 15),
		fullPacket(equityToken, 204600, 25,
			[]level{{qty: 100, price: 204500, orders: 3}},
			[]level{{qty: 80, price: 204700, orders: 2}},
		),
		indexPacket(indexToken, 2212045, true),
	)

	pkts := decodeAll(t, data)
	if len(pkts) != 4 {
		t.Fatalf("decoded %d packets, want 4", len(pkts))
	}

	if pkts[0].Kind != KindLTP || pkts[0].Token != equityToken || pkts[0].LastPrice != 204550 {
		t.Fatalf("ltp packet = %+v", pkts[0])
	}

	q := pkts[1]
	if q.Kind != KindQuote || q.LastQty != 15 || q.Volume != 123456 || q.BuyQty != 700 || q.SellQty != 900 {
		t.Fatalf("quote packet = %+v", q)
	}
	if q.Open != 204575-100 || q.High != 204575+50 || q.Low != 204575-200 || q.Close != 204575-10 {
		t.Fatalf("quote ohlc = %+v", q)
	}

	f := pkts[2]
	if f.Kind != KindFull || f.LastTradeTime != 1700000100 || f.OI != 4200 || f.ExchangeTs != 1700000111 {
		t.Fatalf("full packet = %+v", f)
	}
	if f.Bids[0] != (DepthLevel{Qty: 100, Price: 204500, Orders: 3}) {
		t.Fatalf("full bid level = %+v", f.Bids[0])
	}
	if f.Asks[0] != (DepthLevel{Qty: 80, Price: 204700, Orders: 2}) {
		t.Fatalf("full ask level = %+v", f.Asks[0])
	}
	if f.Bids[1] != (DepthLevel{}) {
		t.Fatalf("unset bid level = %+v, want zero", f.Bids[1])
	}

	idx := pkts[3]
	if idx.Kind != KindIndex || idx.Token != indexToken || idx.LastPrice != 2212045 {
		t.Fatalf("index packet = %+v", idx)
	}
	if idx.NetChange != -150 {
		t.Fatalf("index change = %d, want -150", idx.NetChange)
	}
	if idx.ExchangeTs != 1700000222 {
		t.Fatalf("index exchange ts = %d", idx.ExchangeTs)
	}
}

func TestDecodeFrameHeartbeat(t *testing.T) {
	if n := DecodeFrame([]byte{0x00}, func(*QuotePacket) { t.Fatal("emit on heartbeat") }); n != 0 {
		t.Fatalf("heartbeat decoded %d packets", n)
	}
	if n := DecodeFrame(nil, func(*QuotePacket) { t.Fatal("emit on empty") }); n != 0 {
		t.Fatalf("empty frame decoded %d packets", n)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	good := frame(ltpPacket(equityToken, 100), ltpPacket(equityToken, 200))
	cut := good[:len(good)-3]

	pkts := decodeAll(t, cut)
	if len(pkts) != 1 || pkts[0].LastPrice != 100 {
		t.Fatalf("truncated frame decoded %+v, want one packet at 100", pkts)
	}
}

func TestDecodeFrameSkipsUnknownLength(t *testing.T) {
	odd := make([]byte, 20)
	putU32(odd, 0, equityToken)
	putU32(odd, 4, 555)

	pkts := decodeAll(t, frame(odd, ltpPacket(equityToken, 777)))
	if len(pkts) != 1 || pkts[0].LastPrice != 777 {
		t.Fatalf("decoded %+v, want only the trailing ltp packet", pkts)
	}
}

func TestDecodeIndexVariants(t *testing.T) {
	// 8-byte packets are LTP mode for any segment
	pkts := decodeAll(t, frame(ltpPacket(indexToken, 2212000)))
	if len(pkts) != 1 || pkts[0].Kind != KindLTP {
		t.Fatalf("index ltp = %+v", pkts)
	}

	// without exchange timestamp
	pkts = decodeAll(t, frame(indexPacket(indexToken, 2212000, false)))
	if len(pkts) != 1 || pkts[0].Kind != KindIndex || pkts[0].ExchangeTs != 0 {
		t.Fatalf("short index = %+v", pkts)
	}

	// index-segment packet below the minimum is dropped
	short := indexPacket(indexToken, 2212000, false)[:16]
	pkts = decodeAll(t, frame(short, ltpPacket(equityToken, 42)))
	if len(pkts) != 1 || pkts[0].LastPrice != 42 {
		t.Fatalf("undersized index frame decoded %+v", pkts)
	}
}
