package kite

import (
	"encoding/binary"

	"github.com/yanun0323/logs"
)

// Streaming modes accepted by the venue's mode control message.
const (
	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"
)

const (
	packetLTP   = 8
	packetQuote = 44
	packetFull  = 184
	packetIndex = 28 // 32 when the exchange timestamp is present

	depthLevels   = 5
	depthStride   = 12
	bidDepthStart = 64
	askDepthStart = 124

	// Instrument tokens carry the exchange segment in the low byte;
	// segment 9 marks index tokens.
	segmentIndices = 9
)

// PacketKind tags one decoded wire packet.
type PacketKind uint8

const (
	KindInvalid PacketKind = iota
	KindLTP
	KindQuote
	KindFull
	KindIndex
)

func (k PacketKind) String() string {
	switch k {
	case KindLTP:
		return "ltp"
	case KindQuote:
		return "quote"
	case KindFull:
		return "full"
	case KindIndex:
		return "index"
	default:
		return "invalid"
	}
}

// DepthLevel is one side level of a FULL packet. Prices stay in
// paise, quantities in whole shares.
type DepthLevel struct {
	Qty    int32
	Price  int32
	Orders int16
}

// QuotePacket is one decoded packet. Wire prices are integer paise,
// which already match the internal two-decimal fixed point, so the
// conversion downstream is a widening copy. The change field of an
// index packet is signed.
type QuotePacket struct {
	Kind  PacketKind
	Token int32

	LastPrice int32
	LastQty   int32
	AvgPrice  int32
	Volume    int32
	BuyQty    int32
	SellQty   int32
	Open      int32
	High      int32
	Low       int32
	Close     int32
	NetChange int32

	LastTradeTime int32
	OI            int32
	OIHigh        int32
	OILow         int32
	ExchangeTs    int32

	Bids [depthLevels]DepthLevel
	Asks [depthLevels]DepthLevel
}

// DecodeFrame walks one binary frame and calls emit per decoded
// packet. Truncated or unknown packets log and skip; the return value
// counts the packets emitted. Single-byte frames are venue heartbeats.
func DecodeFrame(frame []byte, emit func(*QuotePacket)) int {
	if len(frame) <= 1 {
		return 0
	}
	count := int(binary.BigEndian.Uint16(frame))
	offset := 2
	decoded := 0
	var pkt QuotePacket
	for i := 0; i < count; i++ {
		if offset+2 > len(frame) {
			logs.Warnf("quote frame ended at packet %d of %d", i, count)
			break
		}
		length := int(binary.BigEndian.Uint16(frame[offset:]))
		offset += 2
		if offset+length > len(frame) {
			logs.Warnf("quote packet %d truncated, need %d bytes, have %d", i, length, len(frame)-offset)
			break
		}
		if decodePacket(frame[offset:offset+length], &pkt) {
			emit(&pkt)
			decoded++
		}
		offset += length
	}
	return decoded
}

func decodePacket(data []byte, pkt *QuotePacket) bool {
	if len(data) < packetLTP {
		logs.Warnf("quote packet too short: %d bytes", len(data))
		return false
	}
	*pkt = QuotePacket{
		Token:     i32(data, 0),
		LastPrice: i32(data, 4),
	}

	// An 8-byte packet is LTP mode for any segment.
	if len(data) == packetLTP {
		pkt.Kind = KindLTP
		return true
	}
	if pkt.Token&0xff == segmentIndices {
		return decodeIndex(data, pkt)
	}

	switch len(data) {
	case packetQuote:
		pkt.Kind = KindQuote
		decodeQuote(data, pkt)
		return true
	case packetFull:
		pkt.Kind = KindFull
		decodeQuote(data, pkt)
		decodeDepth(data, pkt)
		return true
	default:
		logs.Warnf("unknown quote packet: token=%d len=%d", pkt.Token, len(data))
		return false
	}
}

func decodeQuote(data []byte, pkt *QuotePacket) {
	pkt.LastQty = i32(data, 8)
	pkt.AvgPrice = i32(data, 12)
	pkt.Volume = i32(data, 16)
	pkt.BuyQty = i32(data, 20)
	pkt.SellQty = i32(data, 24)
	pkt.Open = i32(data, 28)
	pkt.High = i32(data, 32)
	pkt.Low = i32(data, 36)
	pkt.Close = i32(data, 40)
}

func decodeDepth(data []byte, pkt *QuotePacket) {
	pkt.LastTradeTime = i32(data, 44)
	pkt.OI = i32(data, 48)
	pkt.OIHigh = i32(data, 52)
	pkt.OILow = i32(data, 56)
	pkt.ExchangeTs = i32(data, 60)
	for i := 0; i < depthLevels; i++ {
		off := bidDepthStart + i*depthStride
		pkt.Bids[i] = DepthLevel{
			Qty:    i32(data, off),
			Price:  i32(data, off+4),
			Orders: i16(data, off+8),
		}
	}
	for i := 0; i < depthLevels; i++ {
		off := askDepthStart + i*depthStride
		pkt.Asks[i] = DepthLevel{
			Qty:    i32(data, off),
			Price:  i32(data, off+4),
			Orders: i16(data, off+8),
		}
	}
}

func decodeIndex(data []byte, pkt *QuotePacket) bool {
	if len(data) < packetIndex {
		logs.Warnf("index packet too short: token=%d len=%d", pkt.Token, len(data))
		return false
	}
	pkt.Kind = KindIndex
	pkt.High = i32(data, 8)
	pkt.Low = i32(data, 12)
	pkt.Open = i32(data, 16)
	pkt.Close = i32(data, 20)
	pkt.NetChange = i32(data, 24)
	if len(data) >= packetIndex+4 {
		pkt.ExchangeTs = i32(data, 28)
	}
	return true
}

func i32(b []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(b[off:]))
}

func i16(b []byte, off int) int16 {
	return int16(binary.BigEndian.Uint16(b[off:]))
}
