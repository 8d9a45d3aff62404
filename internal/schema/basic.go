package schema

import (
	"math"
	"strconv"
)

// PriceScale is the number of implied decimals on Price and Qty values.
// Wire prices in 1/100 units (paise, cents) map one-to-one.
const PriceScale = 2

// TickerID identifies an instrument inside the engine.
type TickerID uint32

// ClientID identifies an engine-side client.
type ClientID uint32

// OrderID identifies an order. Book updates carry synthesized ids.
type OrderID uint64

// Price is a scaled integer with two implied decimals.
type Price int64

// Qty is a scaled integer with two implied decimals.
type Qty uint32

// Priority is the queue position at a price level. Synthesized book
// updates always carry 1.
type Priority uint32

const (
	TickerIDInvalid TickerID = math.MaxUint32
	ClientIDInvalid ClientID = math.MaxUint32
	OrderIDInvalid  OrderID  = math.MaxUint64
	PriceInvalid    Price    = math.MaxInt64
	QtyInvalid      Qty      = math.MaxUint32
	PriorityInvalid Priority = math.MaxUint32
)

func (t TickerID) IsValid() bool { return t != TickerIDInvalid }
func (o OrderID) IsValid() bool  { return o != OrderIDInvalid }
func (p Price) IsValid() bool    { return p != PriceInvalid }
func (q Qty) IsValid() bool      { return q != QtyInvalid }

// AppendString renders the price as a decimal string into buf.
func (p Price) AppendString(buf []byte) []byte {
	if p == PriceInvalid {
		return append(buf, "INVALID"...)
	}
	return appendScaledInt(buf, int64(p), PriceScale)
}

// AppendString renders the quantity as a decimal string into buf.
func (q Qty) AppendString(buf []byte) []byte {
	if q == QtyInvalid {
		return append(buf, "INVALID"...)
	}
	return appendScaledInt(buf, int64(q), PriceScale)
}

// Float returns the price in venue units. Slow path only.
func (p Price) Float() float64 { return float64(p) / 100.0 }

// Float returns the quantity in venue units. Slow path only.
func (q Qty) Float() float64 { return float64(q) / 100.0 }

// PriceFromFloat truncates a venue-unit value into a Price.
func PriceFromFloat(v float64) Price { return Price(v * 100.0) }

// QtyFromFloat truncates a venue-unit value into a Qty.
func QtyFromFloat(v float64) Qty { return Qty(v * 100.0) }

func appendScaledInt(buf []byte, value int64, scale int) []byte {
	if scale <= 0 {
		return strconv.AppendInt(buf, value, 10)
	}

	neg := value < 0
	u := uint64(value)
	if neg {
		u = uint64(^value) + 1
	}

	var tmp [32]byte
	digits := strconv.AppendUint(tmp[:0], u, 10)

	if neg {
		buf = append(buf, '-')
	}

	if len(digits) <= scale {
		buf = append(buf, '0', '.')
		for i := 0; i < scale-len(digits); i++ {
			buf = append(buf, '0')
		}
		buf = append(buf, digits...)
		return buf
	}

	idx := len(digits) - scale
	buf = append(buf, digits[:idx]...)
	buf = append(buf, '.')
	buf = append(buf, digits[idx:]...)
	return buf
}

// ParseScaled parses a decimal byte string into a scale-100 integer,
// truncating digits past the second decimal. Returns false on any
// non-numeric byte.
func ParseScaled(s []byte) (int64, bool) {
	if len(s) == 0 {
		return 0, false
	}

	neg := false
	i := 0
	if s[0] == '-' {
		neg = true
		i++
		if i == len(s) {
			return 0, false
		}
	}

	var whole uint64
	for ; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			i++
			break
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		whole = whole*10 + uint64(c-'0')
	}

	frac := uint64(0)
	digits := 0
	for ; i < len(s) && digits < PriceScale; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		frac = frac*10 + uint64(c-'0')
		digits++
	}
	for ; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	for ; digits < PriceScale; digits++ {
		frac *= 10
	}

	v := int64(whole*100 + frac)
	if neg {
		v = -v
	}
	return v, true
}

// ParsePrice parses a decimal byte string into a Price.
func ParsePrice(s []byte) (Price, bool) {
	v, ok := ParseScaled(s)
	return Price(v), ok
}

// ParseQty parses a decimal byte string into a Qty.
func ParseQty(s []byte) (Qty, bool) {
	v, ok := ParseScaled(s)
	if v < 0 {
		return 0, false
	}
	return Qty(v), ok
}
