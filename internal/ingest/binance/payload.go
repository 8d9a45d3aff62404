package binance

import (
	"github.com/yanun0323/errors"

	"venuelink/internal/book"
	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

// Stream payloads carry numbers as decimal strings. They parse into
// fixed-point scalars right after decode, so everything behind the
// feed queue works on schema types only.

// depthUpdate is one depth-delta event. U and u bound the venue
// update-id range the event covers.
type depthUpdate struct {
	Event   string      `json:"e"`
	Time    int64       `json:"E"`
	Symbol  string      `json:"s"`
	FirstID uint64      `json:"U"`
	LastID  uint64      `json:"u"`
	Bids    [][2]string `json:"b"`
	Asks    [][2]string `json:"a"`
}

// tradeUpdate is one executed trade. BuyerMaker set means the
// aggressor sold into a resting bid.
type tradeUpdate struct {
	Event      string `json:"e"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	BuyerMaker bool   `json:"m"`
}

// depthSnapshot is the REST depth response used to seed a book.
type depthSnapshot struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

type eventKind uint8

const (
	eventInvalid eventKind = iota
	eventDepth
	eventTrade
)

// feedEvent is one parsed stream message handed from the read
// goroutine to the pump. Depth events keep qty zero levels; zero is
// the venue's deletion marker.
type feedEvent struct {
	kind    eventKind
	symKey  uint64
	firstID uint64
	lastID  uint64
	bids    []book.Level
	asks    []book.Level
	price   schema.Price
	qty     schema.Qty
	sell    bool
}

// snapshotMsg is one finished REST snapshot fetch, delivered to the
// pump over the snaps channel.
type snapshotMsg struct {
	symKey uint64
	lastID uint64
	bids   []book.Level
	asks   []book.Level
	err    error
}

// parseLevels converts [price, qty] string pairs. A level that fails
// to parse poisons the whole batch; the caller drops the frame.
func parseLevels(raw [][2]string, dst []book.Level) ([]book.Level, error) {
	for i := range raw {
		price, ok := schema.ParsePrice([]byte(raw[i][0]))
		if !ok {
			return dst, errors.Wrapf(exception.ErrBadNumber, "price %q", raw[i][0])
		}
		qty, ok := schema.ParseQty([]byte(raw[i][1]))
		if !ok {
			return dst, errors.Wrapf(exception.ErrBadNumber, "qty %q", raw[i][1])
		}
		dst = append(dst, book.Level{Price: price, Qty: qty})
	}
	return dst, nil
}
