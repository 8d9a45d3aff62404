package book

import (
	"sync"

	"venuelink/internal/schema"
)

// ViewDepth is the number of levels a TopView keeps per side.
const ViewDepth = 5

// TopView is a read-side snapshot of one book. The owning facade
// publishes into it after each applied packet; any goroutine may read.
type TopView struct {
	mu        sync.RWMutex
	bbo       BBO
	bids      []Level
	asks      []Level
	lastPrice schema.Price
	lastQty   schema.Qty
	updates   uint64
}

// NewTopView creates an empty view.
func NewTopView() *TopView {
	return &TopView{
		bbo:       emptyBBO(),
		bids:      make([]Level, 0, ViewDepth),
		asks:      make([]Level, 0, ViewDepth),
		lastPrice: schema.PriceInvalid,
	}
}

// Publish copies the top levels and BBO out of b. lastPrice and
// lastQty carry the most recent trade; pass PriceInvalid / zero to
// keep the previous values.
func (v *TopView) Publish(b *Book, lastPrice schema.Price, lastQty schema.Qty) {
	v.mu.Lock()
	v.bbo = b.BBO()
	v.bids = b.Top(schema.SideBuy, v.bids[:0], ViewDepth)
	v.asks = b.Top(schema.SideSell, v.asks[:0], ViewDepth)
	if lastPrice != schema.PriceInvalid {
		v.lastPrice = lastPrice
		v.lastQty = lastQty
	}
	v.updates++
	v.mu.Unlock()
}

// PublishLast records a trade or reference price without touching the
// ladders. Index tickers carry no depth and flow through here.
func (v *TopView) PublishLast(lastPrice schema.Price, lastQty schema.Qty) {
	v.mu.Lock()
	v.lastPrice = lastPrice
	v.lastQty = lastQty
	v.updates++
	v.mu.Unlock()
}

// BBO returns the published best bid and offer.
func (v *TopView) BBO() BBO {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bbo
}

// Last returns the most recent trade price and quantity.
func (v *TopView) Last() (schema.Price, schema.Qty) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastPrice, v.lastQty
}

// Depth appends the published levels of side into dst.
func (v *TopView) Depth(side schema.Side, dst []Level) []Level {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if side == schema.SideBuy {
		return append(dst, v.bids...)
	}
	return append(dst, v.asks...)
}

// Updates reports the number of publishes, for staleness checks.
func (v *TopView) Updates() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updates
}
