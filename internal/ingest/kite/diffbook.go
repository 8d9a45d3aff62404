package kite

import (
	"venuelink/internal/book"
	"venuelink/internal/schema"
)

// qtyFromShares widens a whole-share count into the two-decimal
// internal quantity.
func qtyFromShares(v int32) schema.Qty {
	return schema.Qty(v) * 100
}

// DiffBook converts venue depth snapshots into a normalized update
// stream by diffing each FULL packet against the resting ladders.
// Not safe for concurrent use.
type DiffBook struct {
	ticker    schema.TickerID
	book      *book.Book
	prevBids  map[schema.Price]struct{}
	prevAsks  map[schema.Price]struct{}
	lastPrice schema.Price
	lastQty   schema.Qty
}

// NewDiffBook creates an empty diff book for ticker.
func NewDiffBook(ticker schema.TickerID) *DiffBook {
	return &DiffBook{
		ticker:    ticker,
		book:      book.New(),
		prevBids:  make(map[schema.Price]struct{}, depthLevels),
		prevAsks:  make(map[schema.Price]struct{}, depthLevels),
		lastPrice: schema.PriceInvalid,
	}
}

// Book exposes the resting ladders. The caller goroutine must be the
// one applying packets.
func (d *DiffBook) Book() *book.Book {
	return d.book
}

// BBO returns the cached best bid and offer.
func (d *DiffBook) BBO() book.BBO {
	return d.book.BBO()
}

// LastTrade returns the most recent trade emitted from a packet.
func (d *DiffBook) LastTrade() (schema.Price, schema.Qty) {
	return d.lastPrice, d.lastQty
}

// Apply diffs one FULL packet against the ladders and appends the
// resulting updates to dst. Levels present in the packet but unknown
// to the book emit Add; known levels with a different quantity emit
// Modify; levels that disappeared emit Cancel. A positive last-trade
// quantity emits one Trade with the aggressor unknown. Packets of any
// other kind produce nothing.
func (d *DiffBook) Apply(pkt *QuotePacket, dst []schema.MarketUpdate) []schema.MarketUpdate {
	if pkt.Kind != KindFull {
		return dst
	}

	clear(d.prevBids)
	clear(d.prevAsks)
	d.book.Side(schema.SideBuy).Walk(func(l book.Level) bool {
		d.prevBids[l.Price] = struct{}{}
		return true
	})
	d.book.Side(schema.SideSell).Walk(func(l book.Level) bool {
		d.prevAsks[l.Price] = struct{}{}
		return true
	})

	dst = d.applySide(schema.SideBuy, pkt.Bids[:], d.prevBids, dst)
	dst = d.applySide(schema.SideSell, pkt.Asks[:], d.prevAsks, dst)

	for price := range d.prevBids {
		d.book.Side(schema.SideBuy).Remove(price)
		dst = append(dst, d.levelUpdate(schema.UpdateCancel, schema.SideBuy, price, 0))
	}
	for price := range d.prevAsks {
		d.book.Side(schema.SideSell).Remove(price)
		dst = append(dst, d.levelUpdate(schema.UpdateCancel, schema.SideSell, price, 0))
	}

	if pkt.LastQty > 0 {
		d.lastPrice = schema.Price(pkt.LastPrice)
		d.lastQty = qtyFromShares(pkt.LastQty)
		dst = append(dst, schema.MarketUpdate{
			Kind:     schema.UpdateTrade,
			Side:     schema.SideInvalid,
			TickerID: d.ticker,
			OrderID:  schema.OrderIDInvalid,
			Price:    d.lastPrice,
			Qty:      d.lastQty,
			Priority: 1,
		})
	}

	d.book.RefreshBBO()
	return dst
}

func (d *DiffBook) applySide(side schema.Side, levels []DepthLevel, prev map[schema.Price]struct{}, dst []schema.MarketUpdate) []schema.MarketUpdate {
	ladder := d.book.Side(side)
	for _, lv := range levels {
		if lv.Price <= 0 || lv.Qty <= 0 {
			continue
		}
		price := schema.Price(lv.Price)
		qty := qtyFromShares(lv.Qty)
		stored, known := ladder.Qty(price)
		switch {
		case !known:
			ladder.Set(price, qty)
			dst = append(dst, d.levelUpdate(schema.UpdateAdd, side, price, qty))
		case stored != qty:
			ladder.Set(price, qty)
			dst = append(dst, d.levelUpdate(schema.UpdateModify, side, price, qty))
		}
		delete(prev, price)
	}
	return dst
}

func (d *DiffBook) levelUpdate(kind schema.UpdateKind, side schema.Side, price schema.Price, qty schema.Qty) schema.MarketUpdate {
	return schema.MarketUpdate{
		Kind:     kind,
		Side:     side,
		TickerID: d.ticker,
		OrderID:  book.SynthOrderID(d.ticker, price, side),
		Price:    price,
		Qty:      qty,
		Priority: 1,
	}
}

// Clear cancels every resting level on both sides, appends one Clear
// with invalid fields, and resets the ladders. Used when the feed
// reconnects and the venue will resend whole snapshots.
func (d *DiffBook) Clear(dst []schema.MarketUpdate) []schema.MarketUpdate {
	d.book.Side(schema.SideBuy).Walk(func(l book.Level) bool {
		dst = append(dst, d.levelUpdate(schema.UpdateCancel, schema.SideBuy, l.Price, 0))
		return true
	})
	d.book.Side(schema.SideSell).Walk(func(l book.Level) bool {
		dst = append(dst, d.levelUpdate(schema.UpdateCancel, schema.SideSell, l.Price, 0))
		return true
	})
	dst = append(dst, schema.MarketUpdate{
		Kind:     schema.UpdateClear,
		Side:     schema.SideInvalid,
		TickerID: d.ticker,
		OrderID:  schema.OrderIDInvalid,
		Price:    schema.PriceInvalid,
		Qty:      schema.QtyInvalid,
		Priority: 1,
	})
	d.book.Clear()
	return dst
}
