package binance

import (
	"github.com/yanun0323/logs"

	"venuelink/internal/book"
	"venuelink/internal/schema"
)

type syncState uint8

const (
	syncAwaitSnapshot syncState = iota
	syncLive
)

// A stalled snapshot fetch must not buffer deltas forever.
const maxBufferedDeltas = 8192

// DeltaBook reconciles the REST depth snapshot with the buffered delta
// stream and turns applied deltas into normalized updates. The venue
// numbers deltas with an update-id range [U, u]; a delta applies only
// when it extends the installed id by exactly one. Owned by the pump
// goroutine, not safe for concurrent use.
type DeltaBook struct {
	ticker schema.TickerID
	book   *book.Book
	state  syncState
	buffer []feedEvent
	lastID uint64

	lastPrice schema.Price
	lastQty   schema.Qty
}

func NewDeltaBook(ticker schema.TickerID) *DeltaBook {
	return &DeltaBook{
		ticker:    ticker,
		book:      book.New(),
		lastPrice: schema.PriceInvalid,
	}
}

func (d *DeltaBook) Book() *book.Book { return d.book }

func (d *DeltaBook) BBO() book.BBO { return d.book.BBO() }

// Live reports whether a snapshot is installed and deltas apply
// directly.
func (d *DeltaBook) Live() bool { return d.state == syncLive }

// LastTrade returns the most recent trade cursor. Price is
// PriceInvalid until the first trade.
func (d *DeltaBook) LastTrade() (schema.Price, schema.Qty) {
	return d.lastPrice, d.lastQty
}

// OnDelta feeds one depth delta. Before a snapshot installs the delta
// is buffered. The bool asks the facade for a fresh snapshot; it is
// set when a live delta skips ids, after the book and buffer reset.
func (d *DeltaBook) OnDelta(ev *feedEvent, dst []schema.MarketUpdate) ([]schema.MarketUpdate, bool) {
	if d.state != syncLive {
		if len(d.buffer) >= maxBufferedDeltas {
			logs.Warnf("delta buffer overflow for ticker %d, restarting sync", d.ticker)
			d.buffer = d.buffer[:0]
		}
		d.buffer = append(d.buffer, *ev)
		return dst, false
	}
	if ev.lastID <= d.lastID {
		return dst, false
	}
	if ev.firstID > d.lastID+1 {
		logs.Warnf("depth gap for ticker %d: installed %d, delta covers [%d, %d]",
			d.ticker, d.lastID, ev.firstID, ev.lastID)
		dst = d.Reset(dst)
		d.buffer = append(d.buffer, *ev)
		return dst, true
	}
	return d.applyDelta(ev, dst), false
}

// OnSnapshot installs a REST snapshot and drains the buffer. The bool
// asks for another fetch: either the snapshot predates the first
// buffered delta, or draining uncovered a gap.
func (d *DeltaBook) OnSnapshot(lastID uint64, bids, asks []book.Level, dst []schema.MarketUpdate) ([]schema.MarketUpdate, bool) {
	if d.state == syncLive {
		return dst, false
	}
	if len(d.buffer) > 0 && lastID < d.buffer[0].firstID {
		return dst, true
	}

	d.book.Clear()
	dst = append(dst, d.clearUpdate())
	for _, lv := range bids {
		if lv.Qty <= 0 {
			continue
		}
		d.book.Side(schema.SideBuy).Set(lv.Price, lv.Qty)
		dst = append(dst, d.levelUpdate(schema.UpdateAdd, schema.SideBuy, lv.Price, lv.Qty))
	}
	for _, lv := range asks {
		if lv.Qty <= 0 {
			continue
		}
		d.book.Side(schema.SideSell).Set(lv.Price, lv.Qty)
		dst = append(dst, d.levelUpdate(schema.UpdateAdd, schema.SideSell, lv.Price, lv.Qty))
	}
	d.lastID = lastID
	d.state = syncLive
	d.book.RefreshBBO()

	buffered := d.buffer
	d.buffer = nil
	for i := range buffered {
		ev := &buffered[i]
		if ev.lastID <= d.lastID {
			continue
		}
		if ev.firstID > d.lastID+1 {
			logs.Warnf("depth gap for ticker %d while draining: installed %d, delta covers [%d, %d]",
				d.ticker, d.lastID, ev.firstID, ev.lastID)
			dst = d.Reset(dst)
			return dst, true
		}
		dst = d.applyDelta(ev, dst)
	}
	return dst, false
}

// OnTrade records the trade cursor and converts the event. The venue
// marks the maker side, so buyer-maker means the aggressor sold.
func (d *DeltaBook) OnTrade(ev *feedEvent, dst []schema.MarketUpdate) []schema.MarketUpdate {
	side := schema.SideBuy
	if ev.sell {
		side = schema.SideSell
	}
	d.lastPrice, d.lastQty = ev.price, ev.qty
	return append(dst, schema.MarketUpdate{
		Kind:     schema.UpdateTrade,
		Side:     side,
		TickerID: d.ticker,
		OrderID:  schema.OrderIDInvalid,
		Price:    ev.price,
		Qty:      ev.qty,
		Priority: 1,
	})
}

// Reset drops the ladders, the buffer, and the installed id, and
// appends the downstream Clear. The caller schedules the refetch.
func (d *DeltaBook) Reset(dst []schema.MarketUpdate) []schema.MarketUpdate {
	d.book.Clear()
	d.buffer = d.buffer[:0]
	d.lastID = 0
	d.state = syncAwaitSnapshot
	return append(dst, d.clearUpdate())
}

func (d *DeltaBook) applyDelta(ev *feedEvent, dst []schema.MarketUpdate) []schema.MarketUpdate {
	dst = d.applySide(schema.SideBuy, ev.bids, dst)
	dst = d.applySide(schema.SideSell, ev.asks, dst)
	d.lastID = ev.lastID
	d.book.RefreshBBO()
	return dst
}

// applySide replays one side of a delta. Quantities are absolute, so
// an Add covers both new and resized levels; zero removes.
func (d *DeltaBook) applySide(side schema.Side, levels []book.Level, dst []schema.MarketUpdate) []schema.MarketUpdate {
	ladder := d.book.Side(side)
	for _, lv := range levels {
		if lv.Qty > 0 {
			ladder.Set(lv.Price, lv.Qty)
			dst = append(dst, d.levelUpdate(schema.UpdateAdd, side, lv.Price, lv.Qty))
			continue
		}
		if _, existed := ladder.Remove(lv.Price); existed {
			dst = append(dst, d.levelUpdate(schema.UpdateCancel, side, lv.Price, 0))
		}
	}
	return dst
}

func (d *DeltaBook) levelUpdate(kind schema.UpdateKind, side schema.Side, price schema.Price, qty schema.Qty) schema.MarketUpdate {
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

func (d *DeltaBook) clearUpdate() schema.MarketUpdate {
	return schema.MarketUpdate{
		Kind:     schema.UpdateClear,
		Side:     schema.SideInvalid,
		TickerID: d.ticker,
		OrderID:  schema.OrderIDInvalid,
		Price:    schema.PriceInvalid,
		Qty:      schema.QtyInvalid,
		Priority: 1,
	}
}
