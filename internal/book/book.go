package book

import (
	"github.com/google/btree"

	"venuelink/internal/schema"
)

const ladderDegree = 32

// Level is one price level of a ladder.
type Level struct {
	Price schema.Price
	Qty   schema.Qty
}

// Ladder is one side of a book, ordered best price first. Bids order
// descending, asks ascending. Not safe for concurrent use; each venue
// facade owns its ladders.
type Ladder struct {
	tree *btree.BTreeG[Level]
}

// NewLadder creates a ladder for the given side.
func NewLadder(side schema.Side) *Ladder {
	less := func(a, b Level) bool { return a.Price < b.Price }
	if side == schema.SideBuy {
		less = func(a, b Level) bool { return a.Price > b.Price }
	}
	return &Ladder{tree: btree.NewG(ladderDegree, less)}
}

// Set stores qty at price and returns the quantity it replaced.
// Qty zero removes the level.
func (l *Ladder) Set(price schema.Price, qty schema.Qty) (prev schema.Qty, existed bool) {
	if qty == 0 {
		return l.Remove(price)
	}
	old, had := l.tree.ReplaceOrInsert(Level{Price: price, Qty: qty})
	return old.Qty, had
}

// Qty returns the resting quantity at price.
func (l *Ladder) Qty(price schema.Price) (schema.Qty, bool) {
	level, ok := l.tree.Get(Level{Price: price})
	return level.Qty, ok
}

// Remove drops the level at price and returns the quantity it held.
func (l *Ladder) Remove(price schema.Price) (schema.Qty, bool) {
	old, had := l.tree.Delete(Level{Price: price})
	return old.Qty, had
}

// Best returns the best level of the side.
func (l *Ladder) Best() (Level, bool) {
	return l.tree.Min()
}

// Top appends up to n best levels into dst.
func (l *Ladder) Top(dst []Level, n int) []Level {
	if n <= 0 {
		return dst
	}
	count := 0
	l.tree.Ascend(func(level Level) bool {
		if count >= n {
			return false
		}
		dst = append(dst, level)
		count++
		return true
	})
	return dst
}

// Walk visits levels best-first until fn returns false.
func (l *Ladder) Walk(fn func(Level) bool) {
	l.tree.Ascend(fn)
}

// Len returns the number of levels.
func (l *Ladder) Len() int {
	return l.tree.Len()
}

// Clear drops all levels.
func (l *Ladder) Clear() {
	l.tree.Clear(false)
}

// BBO is the cached best bid and offer. An empty side reports
// PriceInvalid with zero quantity.
type BBO struct {
	BidPrice schema.Price
	BidQty   schema.Qty
	AskPrice schema.Price
	AskQty   schema.Qty
}

// Mid returns the midpoint of the BBO.
func (b BBO) Mid() (schema.Price, bool) {
	if !b.Valid() {
		return schema.PriceInvalid, false
	}
	return (b.BidPrice + b.AskPrice) / 2, true
}

// Spread returns ask minus bid.
func (b BBO) Spread() (schema.Price, bool) {
	if !b.Valid() {
		return schema.PriceInvalid, false
	}
	return b.AskPrice - b.BidPrice, true
}

// Valid reports whether both sides are populated.
func (b BBO) Valid() bool {
	return b.BidPrice != schema.PriceInvalid && b.AskPrice != schema.PriceInvalid
}

// Book holds both ladders of one instrument plus the cached BBO.
type Book struct {
	bids *Ladder
	asks *Ladder
	bbo  BBO
}

// New creates an empty book.
func New() *Book {
	b := &Book{
		bids: NewLadder(schema.SideBuy),
		asks: NewLadder(schema.SideSell),
	}
	b.bbo = emptyBBO()
	return b
}

func emptyBBO() BBO {
	return BBO{BidPrice: schema.PriceInvalid, AskPrice: schema.PriceInvalid}
}

// Side returns the ladder for side.
func (b *Book) Side(side schema.Side) *Ladder {
	if side == schema.SideBuy {
		return b.bids
	}
	return b.asks
}

// Set stores qty at price on side and refreshes the BBO.
func (b *Book) Set(side schema.Side, price schema.Price, qty schema.Qty) (prev schema.Qty, existed bool) {
	prev, existed = b.Side(side).Set(price, qty)
	b.RefreshBBO()
	return prev, existed
}

// Remove drops the level at price on side and refreshes the BBO.
func (b *Book) Remove(side schema.Side, price schema.Price) (schema.Qty, bool) {
	qty, had := b.Side(side).Remove(price)
	if had {
		b.RefreshBBO()
	}
	return qty, had
}

// Clear empties both ladders.
func (b *Book) Clear() {
	b.bids.Clear()
	b.asks.Clear()
	b.bbo = emptyBBO()
}

// Apply folds one normalized update into the book. Adds carry absolute
// quantities, so a repeated Add on a known price is a modify. Trades do
// not touch resting levels.
func (b *Book) Apply(u schema.MarketUpdate) {
	switch u.Kind {
	case schema.UpdateClear:
		b.Clear()
	case schema.UpdateAdd, schema.UpdateModify:
		b.Set(u.Side, u.Price, u.Qty)
	case schema.UpdateCancel:
		b.Remove(u.Side, u.Price)
	}
}

// BBO returns the cached best bid and offer.
func (b *Book) BBO() BBO {
	return b.bbo
}

// RefreshBBO recomputes the cached BBO from the ladders.
func (b *Book) RefreshBBO() BBO {
	bbo := emptyBBO()
	if best, ok := b.bids.Best(); ok {
		bbo.BidPrice, bbo.BidQty = best.Price, best.Qty
	}
	if best, ok := b.asks.Best(); ok {
		bbo.AskPrice, bbo.AskQty = best.Price, best.Qty
	}
	b.bbo = bbo
	return bbo
}

// Top appends up to n best levels of side into dst.
func (b *Book) Top(side schema.Side, dst []Level, n int) []Level {
	return b.Side(side).Top(dst, n)
}

// SynthOrderID packs a stable virtual order id for one resting level:
// ticker in the high 16 bits, the minor-unit price shifted once, side
// in the low bit (0 buy, 1 sell). Consumers can treat the add, modify,
// and cancel events of a level as one virtual order.
func SynthOrderID(ticker schema.TickerID, price schema.Price, side schema.Side) schema.OrderID {
	sideBit := uint64(0)
	if side == schema.SideSell {
		sideBit = 1
	}
	return schema.OrderID(uint64(ticker)<<48 | uint64(price)<<1 | sideBit)
}
