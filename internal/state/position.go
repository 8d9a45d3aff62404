package state

import (
	"venuelink/internal/risk"
	"venuelink/internal/schema"
)

// Position is one ticker's net inventory.
type Position struct {
	// Net is the signed quantity in scale-100 units.
	Net int64
	// AvgPrice is the average entry price in currency units.
	AvgPrice float64
	// Realized is the realized PnL in currency units.
	Realized float64
}

// Unrealized marks the open quantity against the given price.
func (p Position) Unrealized(mark float64) float64 {
	if p.Net == 0 || mark <= 0 {
		return 0
	}
	return (mark - p.AvgPrice) * float64(p.Net) / 100
}

// Total is realized plus unrealized at the mark.
func (p Position) Total(mark float64) float64 {
	return p.Realized + p.Unrealized(mark)
}

// Reducer folds fill responses into per-ticker positions.
// Not safe for concurrent use; the strategy owns it and the ops
// socket reads through a snapshot.
type Reducer struct {
	positions map[schema.TickerID]Position
	// fills tracks the cumulative ExecQty seen per open order, so
	// repeated venue snapshots fold only their new portion.
	fills    map[schema.OrderID]int64
	realized float64
}

// NewReducer creates an empty reducer.
func NewReducer() *Reducer {
	return &Reducer{
		positions: make(map[schema.TickerID]Position),
		fills:     make(map[schema.OrderID]int64),
	}
}

// ApplyResponse folds one gateway response. Only fills change state;
// everything else returns applied=false. ExecQty is cumulative per
// order; the realized return is the PnL closed by the new portion
// alone, for the daily-loss accumulator.
func (r *Reducer) ApplyResponse(resp schema.ClientResponse) (pos Position, realized float64, applied bool) {
	if resp.Kind != schema.ResponseFilled && resp.Kind != schema.ResponsePartiallyFilled {
		return Position{}, 0, false
	}
	if resp.ExecQty == 0 || !resp.ExecQty.IsValid() || !resp.Price.IsValid() {
		return Position{}, 0, false
	}
	if resp.Side != schema.SideBuy && resp.Side != schema.SideSell {
		return Position{}, 0, false
	}

	cum := int64(resp.ExecQty)
	prev := r.fills[resp.OrderID]
	if resp.Kind == schema.ResponseFilled {
		// Terminal: the order never reports again.
		delete(r.fills, resp.OrderID)
	} else if cum > prev {
		r.fills[resp.OrderID] = cum
	}
	delta := cum - prev
	if delta <= 0 {
		return Position{}, 0, false
	}
	if resp.Side == schema.SideSell {
		delta = -delta
	}

	p := r.positions[resp.TickerID]
	px := resp.Price.Float()

	switch {
	case p.Net == 0 || (p.Net > 0) == (delta > 0):
		// Extending: weighted average entry.
		total := abs(p.Net) + abs(delta)
		p.AvgPrice = (p.AvgPrice*float64(abs(p.Net)) + px*float64(abs(delta))) / float64(total)
		p.Net += delta
	default:
		closed := min(abs(delta), abs(p.Net))
		direction := 1.0
		if p.Net < 0 {
			direction = -1.0
		}
		realized = (px - p.AvgPrice) * float64(closed) / 100 * direction
		p.Realized += realized
		p.Net += delta
		if p.Net == 0 {
			p.AvgPrice = 0
		} else if (p.Net > 0) != (p.Net-delta > 0) {
			// Flipped through flat: the remainder opened here.
			p.AvgPrice = px
		}
	}

	r.positions[resp.TickerID] = p
	r.realized += realized
	return p, realized, true
}

// Position returns the current position for a ticker.
func (r *Reducer) Position(ticker schema.TickerID) Position {
	return r.positions[ticker]
}

// View shapes one position for the pre-trade risk check.
func (r *Reducer) View(ticker schema.TickerID, mark float64) risk.PositionView {
	p := r.positions[ticker]
	return risk.PositionView{
		Position:    p.Net,
		RealizedPnL: p.Realized,
		TotalPnL:    p.Total(mark),
	}
}

// RealizedTotal is the realized PnL across all tickers since start.
func (r *Reducer) RealizedTotal() float64 {
	return r.realized
}

// Count returns the number of tracked tickers.
func (r *Reducer) Count() int {
	return len(r.positions)
}

// Each visits every tracked position.
func (r *Reducer) Each(fn func(ticker schema.TickerID, pos Position)) {
	for ticker, pos := range r.positions {
		fn(ticker, pos)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
