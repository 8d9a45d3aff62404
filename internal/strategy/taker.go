package strategy

import (
	"time"

	"github.com/yanun0323/logs"

	"venuelink/internal/book"
	"venuelink/internal/schema"
)

// BookSource resolves the published view of one instrument's book.
type BookSource interface {
	Book(ticker schema.TickerID) (*book.TopView, bool)
}

// Circuit band half-widths around the reference price.
const (
	circuitBandIndex   = 0.20
	circuitBandDefault = 0.10
)

// Entry is one taker decision, ready for the risk check.
type Entry struct {
	TickerID schema.TickerID
	Side     schema.Side
	Price    schema.Price
	Qty      schema.Qty
}

type circuitBand struct {
	upper   schema.Price
	lower   schema.Price
	updated time.Time
}

type vwapState struct {
	value  float64
	volume float64
}

// Taker chases aggressive prints: a trade sweeping at least the
// configured share of the displayed far-side size triggers an entry
// in the same direction at the touch, subject to the session gates.
// Single-goroutine; the runner owns it.
type Taker struct {
	cfg         Config
	books       BookSource
	instruments map[schema.TickerID]Instrument

	vwap     map[schema.TickerID]vwapState
	volume   map[schema.TickerID]int
	circuits map[schema.TickerID]circuitBand

	now func() time.Time
}

func NewTaker(cfg Config, instruments []Instrument, books BookSource) *Taker {
	t := &Taker{
		cfg:         cfg,
		books:       books,
		instruments: make(map[schema.TickerID]Instrument, len(instruments)),
		vwap:        make(map[schema.TickerID]vwapState),
		volume:      make(map[schema.TickerID]int),
		circuits:    make(map[schema.TickerID]circuitBand),
		now:         time.Now,
	}
	for _, inst := range instruments {
		t.instruments[inst.TickerID] = inst
	}
	return t
}

// OnBookUpdate refreshes the per-ticker session features after a depth
// change. Clear drops them; a rebuilt book carries no usable history.
func (t *Taker) OnBookUpdate(u schema.MarketUpdate) {
	if _, ok := t.instruments[u.TickerID]; !ok {
		return
	}
	if u.Kind == schema.UpdateClear {
		delete(t.vwap, u.TickerID)
		delete(t.volume, u.TickerID)
		delete(t.circuits, u.TickerID)
		return
	}
	view, ok := t.books.Book(u.TickerID)
	if !ok {
		return
	}
	bbo := view.BBO()
	if !bbo.Valid() {
		return
	}
	mid, _ := bbo.Mid()
	displayed := bbo.BidQty.Float() + bbo.AskQty.Float()
	if displayed <= 0 {
		return
	}

	acc := t.vwap[u.TickerID]
	acc.value += mid.Float() * displayed
	acc.volume += displayed
	t.vwap[u.TickerID] = acc

	t.volume[u.TickerID] = volumePercentile(displayed)
}

// Evaluate runs the trigger and the pre-trade gates for one trade
// print. Gates run in order and the first failing one wins; a gate
// with no data lets the entry through.
func (t *Taker) Evaluate(u schema.MarketUpdate) (Entry, bool) {
	inst, ok := t.instruments[u.TickerID]
	if !ok {
		return Entry{}, false
	}
	if t.cfg.EnforceTradingHours && !t.withinHours() {
		return Entry{}, false
	}
	if !u.Side.IsAvailable() || !u.Qty.IsValid() || u.Qty == 0 {
		return Entry{}, false
	}
	view, ok := t.books.Book(u.TickerID)
	if !ok {
		return Entry{}, false
	}
	bbo := view.BBO()
	if !bbo.Valid() {
		return Entry{}, false
	}

	// A buy aggressor eats the ask; chase it there.
	var px schema.Price
	var resting schema.Qty
	if u.Side == schema.SideBuy {
		px, resting = bbo.AskPrice, bbo.AskQty
	} else {
		px, resting = bbo.BidPrice, bbo.BidQty
	}
	if resting == 0 {
		return Entry{}, false
	}
	if u.Qty.Float()/resting.Float() < inst.Threshold {
		return Entry{}, false
	}

	if t.cfg.EnforceCircuitLimits && !t.withinCircuit(u.TickerID, px, u.Side, inst.Index) {
		logs.Infof("strategy: ticker %d %s at %.2f outside circuit band", u.TickerID, u.Side, px.Float())
		return Entry{}, false
	}
	if t.cfg.UseVWAPFilter && !t.vwapAllows(u.TickerID, px, u.Side) {
		logs.Infof("strategy: ticker %d %s at %.2f too far from session vwap", u.TickerID, u.Side, px.Float())
		return Entry{}, false
	}
	if !t.volumeAllows(u.TickerID) {
		logs.Infof("strategy: ticker %d below volume percentile %d", u.TickerID, t.cfg.MinVolumePercentile)
		return Entry{}, false
	}

	return Entry{
		TickerID: u.TickerID,
		Side:     u.Side,
		Price:    px,
		Qty:      lotAdjust(inst.Clip, inst.LotSize),
	}, true
}

// InvalidateCircuits drops every cached band. The next evaluation
// recomputes from the current book.
func (t *Taker) InvalidateCircuits() {
	clear(t.circuits)
}

func (t *Taker) withinHours() bool {
	h, m, s := t.now().Clock()
	day := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	return day >= t.cfg.TradingStart && day <= t.cfg.TradingEnd
}

func (t *Taker) withinCircuit(ticker schema.TickerID, px schema.Price, side schema.Side, index bool) bool {
	band, ok := t.circuits[ticker]
	if !ok {
		band, ok = t.computeCircuit(ticker, index)
		if !ok {
			// No reference price yet.
			return true
		}
		t.circuits[ticker] = band
	}
	if side == schema.SideBuy {
		return px <= band.upper
	}
	return px >= band.lower
}

func (t *Taker) computeCircuit(ticker schema.TickerID, index bool) (circuitBand, bool) {
	view, ok := t.books.Book(ticker)
	if !ok {
		return circuitBand{}, false
	}
	ref := schema.PriceInvalid
	if bbo := view.BBO(); bbo.Valid() {
		ref, _ = bbo.Mid()
	} else if last, _ := view.Last(); last.IsValid() {
		// Index feeds publish last prices without depth.
		ref = last
	}
	if !ref.IsValid() || ref <= 0 {
		return circuitBand{}, false
	}
	pct := circuitBandDefault
	if index {
		pct = circuitBandIndex
	}
	return circuitBand{
		upper:   scalePrice(ref, 1+pct),
		lower:   scalePrice(ref, 1-pct),
		updated: t.now(),
	}, true
}

func (t *Taker) vwapAllows(ticker schema.TickerID, px schema.Price, side schema.Side) bool {
	acc, ok := t.vwap[ticker]
	if !ok || acc.volume <= 0 {
		return true
	}
	vwap := acc.value / acc.volume
	if vwap <= 0 {
		return true
	}
	ratio := px.Float() / vwap
	if side == schema.SideBuy {
		return ratio <= 1+t.cfg.VWAPThreshold
	}
	return ratio >= 1-t.cfg.VWAPThreshold
}

func (t *Taker) volumeAllows(ticker schema.TickerID) bool {
	pct, ok := t.volume[ticker]
	if !ok {
		return true
	}
	return pct >= t.cfg.MinVolumePercentile
}

// volumePercentile buckets displayed size, in whole units, into a
// coarse liquidity rank.
func volumePercentile(displayed float64) int {
	switch {
	case displayed > 10000:
		return 90
	case displayed > 5000:
		return 75
	case displayed > 1000:
		return 50
	case displayed > 500:
		return 25
	default:
		return 10
	}
}

// lotAdjust rounds qty down to a whole number of lots, floored at one
// lot. Both sides of the division stay in hundredths.
func lotAdjust(qty schema.Qty, lot uint32) schema.Qty {
	if lot <= 1 {
		return qty
	}
	scaled := schema.Qty(lot) * 100
	adjusted := qty / scaled * scaled
	if adjusted < scaled {
		return scaled
	}
	return adjusted
}

func scalePrice(px schema.Price, factor float64) schema.Price {
	return schema.Price(float64(px) * factor)
}
