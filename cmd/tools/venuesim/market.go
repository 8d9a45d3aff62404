package main

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// level is one resting price level. Prices are hundredths, quantities
// are hundredths of a share and always whole shares.
type level struct {
	price int64
	qty   int64
}

// marketTuning groups the walk parameters shared by every simulated
// instrument.
type marketTuning struct {
	basePrice int64
	spread    int64
	tick      int64
	walk      int64
	baseQty   int64
	depth     int
}

func (t marketTuning) validate() error {
	if t.spread <= 0 || t.tick <= 0 || t.walk < 0 {
		return fmt.Errorf("spread and tick must be positive, walk non-negative")
	}
	if t.basePrice <= t.spread+t.walk+int64(t.depth)*t.tick {
		return fmt.Errorf("base price %d leaves no room under spread %d and walk %d", t.basePrice, t.spread, t.walk)
	}
	if t.baseQty < 100 {
		return fmt.Errorf("base quantity %d is under one share", t.baseQty)
	}
	if t.depth <= 0 {
		return fmt.Errorf("depth must be positive")
	}
	return nil
}

// market is one simulated instrument: a random-walk book, a trade
// tape, and the update-id counter that keeps REST snapshots and depth
// diffs on one sequence.
type market struct {
	symbol string
	stream string
	token  int32

	mu  sync.Mutex
	rng *rand.Rand
	tun marketTuning

	mid      int64
	bids     []level
	asks     []level
	updateID int64

	lastPrice int64
	lastQty   int64
	volume    int64
	open      int64
	high      int64
	low       int64
	steps     int64
}

// stepResult is one walk step rendered for the JSON stream. Empty bid
// and ask lists mean the book did not move and no depth id was spent.
type stepResult struct {
	symbol  string
	stream  string
	eventMs int64
	firstID int64
	lastID  int64
	bids    [][2]string
	asks    [][2]string
	trade   *tradeEvent
}

type tradeEvent struct {
	price      int64
	qty        int64
	buyerMaker bool
}

func newMarket(symbol string, token int32, tun marketTuning, seed int64) *market {
	m := &market{
		symbol:    strings.ToUpper(symbol),
		stream:    strings.ToLower(symbol),
		token:     token,
		rng:       rand.New(rand.NewSource(seed)),
		tun:       tun,
		mid:       tun.basePrice,
		updateID:  1000,
		lastPrice: tun.basePrice,
		lastQty:   100,
		open:      tun.basePrice,
		high:      tun.basePrice,
		low:       tun.basePrice,
	}
	m.bids, m.asks = m.desiredLevels(nil, nil)
	return m
}

// step advances the walk one tick and returns the changes as decimal
// string pairs, the venue-A depth grammar. Every third step prints a
// trade at the touch.
func (m *market) step() stepResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.steps++
	if m.tun.walk > 0 {
		m.mid += m.rng.Int63n(2*m.tun.walk+1) - m.tun.walk
	}
	if floor := m.tun.spread + m.tun.walk + int64(m.tun.depth)*m.tun.tick; m.mid < floor {
		m.mid = floor
	}

	oldBids, oldAsks := m.bids, m.asks
	m.bids, m.asks = m.desiredLevels(oldBids, oldAsks)

	res := stepResult{
		symbol:  m.symbol,
		stream:  m.stream,
		eventMs: time.Now().UnixMilli(),
		bids:    diffLevels(oldBids, m.bids),
		asks:    diffLevels(oldAsks, m.asks),
	}
	if len(res.bids) > 0 || len(res.asks) > 0 {
		m.updateID++
		res.firstID, res.lastID = m.updateID, m.updateID
	}

	if m.steps%3 == 0 {
		res.trade = m.printTradeLocked()
	}
	return res
}

// desiredLevels rebuilds both sides on the current grid. A level that
// already rested at the same price keeps its quantity half the time,
// so diffs churn without rewriting the whole book every step.
func (m *market) desiredLevels(oldBids, oldAsks []level) ([]level, []level) {
	half := m.tun.spread / 2
	bids := make([]level, m.tun.depth)
	asks := make([]level, m.tun.depth)
	for i := 0; i < m.tun.depth; i++ {
		bids[i] = level{price: m.mid - half - int64(i)*m.tun.tick}
		asks[i] = level{price: m.mid + (m.tun.spread - half) + int64(i)*m.tun.tick}
		bids[i].qty = m.levelQty(oldBids, bids[i].price)
		asks[i].qty = m.levelQty(oldAsks, asks[i].price)
	}
	return bids, asks
}

func (m *market) levelQty(old []level, price int64) int64 {
	for i := range old {
		if old[i].price == price && m.rng.Intn(2) == 0 {
			return old[i].qty
		}
	}
	shares := m.tun.baseQty / 100
	return (shares/2 + 1 + m.rng.Int63n(shares)) * 100
}

func (m *market) printTradeLocked() *tradeEvent {
	buyer := m.steps%2 == 0
	price := m.asks[0].price
	if !buyer {
		price = m.bids[0].price
	}
	shares := 1 + m.rng.Int63n(m.tun.baseQty/100)
	m.lastPrice = price
	m.lastQty = shares * 100
	m.volume += shares
	if price > m.high {
		m.high = price
	}
	if price < m.low {
		m.low = price
	}
	// m=true when the buyer rested, so an aggressive buy carries false
	return &tradeEvent{price: price, qty: shares * 100, buyerMaker: !buyer}
}

// diffLevels renders new against old: changed and added levels carry
// their quantity, vanished levels a zero.
func diffLevels(old, now []level) [][2]string {
	prev := make(map[int64]int64, len(old))
	for _, l := range old {
		prev[l.price] = l.qty
	}
	var out [][2]string
	for _, l := range now {
		if q, ok := prev[l.price]; ok {
			delete(prev, l.price)
			if q == l.qty {
				continue
			}
		}
		out = append(out, [2]string{priceString(l.price), priceString(l.qty)})
	}
	for _, l := range old {
		if _, gone := prev[l.price]; gone {
			out = append(out, [2]string{priceString(l.price), "0.00"})
		}
	}
	return out
}

// snapshot returns the whole book with its current update id.
func (m *market) snapshot(limit int) (int64, [][2]string, [][2]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateID, renderLevels(m.bids, limit), renderLevels(m.asks, limit)
}

func renderLevels(side []level, limit int) [][2]string {
	if limit <= 0 || limit > len(side) {
		limit = len(side)
	}
	out := make([][2]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = [2]string{priceString(side[i].price), priceString(side[i].qty)}
	}
	return out
}

// touch returns the best bid and ask.
func (m *market) touch() (int64, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bids[0].price, m.asks[0].price
}

// last returns the most recent trade price.
func (m *market) last() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPrice
}

// appendPacket renders the current state as one binary quote packet
// in the requested mode. Quantities go out in whole shares.
func (m *market) appendPacket(dst []byte, mode string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	dst = appendI32(dst, m.token)
	dst = appendI32(dst, int32(m.lastPrice))
	if mode == "ltp" {
		return dst
	}

	var buyShares, sellShares int64
	for i := range m.bids {
		buyShares += m.bids[i].qty / 100
	}
	for i := range m.asks {
		sellShares += m.asks[i].qty / 100
	}
	dst = appendI32(dst, int32(m.lastQty/100))
	dst = appendI32(dst, int32((m.high+m.low)/2))
	dst = appendI32(dst, clampI32(m.volume))
	dst = appendI32(dst, clampI32(buyShares))
	dst = appendI32(dst, clampI32(sellShares))
	dst = appendI32(dst, int32(m.open))
	dst = appendI32(dst, int32(m.high))
	dst = appendI32(dst, int32(m.low))
	dst = appendI32(dst, int32(m.open))
	if mode != "full" {
		return dst
	}

	now := int32(time.Now().Unix())
	dst = appendI32(dst, now)     // last trade time
	dst = appendI32(dst, 0)       // oi
	dst = appendI32(dst, 0)       // oi high
	dst = appendI32(dst, 0)       // oi low
	dst = appendI32(dst, now)     // exchange timestamp
	dst = appendDepth(dst, m.bids)
	return appendDepth(dst, m.asks)
}

// appendDepth writes exactly five levels, zero padded past the book.
func appendDepth(dst []byte, side []level) []byte {
	for i := 0; i < 5; i++ {
		var l level
		if i < len(side) {
			l = side[i]
		}
		dst = appendI32(dst, int32(l.qty/100))
		dst = appendI32(dst, int32(l.price))
		orders := int16(0)
		if l.qty > 0 {
			orders = 1
		}
		dst = binary.BigEndian.AppendUint16(dst, uint16(orders))
		dst = append(dst, 0, 0)
	}
	return dst
}

func appendI32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func clampI32(v int64) int32 {
	if v > 1<<31-1 {
		return 1<<31 - 1
	}
	return int32(v)
}

// priceString renders hundredths as a two-decimal string.
func priceString(v int64) string {
	return fmt.Sprintf("%d.%02d", v/100, v%100)
}

// marketTable indexes the simulated instruments by every surface's
// lookup key. Tokens are assigned from the list position with a zero
// low byte so none lands in the index segment.
type marketTable struct {
	list     []*market
	bySymbol map[string]*market
	byToken  map[int32]*market
}

func newMarketTable(symbols []string, tun marketTuning, seed int64) (*marketTable, error) {
	if err := tun.validate(); err != nil {
		return nil, err
	}
	t := &marketTable{
		bySymbol: make(map[string]*market, len(symbols)),
		byToken:  make(map[int32]*market, len(symbols)),
	}
	for i, raw := range symbols {
		symbol := strings.TrimSpace(raw)
		if symbol == "" {
			continue
		}
		m := newMarket(symbol, int32(i+1)<<8, tun, seed+int64(i))
		if _, dup := t.bySymbol[m.symbol]; dup {
			return nil, fmt.Errorf("duplicate symbol %s", m.symbol)
		}
		t.list = append(t.list, m)
		t.bySymbol[m.symbol] = m
		t.byToken[m.token] = m
	}
	if len(t.list) == 0 {
		return nil, fmt.Errorf("no symbols to simulate")
	}
	return t, nil
}
