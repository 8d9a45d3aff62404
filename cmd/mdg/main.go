package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"venuelink/internal/book"
	"venuelink/internal/bus"
	"venuelink/internal/obs"
	"venuelink/internal/ops"
	"venuelink/internal/recorder"
	"venuelink/internal/schema"
)

func main() {
	walDir := flag.String("wal-dir", "testdata/wal", "WAL directory for generated market data")
	walPrefix := flag.String("wal-prefix", "capture", "WAL file prefix")
	configPath := flag.String("config", "", "Path to JSON config (default: one synthetic instrument)")
	ticks := flag.Int("ticks", 10, "Number of ticks to generate")
	interval := flag.Duration("interval", 0, "Delay between ticks")
	basePrice := flag.Int64("base-price", 10000, "Starting mid price in minor units")
	baseQty := flag.Uint("base-qty", 1000, "Base level quantity")
	spread := flag.Int64("spread", 10, "Bid/ask spread in minor units")
	walk := flag.Int64("walk", 5, "Max mid drift per tick in minor units")
	source := flag.Uint("source", 2, "Source ID stamped into headers")
	seed := flag.Int64("seed", 0, "RNG seed (0=time-based)")
	kind := flag.String("kind", "quote", "Tick kind: quote|trade|mixed")
	flag.Parse()

	if *ticks <= 0 {
		log.Fatalf("ticks must be > 0")
	}
	genKind, err := parseKind(*kind)
	if err != nil {
		log.Fatalf("invalid kind: %v", err)
	}
	tickers, err := loadTickers(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	gen, err := newGenerator(genKind, *seed, *basePrice, *spread, *walk, uint32(*baseQty), tickers)
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}

	ctx := context.Background()
	cfg := recorder.DefaultConfig(*walDir)
	cfg.FilePrefix = *walPrefix
	writer, err := recorder.NewWriter(cfg)
	if err != nil {
		log.Fatalf("wal init failed: %v", err)
	}
	if err := writer.Start(ctx); err != nil {
		log.Fatalf("wal start failed: %v", err)
	}

	queue := bus.New[event](1024)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup
	metrics := obs.NewMetrics()
	traces := obs.NewTraceGenerator(0)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			e, ok := queue.TryPop()
			if ok {
				if err := writer.TryAppend(e.header, e.payload); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
				continue
			}
			select {
			case <-done:
				// Publishes happen before close(done), so one more
				// sweep sees everything.
				for {
					e, ok := queue.TryPop()
					if !ok {
						return
					}
					if err := writer.TryAppend(e.header, e.payload); err != nil {
						select {
						case errCh <- err:
						default:
						}
					}
				}
			default:
				time.Sleep(10 * time.Microsecond)
			}
		}
	}()

	seq := uint64(0)
	var updates []schema.MarketUpdate
	for i := 0; i < *ticks; i++ {
		now := time.Now().UTC().UnixNano()
		updates = gen.tick(updates[:0])
		for _, update := range updates {
			seq++
			header := schema.NewHeader(schema.EventMarketUpdate, uint16(*source), seq, now, now)
			traces.Stamp(&header)
			if err := queue.TryPublish(event{header: header, payload: update.Encode(nil)}); err != nil {
				metrics.IncQueueDrop()
				log.Fatalf("publish failed: %v", err)
			}
			metrics.ObserveEvent(header)
		}
		if *interval > 0 && i < *ticks-1 {
			time.Sleep(*interval)
		}
	}

	close(done)
	wg.Wait()

	var appendErr error
	select {
	case appendErr = <-errCh:
	default:
	}

	if err := writer.Close(); err != nil {
		log.Fatalf("wal close failed: %v", err)
	}
	if appendErr != nil {
		log.Fatalf("wal append failed: %v", appendErr)
	}
	snapshot := metrics.Snapshot()
	log.Printf("metrics: events=%v drops=%d session=%s", snapshot.EventCounts, snapshot.QueueDrops, writer.SessionID())
}

type event struct {
	header  schema.EventHeader
	payload []byte
}

type genKind uint8

const (
	genQuote genKind = iota
	genTrade
	genMixed
)

func parseKind(kind string) (genKind, error) {
	switch kind {
	case "quote":
		return genQuote, nil
	case "trade":
		return genTrade, nil
	case "mixed":
		return genMixed, nil
	default:
		return genQuote, fmt.Errorf("unsupported kind: %s", kind)
	}
}

func loadTickers(path string) ([]schema.TickerID, error) {
	if path == "" {
		return []schema.TickerID{1}, nil
	}
	loaded, err := ops.Load(path)
	if err != nil {
		return nil, err
	}
	if len(loaded.Instruments) == 0 {
		return nil, fmt.Errorf("no instruments configured")
	}
	tickers := make([]schema.TickerID, 0, len(loaded.Instruments))
	for _, inst := range loaded.Instruments {
		tickers = append(tickers, schema.TickerID(inst.TickerID))
	}
	return tickers, nil
}

// quoteState tracks the resting top level per ticker so each tick can
// emit the same cancel/add/modify diffs a live feed would.
type quoteState struct {
	seeded bool
	mid    schema.Price
	bid    schema.Price
	ask    schema.Price
}

type generator struct {
	rng     *rand.Rand
	kind    genKind
	spread  schema.Price
	walk    schema.Price
	baseQty schema.Qty
	tickers []schema.TickerID
	states  map[schema.TickerID]*quoteState
}

func newGenerator(kind genKind, seed, basePrice, spread, walk int64, baseQty uint32, tickers []schema.TickerID) (*generator, error) {
	if basePrice <= 0 || spread <= 0 || walk < 0 || baseQty == 0 {
		return nil, fmt.Errorf("base-price and spread must be > 0, walk >= 0, base-qty > 0")
	}
	if basePrice <= spread {
		return nil, fmt.Errorf("base-price %d must exceed spread %d", basePrice, spread)
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	states := make(map[schema.TickerID]*quoteState, len(tickers))
	for _, ticker := range tickers {
		states[ticker] = &quoteState{mid: schema.Price(basePrice)}
	}
	return &generator{
		rng:     rand.New(rand.NewSource(seed)),
		kind:    kind,
		spread:  schema.Price(spread),
		walk:    schema.Price(walk),
		baseQty: schema.Qty(baseQty),
		tickers: tickers,
		states:  states,
	}, nil
}

func (g *generator) tick(dst []schema.MarketUpdate) []schema.MarketUpdate {
	for _, ticker := range g.tickers {
		st := g.states[ticker]
		if g.walk > 0 {
			st.mid += schema.Price(g.rng.Int63n(int64(2*g.walk+1))) - g.walk
		}
		if st.mid <= g.spread {
			st.mid = g.spread + 1
		}
		switch g.kind {
		case genQuote:
			dst = g.quote(st, ticker, dst)
		case genTrade:
			dst = g.trade(st, ticker, dst)
		case genMixed:
			dst = g.quote(st, ticker, dst)
			if g.rng.Intn(4) == 0 {
				dst = g.trade(st, ticker, dst)
			}
		}
	}
	return dst
}

func (g *generator) quote(st *quoteState, ticker schema.TickerID, dst []schema.MarketUpdate) []schema.MarketUpdate {
	bid := st.mid - g.spread/2
	ask := bid + g.spread
	bidQty := g.jitterQty()
	askQty := g.jitterQty()

	if !st.seeded {
		dst = append(dst, schema.MarketUpdate{
			Kind:     schema.UpdateClear,
			Side:     schema.SideInvalid,
			TickerID: ticker,
			OrderID:  schema.OrderIDInvalid,
			Price:    schema.PriceInvalid,
			Qty:      schema.QtyInvalid,
			Priority: 1,
		})
		dst = append(dst, levelUpdate(schema.UpdateAdd, schema.SideBuy, ticker, bid, bidQty))
		dst = append(dst, levelUpdate(schema.UpdateAdd, schema.SideSell, ticker, ask, askQty))
		st.seeded, st.bid, st.ask = true, bid, ask
		return dst
	}

	if bid != st.bid {
		dst = append(dst, levelUpdate(schema.UpdateCancel, schema.SideBuy, ticker, st.bid, 0))
		dst = append(dst, levelUpdate(schema.UpdateAdd, schema.SideBuy, ticker, bid, bidQty))
		st.bid = bid
	} else {
		dst = append(dst, levelUpdate(schema.UpdateModify, schema.SideBuy, ticker, bid, bidQty))
	}
	if ask != st.ask {
		dst = append(dst, levelUpdate(schema.UpdateCancel, schema.SideSell, ticker, st.ask, 0))
		dst = append(dst, levelUpdate(schema.UpdateAdd, schema.SideSell, ticker, ask, askQty))
		st.ask = ask
	} else {
		dst = append(dst, levelUpdate(schema.UpdateModify, schema.SideSell, ticker, ask, askQty))
	}
	return dst
}

func (g *generator) trade(st *quoteState, ticker schema.TickerID, dst []schema.MarketUpdate) []schema.MarketUpdate {
	side := schema.SideBuy
	price := st.mid + g.spread/2
	if g.rng.Intn(2) == 0 {
		side = schema.SideSell
		price = st.mid - g.spread/2
	}
	return append(dst, schema.MarketUpdate{
		Kind:     schema.UpdateTrade,
		Side:     side,
		TickerID: ticker,
		OrderID:  schema.OrderIDInvalid,
		Price:    price,
		Qty:      g.jitterQty(),
		Priority: 1,
	})
}

func (g *generator) jitterQty() schema.Qty {
	base := int64(g.baseQty)
	jitter := g.rng.Int63n(base) - base/2
	qty := base + jitter
	if qty <= 0 {
		qty = 1
	}
	return schema.Qty(qty)
}

func levelUpdate(kind schema.UpdateKind, side schema.Side, ticker schema.TickerID, price schema.Price, qty schema.Qty) schema.MarketUpdate {
	return schema.MarketUpdate{
		Kind:     kind,
		Side:     side,
		TickerID: ticker,
		OrderID:  book.SynthOrderID(ticker, price, side),
		Price:    price,
		Qty:      qty,
		Priority: 1,
	}
}
