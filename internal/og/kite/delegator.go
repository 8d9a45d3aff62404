package kite

import (
	"context"
	"strings"
	"sync"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/adapter"
	"venuelink/internal/catalog"
	"venuelink/internal/og"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

// instrument is one registered tradable: the internal ticker plus the
// venue coordinates postbacks report it under.
type instrument struct {
	ticker   schema.TickerID
	exchange string
	symbol   string
	token    int32
}

type symbolKey struct {
	exchange string
	symbol   string
}

// Options wires one venue-B order delegator.
type Options struct {
	Exchange ops.Exchange
	Emitter  *og.Emitter
	States   *og.StateMachine

	// Catalog resolves instrument tokens for postback correlation.
	// Nil skips resolution and postbacks correlate by symbol.
	Catalog *catalog.Manager
}

// Delegator is the venue-B order path. Placements acknowledge
// locally; the venue reports every later lifecycle step through
// order postbacks on the market data socket.
type Delegator struct {
	emit            *og.Emitter
	states          *og.StateMachine
	catalog         *catalog.Manager
	defaultExchange string

	mu       sync.Mutex
	byTicker map[schema.TickerID]*instrument
	bySymbol map[symbolKey]*instrument
	byToken  map[int32]*instrument
	venueIDs map[string]schema.OrderID
}

func NewDelegator(opt Options) (*Delegator, error) {
	if opt.Emitter == nil {
		return nil, errors.New("kite og: nil emitter")
	}
	if opt.States == nil {
		return nil, errors.New("kite og: nil state machine")
	}
	d := &Delegator{
		emit:            opt.Emitter,
		states:          opt.States,
		catalog:         opt.Catalog,
		defaultExchange: strings.ToUpper(opt.Exchange.DefaultExchange),
		byTicker:        make(map[schema.TickerID]*instrument),
		bySymbol:        make(map[symbolKey]*instrument),
		byToken:         make(map[int32]*instrument),
		venueIDs:        make(map[string]schema.OrderID),
	}
	if d.defaultExchange == "" {
		d.defaultExchange = "NSE"
	}
	return d, nil
}

// RegisterInstrument maps ticker to the venue coordinates. A symbol
// carrying an EXCHANGE: prefix wins over the exchange argument.
func (d *Delegator) RegisterInstrument(ticker schema.TickerID, exchange, symbol string) error {
	if i := strings.IndexByte(symbol, ':'); i >= 0 {
		exchange, symbol = symbol[:i], symbol[i+1:]
	}
	exchange = strings.ToUpper(exchange)
	symbol = strings.ToUpper(symbol)
	if exchange == "" {
		exchange = d.defaultExchange
	}
	if symbol == "" {
		return errors.Errorf("kite og: empty symbol for ticker %d", ticker)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byTicker[ticker]; ok {
		return errors.Errorf("kite og: ticker %d already registered", ticker)
	}
	inst := &instrument{ticker: ticker, exchange: exchange, symbol: symbol}
	d.byTicker[ticker] = inst
	d.bySymbol[symbolKey{exchange, symbol}] = inst
	return nil
}

// Knows reports whether the ticker is registered.
func (d *Delegator) Knows(ticker schema.TickerID) bool {
	d.mu.Lock()
	_, ok := d.byTicker[ticker]
	d.mu.Unlock()
	return ok
}

func (d *Delegator) instrument(ticker schema.TickerID) *instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byTicker[ticker]
}

// Start resolves instrument tokens through the catalog and hooks the
// postback stream. No venue workers run; the market data session is
// the feedback channel.
func (d *Delegator) Start(ctx context.Context) error {
	if d.catalog != nil {
		if err := d.catalog.Init(ctx); err != nil {
			logs.Warnf("kite og: catalog unavailable, postbacks correlate by symbol: %+v", err)
		} else {
			d.resolveTokens()
		}
	}
	adapter.OnPostback(d.HandlePostback)

	d.mu.Lock()
	n := len(d.byTicker)
	d.mu.Unlock()
	logs.Infof("kite og: ready, %d instruments registered", n)
	return nil
}

func (d *Delegator) resolveTokens() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.byTicker {
		token := d.catalog.TokenFor(inst.exchange + ":" + inst.symbol)
		if token == 0 {
			logs.Warnf("kite og: no catalog token for %s:%s", inst.exchange, inst.symbol)
			continue
		}
		inst.token = token
		d.byToken[token] = inst
	}
}

// Close has nothing to stop; the postback hook lasts the process.
func (d *Delegator) Close() {}

// New acknowledges the order locally. Market orders pass through with
// price zero; the venue decides them at execution time.
func (d *Delegator) New(_ context.Context, req *schema.ClientRequest) error {
	inst := d.instrument(req.TickerID)
	if inst == nil {
		return errors.Wrapf(exception.ErrOrderInvalidRequest, "unknown ticker %d", req.TickerID)
	}
	o, err := d.states.Ack(req.OrderID)
	if err != nil {
		return errors.Wrapf(err, "ack order %d", req.OrderID)
	}
	d.emit.Accept(o)
	logs.Infof("kite og: accepted order %d on %s:%s", req.OrderID, inst.exchange, inst.symbol)
	return nil
}

// Cancel finishes the order immediately; there is no venue call whose
// failure could leave it live.
func (d *Delegator) Cancel(_ context.Context, req *schema.ClientRequest) error {
	o, err := d.states.Cancel(req.OrderID)
	if err != nil {
		d.emit.CancelReject(req, schema.RejectInvalidOrderID)
		return nil
	}
	d.forgetOrder(o.ID)
	d.emit.Canceled(o)
	return nil
}

// forgetOrder drops any venue id remembered for the order.
func (d *Delegator) forgetOrder(id schema.OrderID) {
	d.mu.Lock()
	for venueID, local := range d.venueIDs {
		if local == id {
			delete(d.venueIDs, venueID)
			break
		}
	}
	d.mu.Unlock()
}
