package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/bus"
	"venuelink/internal/obs"
	"venuelink/internal/risk"
	"venuelink/internal/schema"
	"venuelink/internal/state"
)

const (
	defaultIdleSleep = 200 * time.Microsecond

	// drainBatch bounds one ring's share of a loop pass so a deep
	// update backlog cannot starve order responses.
	drainBatch = 256

	// firstOrderID seeds the allocator; ids below it stay free for
	// manual tooling.
	firstOrderID = 1_000_000
)

// Options wires one strategy runtime.
type Options struct {
	Config      Config
	Instruments []Instrument

	// Risk limits in whole units; the runner rescales them to the
	// schema's hundredths.
	Risk risk.Config

	Books     BookSource
	Updates   *bus.SPSC[schema.MarketUpdate]
	Responses *bus.SPSC[schema.ClientResponse]
	Requests  *bus.SPSC[schema.ClientRequest]

	Metrics *obs.Metrics

	// Seed replaces the fresh position reducer, for restarts that
	// rebuilt positions from a captured response stream.
	Seed *state.Reducer

	// OnRequest and OnResponse observe traffic after it is applied.
	// Both run on the runner goroutine; keep them cheap.
	OnRequest  func(schema.ClientRequest)
	OnResponse func(schema.ClientResponse)

	IdleSleep time.Duration
}

// Runner is the strategy runtime: one goroutine drains market updates
// and order responses, runs the taker and the bracket machine, and is
// the sole writer of the request ring.
type Runner struct {
	cfg      Config
	taker    *Taker
	brackets *Brackets
	risk     *risk.Engine
	reducer  *state.Reducer

	updates   *bus.SPSC[schema.MarketUpdate]
	responses *bus.SPSC[schema.ClientResponse]
	requests  *bus.SPSC[schema.ClientRequest]

	metrics    *obs.Metrics
	onRequest  func(schema.ClientRequest)
	onResponse func(schema.ClientResponse)
	idleSleep  time.Duration

	nextID    atomic.Uint64
	sendTimes map[schema.OrderID]time.Time

	// positions shadows the reducer for readers outside the loop.
	posMu     sync.RWMutex
	positions map[schema.TickerID]state.Position
	daily     float64

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewRunner(opt Options) (*Runner, error) {
	if opt.Updates == nil {
		return nil, errors.New("strategy: nil update queue")
	}
	if opt.Responses == nil {
		return nil, errors.New("strategy: nil response queue")
	}
	if opt.Requests == nil {
		return nil, errors.New("strategy: nil request queue")
	}
	if opt.Books == nil {
		return nil, errors.New("strategy: nil book source")
	}
	if len(opt.Instruments) == 0 {
		return nil, errors.New("strategy: no instruments")
	}
	if opt.Config.ClientID == 0 {
		opt.Config.ClientID = 1
	}

	rcfg := opt.Risk
	if rcfg.MaxOrderSize > 0 {
		rcfg.MaxOrderSize *= 100
	}
	engine := risk.NewEngine(rcfg)
	for _, inst := range opt.Instruments {
		if inst.MaxPosition > 0 || inst.MaxLoss > 0 {
			engine.SetTickerLimits(inst.TickerID, risk.TickerLimits{
				MaxPosition: inst.MaxPosition,
				MaxLoss:     inst.MaxLoss,
			})
		}
	}

	r := &Runner{
		cfg:        opt.Config,
		taker:      NewTaker(opt.Config, opt.Instruments, opt.Books),
		risk:       engine,
		reducer:    state.NewReducer(),
		updates:    opt.Updates,
		responses:  opt.Responses,
		requests:   opt.Requests,
		metrics:    opt.Metrics,
		onRequest:  opt.OnRequest,
		onResponse: opt.OnResponse,
		idleSleep:  opt.IdleSleep,
		sendTimes:  make(map[schema.OrderID]time.Time),
		positions:  make(map[schema.TickerID]state.Position),
		done:       make(chan struct{}),
	}
	if r.idleSleep <= 0 {
		r.idleSleep = defaultIdleSleep
	}
	if opt.Seed != nil {
		r.reducer = opt.Seed
		r.reducer.Each(func(ticker schema.TickerID, pos state.Position) {
			r.positions[ticker] = pos
		})
	}
	r.nextID.Store(firstOrderID - 1)
	r.brackets = NewBrackets(r.nextOrderID)
	return r, nil
}

// Start launches the runtime loop.
func (r *Runner) Start(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("strategy: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(runCtx)
	return nil
}

// Close stops the loop and waits for it to drain out.
func (r *Runner) Close() {
	if !r.started.Load() {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

// Brackets exposes the registry for inspection. Safe from any
// goroutine.
func (r *Runner) Brackets() *Brackets { return r.brackets }

// Positions returns a copy of the tracked positions. Safe from any
// goroutine.
func (r *Runner) Positions() map[schema.TickerID]state.Position {
	r.posMu.RLock()
	defer r.posMu.RUnlock()
	out := make(map[schema.TickerID]state.Position, len(r.positions))
	for k, v := range r.positions {
		out[k] = v
	}
	return out
}

// DailyPnL returns the realized session PnL. Safe from any goroutine.
func (r *Runner) DailyPnL() float64 {
	r.posMu.RLock()
	defer r.posMu.RUnlock()
	return r.daily
}

func (r *Runner) nextOrderID() schema.OrderID {
	return schema.OrderID(r.nextID.Add(1))
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)
	for {
		worked := false
		for i := 0; i < drainBatch; i++ {
			u, ok := r.updates.TryPop()
			if !ok {
				break
			}
			r.handleUpdate(u)
			worked = true
		}
		for i := 0; i < drainBatch; i++ {
			resp, ok := r.responses.TryPop()
			if !ok {
				break
			}
			r.handleResponse(resp)
			worked = true
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.idleSleep):
		}
	}
}

func (r *Runner) handleUpdate(u schema.MarketUpdate) {
	r.metrics.IncUpdate(u.Kind)
	if u.Kind != schema.UpdateTrade {
		r.taker.OnBookUpdate(u)
		return
	}
	ent, ok := r.taker.Evaluate(u)
	if !ok {
		return
	}
	r.enter(ent)
}

func (r *Runner) enter(ent Entry) {
	req := schema.ClientRequest{
		Kind:     schema.RequestNew,
		Side:     ent.Side,
		ClientID: r.cfg.ClientID,
		TickerID: ent.TickerID,
		Price:    ent.Price,
		Qty:      ent.Qty,
	}

	evalStart := time.Now()
	res := r.risk.Check(req, r.reducer.View(ent.TickerID, ent.Price.Float()))
	r.metrics.ObserveRiskEval(time.Since(evalStart))
	if !res.Allowed() {
		r.metrics.IncReject(schema.RejectRisk)
		logs.Warnf("strategy: entry %s ticker %d blocked: %s", ent.Side, ent.TickerID, res)
		return
	}

	req.OrderID = r.nextOrderID()
	if !r.cfg.UseBracketOrders {
		if r.send(req) {
			logs.Infof("strategy: entry %d %s ticker %d qty %s at %.2f",
				req.OrderID, ent.Side, ent.TickerID, ent.Qty.AppendString(nil), ent.Price.Float())
		}
		return
	}

	slPx, tpPx := bracketPrices(ent.Side, ent.Price, r.cfg.StopLossPct, r.cfg.TakeProfitPct)
	r.brackets.Open(req.OrderID, ent, slPx, tpPx)
	if !r.send(req) {
		r.brackets.forget(req.OrderID)
		return
	}
	logs.Infof("strategy: bracket entry %d %s ticker %d at %.2f, sl %.2f tp %.2f",
		req.OrderID, ent.Side, ent.TickerID, ent.Price.Float(), slPx.Float(), tpPx.Float())
}

func (r *Runner) handleResponse(resp schema.ClientResponse) {
	if t0, ok := r.sendTimes[resp.OrderID]; ok {
		r.metrics.ObserveOrderFlow(time.Since(t0))
		delete(r.sendTimes, resp.OrderID)
	}

	pos, realized, applied := r.reducer.ApplyResponse(resp)
	if applied {
		if realized != 0 {
			r.risk.RecordRealizedPnL(realized)
		}
		r.posMu.Lock()
		r.positions[resp.TickerID] = pos
		r.daily = r.risk.DailyPnL()
		r.posMu.Unlock()
	}

	r.brackets.Intercept(resp, r.send)

	if resp.Kind == schema.ResponseRejected && resp.Reason == schema.RejectInvalidPrice {
		// The venue moved its price band; rebuild from the books.
		r.taker.InvalidateCircuits()
	}

	if r.onResponse != nil {
		r.onResponse(resp)
	}
}

// send publishes one request onto the ring. The runner goroutine is
// the only caller.
func (r *Runner) send(req schema.ClientRequest) bool {
	if err := r.requests.TryPublish(req); err != nil {
		r.metrics.IncQueueDrop()
		logs.Errorf("strategy: request ring full, dropped %s", req.Debug())
		return false
	}
	if req.Kind == schema.RequestNew {
		r.metrics.IncOrderSent()
		r.sendTimes[req.OrderID] = time.Now()
	}
	if r.onRequest != nil {
		r.onRequest(req)
	}
	return true
}

// bracketPrices derives the protective prices from the entry side. A
// long stops below and targets above; a short mirrors it.
func bracketPrices(side schema.Side, entry schema.Price, slPct, tpPct float64) (slPx, tpPx schema.Price) {
	if side == schema.SideBuy {
		return scalePrice(entry, 1-slPct/100), scalePrice(entry, 1+tpPct/100)
	}
	return scalePrice(entry, 1+slPct/100), scalePrice(entry, 1-tpPct/100)
}
