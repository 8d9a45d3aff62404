package og

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/bus"
	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

const defaultIdleSleep = 200 * time.Microsecond

// Delegator ships validated requests to one venue. All venue-derived
// outcomes, acks included, come back through the shared Emitter; a
// returned error means the request never took effect at the venue.
type Delegator interface {
	// Knows reports whether the venue trades this ticker.
	Knows(ticker schema.TickerID) bool

	// New places a validated order. The gateway has already recorded
	// it in the state machine.
	New(ctx context.Context, req *schema.ClientRequest) error

	// Cancel withdraws a tracked order.
	Cancel(ctx context.Context, req *schema.ClientRequest) error

	// Start launches venue-side workers such as status pollers.
	Start(ctx context.Context) error

	Close()
}

// Options wires one order gateway.
type Options struct {
	Requests  *bus.SPSC[schema.ClientRequest]
	Delegator Delegator
	Emitter   *Emitter
	States    *StateMachine

	IdleSleep time.Duration
}

// Gateway drains the request ring on one goroutine, validates, tracks
// order state, and hands venue I/O to the delegator. Responses leave
// through the Emitter only.
type Gateway struct {
	requests  *bus.SPSC[schema.ClientRequest]
	delegator Delegator
	emit      *Emitter
	states    *StateMachine
	idleSleep time.Duration

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewGateway(opt Options) (*Gateway, error) {
	if opt.Requests == nil {
		return nil, errors.New("og: nil request queue")
	}
	if opt.Delegator == nil {
		return nil, errors.New("og: nil delegator")
	}
	if opt.Emitter == nil {
		return nil, errors.New("og: nil emitter")
	}
	if opt.States == nil {
		return nil, errors.New("og: nil state machine")
	}
	g := &Gateway{
		requests:  opt.Requests,
		delegator: opt.Delegator,
		emit:      opt.Emitter,
		states:    opt.States,
		idleSleep: opt.IdleSleep,
		done:      make(chan struct{}),
	}
	if g.idleSleep <= 0 {
		g.idleSleep = defaultIdleSleep
	}
	return g, nil
}

// Start launches the delegator and the request pump.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errors.New("og: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	if err := g.delegator.Start(runCtx); err != nil {
		cancel()
		g.started.Store(false)
		return errors.Wrap(err, "start delegator")
	}
	go g.pump(runCtx)
	return nil
}

// Close stops the pump, waits for it, then shuts the delegator down.
func (g *Gateway) Close() {
	if !g.started.Load() {
		return
	}
	if g.cancel != nil {
		g.cancel()
	}
	<-g.done
	g.delegator.Close()
}

func (g *Gateway) pump(ctx context.Context) {
	defer close(g.done)
	for {
		req, ok := g.requests.TryPop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(g.idleSleep):
			}
			continue
		}
		g.dispatch(ctx, &req)
	}
}

func (g *Gateway) dispatch(ctx context.Context, req *schema.ClientRequest) {
	switch req.Kind {
	case schema.RequestNew:
		g.handleNew(ctx, req)
	case schema.RequestCancel:
		g.handleCancel(ctx, req)
	default:
		logs.Errorf("og: unsupported request %s", req.Debug())
		g.emit.Reject(req, schema.RejectNone)
	}
}

func (g *Gateway) handleNew(ctx context.Context, req *schema.ClientRequest) {
	if !g.delegator.Knows(req.TickerID) {
		g.emit.Reject(req, schema.RejectInvalidTicker)
		return
	}
	if req.Qty == 0 || !req.Qty.IsValid() {
		g.emit.Reject(req, schema.RejectInvalidQuantity)
		return
	}
	// Price zero is a market order; the delegator decides whether the
	// venue takes those.
	if req.Price < 0 || !req.Price.IsValid() {
		g.emit.Reject(req, schema.RejectInvalidPrice)
		return
	}
	if err := g.states.Submit(req); err != nil {
		switch {
		case errors.Is(err, exception.ErrOrderDuplicateID):
			g.emit.Reject(req, schema.RejectDuplicateOrderID)
		default:
			g.emit.Reject(req, schema.RejectInvalidOrderID)
		}
		return
	}
	if err := g.delegator.New(ctx, req); err != nil {
		logs.Errorf("og: new order %d failed: %+v", req.OrderID, err)
		g.states.Drop(req.OrderID)
		g.emit.Reject(req, schema.RejectNone)
	}
}

func (g *Gateway) handleCancel(ctx context.Context, req *schema.ClientRequest) {
	if _, ok := g.states.Get(req.OrderID); !ok {
		g.emit.CancelReject(req, schema.RejectInvalidOrderID)
		return
	}
	if err := g.delegator.Cancel(ctx, req); err != nil {
		logs.Errorf("og: cancel order %d failed: %+v", req.OrderID, err)
		g.emit.CancelReject(req, schema.RejectNone)
	}
}
