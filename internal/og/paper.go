package og

import (
	"container/heap"
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

// fillTask is one scheduled simulator fill.
type fillTask struct {
	due     time.Time
	orderID schema.OrderID
	venueID string
	price   schema.Price
}

// fillHeap orders tasks by due time.
type fillHeap []fillTask

func (h fillHeap) Len() int           { return len(h) }
func (h fillHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h fillHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fillHeap) Push(x any)        { *h = append(*h, x.(fillTask)) }
func (h *fillHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	*h = old[:n-1]
	return task
}

// PaperOptions wires one simulator instance.
type PaperOptions struct {
	Tuning  ops.PaperTrading
	Emitter *Emitter
	States  *StateMachine

	// Seed pins the latency and fill draws, for tests. Zero seeds
	// from the clock.
	Seed int64
}

// Paper simulates venue order flow with no network I/O. New orders
// acknowledge immediately; fills resolve on one timer goroutine fed
// by a due-time heap, so shutdown never waits on detached tasks.
type Paper struct {
	emit   *Emitter
	states *StateMachine
	tuning ops.PaperTrading

	mu      sync.Mutex
	known   map[schema.TickerID]bool
	pending fillHeap
	rng     *rand.Rand

	wake    chan struct{}
	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPaper(opt PaperOptions) (*Paper, error) {
	if opt.Emitter == nil || opt.States == nil {
		return nil, errors.New("paper: emitter and states required")
	}
	seed := opt.Seed
	if seed == 0 {
		seed = time.Now().UTC().UnixNano()
	}
	return &Paper{
		emit:   opt.Emitter,
		states: opt.States,
		tuning: opt.Tuning,
		known:  make(map[schema.TickerID]bool),
		rng:    rand.New(rand.NewSource(seed)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Register marks a ticker as tradable in the simulator.
func (p *Paper) Register(ticker schema.TickerID) {
	p.mu.Lock()
	p.known[ticker] = true
	p.mu.Unlock()
}

func (p *Paper) Knows(ticker schema.TickerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.known[ticker]
}

// New acknowledges immediately and, with the configured probability,
// schedules a fill after a uniform latency draw. Unfilled orders stay
// open until canceled.
func (p *Paper) New(_ context.Context, req *schema.ClientRequest) error {
	o, err := p.states.Ack(req.OrderID)
	if err != nil {
		return errors.Wrapf(err, "ack order %d", req.OrderID)
	}
	venueID := uuid.NewString()
	p.emit.Accept(o)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.Float64() >= p.tuning.FillProbability {
		logs.Infof("paper: order %d stays open (venue id %s)", req.OrderID, venueID)
		return nil
	}
	heap.Push(&p.pending, fillTask{
		due:     time.Now().Add(p.drawLatency()),
		orderID: req.OrderID,
		venueID: venueID,
		price:   p.slip(req.Price),
	})
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel resolves immediately. A fill that won the race leaves the
// order unknown here and the caller gets a cancel rejection.
func (p *Paper) Cancel(_ context.Context, req *schema.ClientRequest) error {
	o, err := p.states.Cancel(req.OrderID)
	if err != nil {
		p.emit.CancelReject(req, schema.RejectInvalidOrderID)
		return nil
	}
	p.emit.Canceled(o)
	return nil
}

func (p *Paper) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("paper: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	go p.run(runCtx)
	logs.Infof("paper simulator started, fill probability %.2f", p.tuning.FillProbability)
	return nil
}

func (p *Paper) Close() {
	if !p.started.Load() {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

// run pops due fills off the heap. Canceled orders leave a dead task
// behind; resolving one is a no-op.
func (p *Paper) run(ctx context.Context) {
	defer close(p.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		p.mu.Lock()
		for len(p.pending) > 0 {
			next := p.pending[0]
			if d := time.Until(next.due); d > 0 {
				wait = d
				break
			}
			heap.Pop(&p.pending)
			p.mu.Unlock()
			p.resolve(next)
			p.mu.Lock()
		}
		p.mu.Unlock()

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Paper) resolve(task fillTask) {
	o, err := p.states.Filled(task.orderID)
	if err != nil {
		return
	}
	p.emit.Filled(o, task.price, o.Qty)
}

func (p *Paper) drawLatency() time.Duration {
	span := p.tuning.MaxLatency - p.tuning.MinLatency
	if span <= 0 {
		return p.tuning.MinLatency
	}
	return p.tuning.MinLatency + time.Duration(p.rng.Int63n(int64(span)+1))
}

// slip perturbs the fill price with a normal draw scaled by the
// slippage factor.
func (p *Paper) slip(price schema.Price) schema.Price {
	if p.tuning.SlippageFactor <= 0 || price <= 0 {
		return price
	}
	if !strings.EqualFold(p.tuning.SlippageModel, "NORMAL") {
		return price
	}
	perturbed := price.Float() * (1 + p.rng.NormFloat64()*p.tuning.SlippageFactor)
	if perturbed <= 0 {
		return 0
	}
	return schema.PriceFromFloat(perturbed)
}
