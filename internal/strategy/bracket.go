package strategy

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"venuelink/internal/schema"
)

// BracketState is the lifecycle position of one bracket. The closed
// states are terminal.
type BracketState uint8

const (
	BracketPendingEntry BracketState = iota
	BracketActive
	BracketClosedBySL
	BracketClosedByTP
)

func (s BracketState) String() string {
	switch s {
	case BracketPendingEntry:
		return "PENDING_ENTRY"
	case BracketActive:
		return "ACTIVE"
	case BracketClosedBySL:
		return "CLOSED_BY_SL"
	case BracketClosedByTP:
		return "CLOSED_BY_TP"
	default:
		return "UNKNOWN"
	}
}

// Bracket is one entry order with its protective stop-loss and
// take-profit legs. The legs exist only once the entry has filled,
// and at most one of them ever triggers.
type Bracket struct {
	EntryID  schema.OrderID
	SLID     schema.OrderID
	TPID     schema.OrderID
	TickerID schema.TickerID
	Side     schema.Side
	EntryPx  schema.Price
	SLPx     schema.Price
	TPPx     schema.Price
	Qty      schema.Qty

	EntryFilled bool
	SLTriggered bool
	TPTriggered bool

	CreatedAt time.Time
	FilledAt  time.Time
	ExitAt    time.Time
}

// State derives the lifecycle position from the trigger flags.
func (b *Bracket) State() BracketState {
	switch {
	case b.SLTriggered:
		return BracketClosedBySL
	case b.TPTriggered:
		return BracketClosedByTP
	case b.EntryFilled:
		return BracketActive
	default:
		return BracketPendingEntry
	}
}

func (b *Bracket) closed() bool { return b.SLTriggered || b.TPTriggered }

// Brackets is the registry of live and completed brackets, indexed by
// entry id and by leg id. One mutex guards both maps.
type Brackets struct {
	mu      sync.Mutex
	byEntry map[schema.OrderID]*Bracket
	byLeg   map[schema.OrderID]*Bracket
	nextID  func() schema.OrderID
	now     func() time.Time
}

// NewBrackets creates an empty registry allocating leg ids from
// nextID.
func NewBrackets(nextID func() schema.OrderID) *Brackets {
	return &Brackets{
		byEntry: make(map[schema.OrderID]*Bracket),
		byLeg:   make(map[schema.OrderID]*Bracket),
		nextID:  nextID,
		now:     time.Now,
	}
}

// Open registers a pending bracket under its entry order id.
func (br *Brackets) Open(entryID schema.OrderID, ent Entry, slPx, tpPx schema.Price) {
	b := &Bracket{
		EntryID:   entryID,
		TickerID:  ent.TickerID,
		Side:      ent.Side,
		EntryPx:   ent.Price,
		SLPx:      slPx,
		TPPx:      tpPx,
		Qty:       ent.Qty,
		CreatedAt: br.now(),
	}
	br.mu.Lock()
	br.byEntry[entryID] = b
	br.mu.Unlock()
}

// Intercept routes one order response through the bracket machine.
// emit publishes a follow-up request and reports whether the ring
// accepted it.
func (br *Brackets) Intercept(resp schema.ClientResponse, emit func(schema.ClientRequest) bool) {
	br.mu.Lock()
	defer br.mu.Unlock()

	if b, ok := br.byEntry[resp.OrderID]; ok {
		br.onEntry(b, resp, emit)
		return
	}
	if b, ok := br.byLeg[resp.OrderID]; ok {
		br.onLeg(b, resp, emit)
	}
}

func (br *Brackets) onEntry(b *Bracket, resp schema.ClientResponse, emit func(schema.ClientRequest) bool) {
	switch resp.Kind {
	case schema.ResponseFilled, schema.ResponsePartiallyFilled:
		if b.EntryFilled {
			return
		}
		b.EntryFilled = true
		b.FilledAt = br.now()
		qty := resp.ExecQty
		if qty == 0 || !qty.IsValid() {
			qty = b.Qty
		}
		b.SLID = br.nextID()
		b.TPID = br.nextID()
		br.byLeg[b.SLID] = b
		br.byLeg[b.TPID] = b
		exit := b.Side.Opposite()
		emit(schema.ClientRequest{
			Kind:     schema.RequestNew,
			Side:     exit,
			ClientID: resp.ClientID,
			TickerID: b.TickerID,
			OrderID:  b.SLID,
			Price:    b.SLPx,
			Qty:      qty,
		})
		emit(schema.ClientRequest{
			Kind:     schema.RequestNew,
			Side:     exit,
			ClientID: resp.ClientID,
			TickerID: b.TickerID,
			OrderID:  b.TPID,
			Price:    b.TPPx,
			Qty:      qty,
		})
		logs.Infof("strategy: bracket %d armed, sl %d at %.2f tp %d at %.2f",
			b.EntryID, b.SLID, b.SLPx.Float(), b.TPID, b.TPPx.Float())
	case schema.ResponseRejected, schema.ResponseCanceled:
		if b.EntryFilled {
			return
		}
		delete(br.byEntry, b.EntryID)
		logs.Infof("strategy: bracket %d entry never filled, dropped", b.EntryID)
	}
}

func (br *Brackets) onLeg(b *Bracket, resp schema.ClientResponse, emit func(schema.ClientRequest) bool) {
	switch resp.Kind {
	case schema.ResponseFilled, schema.ResponsePartiallyFilled:
		if b.closed() {
			return
		}
		b.ExitAt = br.now()
		if resp.OrderID == b.SLID {
			b.SLTriggered = true
			br.cancelLeg(b, b.TPID, resp.ClientID, emit)
			logs.Infof("strategy: bracket %d stopped out, canceling tp %d", b.EntryID, b.TPID)
		} else {
			b.TPTriggered = true
			br.cancelLeg(b, b.SLID, resp.ClientID, emit)
			logs.Infof("strategy: bracket %d took profit, canceling sl %d", b.EntryID, b.SLID)
		}
	case schema.ResponseCancelRejected:
		// The opposite leg usually fills before its cancel lands.
		logs.Infof("strategy: bracket %d cancel of leg %d rejected, leg already done", b.EntryID, resp.OrderID)
	}
}

func (br *Brackets) cancelLeg(b *Bracket, leg schema.OrderID, client schema.ClientID, emit func(schema.ClientRequest) bool) {
	if leg == 0 || !leg.IsValid() {
		return
	}
	emit(schema.ClientRequest{
		Kind:     schema.RequestCancel,
		Side:     b.Side.Opposite(),
		ClientID: client,
		TickerID: b.TickerID,
		OrderID:  leg,
	})
}

// forget drops a bracket whose entry never reached the venue.
func (br *Brackets) forget(entryID schema.OrderID) {
	br.mu.Lock()
	delete(br.byEntry, entryID)
	br.mu.Unlock()
}

// Get returns a copy of the bracket registered under an entry id.
func (br *Brackets) Get(entryID schema.OrderID) (Bracket, bool) {
	br.mu.Lock()
	defer br.mu.Unlock()
	b, ok := br.byEntry[entryID]
	if !ok {
		return Bracket{}, false
	}
	return *b, true
}

// Len counts registered brackets, completed ones included.
func (br *Brackets) Len() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	return len(br.byEntry)
}

// Active counts brackets whose entry filled and whose exit has not
// triggered yet.
func (br *Brackets) Active() int {
	br.mu.Lock()
	defer br.mu.Unlock()
	n := 0
	for _, b := range br.byEntry {
		if b.EntryFilled && !b.closed() {
			n++
		}
	}
	return n
}
