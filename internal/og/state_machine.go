package og

import (
	"sync"

	"github.com/yanun0323/errors"

	"venuelink/internal/schema"
	"venuelink/pkg/exception"
)

// OrderState tracks one order through the gateway.
type OrderState uint8

const (
	OrderStateUnknown OrderState = iota
	OrderStateSent
	OrderStateAcked
	OrderStatePartFilled
	OrderStateFilled
	OrderStateCanceled
	OrderStateRejected
)

// Terminal reports whether no further transition is allowed.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// Order is the gateway view of one live order.
type Order struct {
	ID        schema.OrderID
	ClientID  schema.ClientID
	TickerID  schema.TickerID
	Side      schema.Side
	Price     schema.Price
	Qty       schema.Qty
	LeavesQty schema.Qty
	State     OrderState
}

// StateMachine tracks order lifecycles under one lock. The request
// pump, the status poller, and venue postbacks all feed it. Orders
// leave the map when they reach a terminal state, so a finished id
// may be reused.
type StateMachine struct {
	mu     sync.Mutex
	orders map[schema.OrderID]*Order
}

func NewStateMachine() *StateMachine {
	return &StateMachine{orders: make(map[schema.OrderID]*Order)}
}

// Submit records a new order in Sent state.
func (m *StateMachine) Submit(req *schema.ClientRequest) error {
	if !req.OrderID.IsValid() {
		return errors.Wrap(exception.ErrOrderInvalidRequest, "invalid order id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[req.OrderID]; ok {
		return exception.ErrOrderDuplicateID
	}
	m.orders[req.OrderID] = &Order{
		ID:        req.OrderID,
		ClientID:  req.ClientID,
		TickerID:  req.TickerID,
		Side:      req.Side,
		Price:     req.Price,
		Qty:       req.Qty,
		LeavesQty: req.Qty,
		State:     OrderStateSent,
	}
	return nil
}

// Ack moves a sent order to Acked. Later states are left alone so a
// poller ack arriving after a fill cannot regress the order.
func (m *StateMachine) Ack(id schema.OrderID) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, exception.ErrOrderUnknownID
	}
	if o.State == OrderStateSent {
		o.State = OrderStateAcked
	}
	return *o, nil
}

// Fill applies the venue's cumulative executed quantity. A full fill
// is terminal and drops the order. The bool reports whether anything
// advanced, so pollers that observe the same status twice emit once.
func (m *StateMachine) Fill(id schema.OrderID, execQty schema.Qty) (Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false, exception.ErrOrderUnknownID
	}
	leaves := int64(o.Qty) - int64(execQty)
	if leaves <= 0 {
		o.LeavesQty = 0
		o.State = OrderStateFilled
		done := *o
		delete(m.orders, id)
		return done, true, nil
	}
	if schema.Qty(leaves) == o.LeavesQty && o.State == OrderStatePartFilled {
		return *o, false, nil
	}
	o.LeavesQty = schema.Qty(leaves)
	o.State = OrderStatePartFilled
	return *o, true, nil
}

// Filled finishes the order as fully executed, whatever quantity the
// venue reports, and drops it.
func (m *StateMachine) Filled(id schema.OrderID) (Order, error) {
	return m.finish(id, OrderStateFilled)
}

// Cancel finishes the order as canceled and drops it.
func (m *StateMachine) Cancel(id schema.OrderID) (Order, error) {
	return m.finish(id, OrderStateCanceled)
}

// Reject finishes the order as rejected and drops it.
func (m *StateMachine) Reject(id schema.OrderID) (Order, error) {
	return m.finish(id, OrderStateRejected)
}

func (m *StateMachine) finish(id schema.OrderID, state OrderState) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, exception.ErrOrderUnknownID
	}
	o.State = state
	done := *o
	delete(m.orders, id)
	return done, nil
}

// Drop removes an order without a lifecycle response, for requests
// that never reached the venue.
func (m *StateMachine) Drop(id schema.OrderID) {
	m.mu.Lock()
	delete(m.orders, id)
	m.mu.Unlock()
}

// Get returns a copy of the tracked order.
func (m *StateMachine) Get(id schema.OrderID) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Live appends a copy of every tracked order, for the ops surface.
func (m *StateMachine) Live(dst []Order) []Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		dst = append(dst, *o)
	}
	return dst
}

// Len counts live orders.
func (m *StateMachine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}
