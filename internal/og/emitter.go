package og

import (
	"sync"

	"github.com/yanun0323/logs"

	"venuelink/internal/bus"
	"venuelink/internal/schema"
)

// Emitter is the single exit for client responses. The request pump,
// the status poller, and the simulator timer all emit; the mutex
// serializes them so the ring keeps its single writer and the
// sequence numbers come out gapless.
type Emitter struct {
	mu  sync.Mutex
	out *bus.SPSC[schema.ClientResponse]
	seq uint64
}

func NewEmitter(out *bus.SPSC[schema.ClientResponse]) *Emitter {
	return &Emitter{out: out}
}

func (e *Emitter) push(resp schema.ClientResponse) {
	e.mu.Lock()
	e.seq++
	resp.SeqNum = e.seq
	err := e.out.TryPublish(resp)
	e.mu.Unlock()
	if err != nil {
		logs.Errorf("response ring full, dropping %s", resp.Debug())
	}
}

// Accept acknowledges a new order with nothing executed yet.
func (e *Emitter) Accept(o Order) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseAccepted,
		Reason:    schema.RejectNone,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     o.Price,
		ExecQty:   0,
		LeavesQty: o.Qty,
	})
}

// Reject refuses a new order.
func (e *Emitter) Reject(req *schema.ClientRequest, reason schema.RejectReason) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseRejected,
		Reason:    reason,
		Side:      req.Side,
		ClientID:  req.ClientID,
		TickerID:  req.TickerID,
		OrderID:   req.OrderID,
		Price:     req.Price,
		ExecQty:   0,
		LeavesQty: req.Qty,
	})
}

// RejectOrder rejects an order the venue had already accepted, with
// the venue's mapped reason.
func (e *Emitter) RejectOrder(o Order, reason schema.RejectReason) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseRejected,
		Reason:    reason,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     o.Price,
		ExecQty:   0,
		LeavesQty: o.LeavesQty,
	})
}

// CancelReject refuses a cancel, leaving the order as it was.
func (e *Emitter) CancelReject(req *schema.ClientRequest, reason schema.RejectReason) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseCancelRejected,
		Reason:    reason,
		Side:      req.Side,
		ClientID:  req.ClientID,
		TickerID:  req.TickerID,
		OrderID:   req.OrderID,
		Price:     req.Price,
		ExecQty:   0,
		LeavesQty: req.Qty,
	})
}

// Filled reports a complete fill. The executed quantity comes from
// the venue; lot flooring can execute less than the tracked quantity.
func (e *Emitter) Filled(o Order, price schema.Price, execQty schema.Qty) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseFilled,
		Reason:    schema.RejectNone,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     price,
		ExecQty:   execQty,
		LeavesQty: 0,
	})
}

// PartFilled reports a partial fill with the cumulative executed
// quantity and what is still working.
func (e *Emitter) PartFilled(o Order, price schema.Price, execQty schema.Qty) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponsePartiallyFilled,
		Reason:    schema.RejectNone,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     price,
		ExecQty:   execQty,
		LeavesQty: o.LeavesQty,
	})
}

// CancelRejectOrder refuses a cancel for an order the gateway still
// tracks, for poller-observed rejections.
func (e *Emitter) CancelRejectOrder(o Order, reason schema.RejectReason) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseCancelRejected,
		Reason:    reason,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     o.Price,
		ExecQty:   0,
		LeavesQty: o.LeavesQty,
	})
}

// Canceled confirms a cancel with whatever quantity was still open.
func (e *Emitter) Canceled(o Order) {
	e.push(schema.ClientResponse{
		Kind:      schema.ResponseCanceled,
		Reason:    schema.RejectNone,
		Side:      o.Side,
		ClientID:  o.ClientID,
		TickerID:  o.TickerID,
		OrderID:   o.ID,
		Price:     o.Price,
		ExecQty:   0,
		LeavesQty: o.LeavesQty,
	})
}
