package kite

import (
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"venuelink/internal/og"
	"venuelink/internal/schema"
)

// orderPostback is the order event payload off the venue text stream.
type orderPostback struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	Exchange        string  `json:"exchange"`
	TradingSymbol   string  `json:"tradingsymbol"`
	InstrumentToken int64   `json:"instrument_token"`
	TransactionType string  `json:"transaction_type"`
	FilledQty       int32   `json:"filled_quantity"`
	PendingQty      int32   `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
	Price           float64 `json:"price"`
	Tag             string  `json:"tag"`
}

// HandlePostback converts one order postback into lifecycle
// responses. It runs on the market data session's read goroutine.
func (d *Delegator) HandlePostback(event string, data []byte) {
	if event != "order" {
		return
	}
	var pb orderPostback
	if err := sonic.Unmarshal(data, &pb); err != nil {
		logs.Errorf("kite og: bad order postback: %+v", err)
		return
	}
	id, ok := d.resolve(&pb)
	if !ok {
		logs.Infof("kite og: postback for untracked order %s (%s %s:%s)",
			pb.OrderID, pb.Status, pb.Exchange, pb.TradingSymbol)
		return
	}

	switch pb.Status {
	case "COMPLETE":
		o, err := d.states.Filled(id)
		if err != nil {
			return
		}
		d.forgetVenue(pb.OrderID)
		d.emit.Filled(o, fillPrice(&pb, o), fillQty(&pb, o))
	case "CANCELLED":
		o, err := d.states.Cancel(id)
		if err != nil {
			return
		}
		d.forgetVenue(pb.OrderID)
		d.emit.Canceled(o)
	case "REJECTED":
		o, err := d.states.Reject(id)
		if err != nil {
			return
		}
		d.forgetVenue(pb.OrderID)
		d.emit.RejectOrder(o, mapRejectReason(pb.StatusMessage))
	case "OPEN":
		if pb.FilledQty <= 0 {
			return
		}
		cum := qtyFromShares(pb.FilledQty)
		o, advanced, err := d.states.Fill(id, cum)
		if err != nil || !advanced {
			return
		}
		d.emit.PartFilled(o, fillPrice(&pb, o), cum)
	default:
		// VALIDATION PENDING, OPEN PENDING, TRIGGER PENDING and the
		// like change nothing the client sees.
		logs.Infof("kite og: order %s status %s", pb.OrderID, pb.Status)
	}
}

// resolve finds the local order a postback refers to: a remembered
// venue id, then the order tag, then the single live order on the
// instrument. Orders still in Sent are skipped so a postback cannot
// outrun the acceptance.
func (d *Delegator) resolve(pb *orderPostback) (schema.OrderID, bool) {
	if pb.OrderID != "" {
		d.mu.Lock()
		id, ok := d.venueIDs[pb.OrderID]
		d.mu.Unlock()
		if ok {
			return id, true
		}
	}
	if pb.Tag != "" {
		if raw, err := strconv.ParseUint(pb.Tag, 10, 64); err == nil {
			id := schema.OrderID(raw)
			if o, ok := d.states.Get(id); ok && o.State != og.OrderStateSent {
				d.remember(pb.OrderID, id)
				return id, true
			}
		}
	}
	inst := d.instrumentFor(pb)
	if inst == nil {
		return 0, false
	}
	id, ok := d.soleLiveOrder(inst.ticker, sideOf(pb.TransactionType))
	if !ok {
		return 0, false
	}
	d.remember(pb.OrderID, id)
	return id, true
}

func (d *Delegator) instrumentFor(pb *orderPostback) *instrument {
	d.mu.Lock()
	defer d.mu.Unlock()
	if pb.InstrumentToken != 0 {
		if inst, ok := d.byToken[int32(pb.InstrumentToken)]; ok {
			return inst
		}
	}
	return d.bySymbol[symbolKey{strings.ToUpper(pb.Exchange), strings.ToUpper(pb.TradingSymbol)}]
}

// soleLiveOrder matches only when exactly one candidate is working,
// so an ambiguous postback cannot finish the wrong order.
func (d *Delegator) soleLiveOrder(ticker schema.TickerID, side schema.Side) (schema.OrderID, bool) {
	live := d.states.Live(nil)
	var found schema.OrderID
	matches := 0
	for i := range live {
		if live[i].TickerID != ticker || live[i].State == og.OrderStateSent {
			continue
		}
		if side.IsAvailable() && live[i].Side != side {
			continue
		}
		found = live[i].ID
		matches++
	}
	return found, matches == 1
}

func (d *Delegator) remember(venueID string, id schema.OrderID) {
	if venueID == "" {
		return
	}
	d.mu.Lock()
	d.venueIDs[venueID] = id
	d.mu.Unlock()
}

func (d *Delegator) forgetVenue(venueID string) {
	if venueID == "" {
		return
	}
	d.mu.Lock()
	delete(d.venueIDs, venueID)
	d.mu.Unlock()
}

// fillPrice prefers the venue's average execution price.
func fillPrice(pb *orderPostback, o og.Order) schema.Price {
	if price := schema.PriceFromFloat(pb.AveragePrice); price > 0 {
		return price
	}
	return o.Price
}

// fillQty trusts the venue's filled share count when it carries one.
func fillQty(pb *orderPostback, o og.Order) schema.Qty {
	if pb.FilledQty > 0 {
		return qtyFromShares(pb.FilledQty)
	}
	return o.Qty
}

// qtyFromShares widens whole shares into the two-decimal quantity.
func qtyFromShares(v int32) schema.Qty {
	return schema.Qty(v) * 100
}

func sideOf(transaction string) schema.Side {
	switch strings.ToUpper(transaction) {
	case "BUY":
		return schema.SideBuy
	case "SELL":
		return schema.SideSell
	default:
		return schema.SideInvalid
	}
}

// mapRejectReason classifies the venue's free-text rejection message.
func mapRejectReason(msg string) schema.RejectReason {
	upper := strings.ToUpper(msg)
	switch {
	case strings.Contains(upper, "CIRCUIT"), strings.Contains(upper, "PRICE"):
		return schema.RejectInvalidPrice
	case strings.Contains(upper, "QUANTITY"), strings.Contains(upper, "LOT"):
		return schema.RejectInvalidQuantity
	case strings.Contains(upper, "MARGIN"), strings.Contains(upper, "FUND"), strings.Contains(upper, "RMS"):
		return schema.RejectRisk
	default:
		return schema.RejectNone
	}
}
