package binance

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/logs"

	"venuelink/internal/og"
	"venuelink/internal/schema"
)

// poll cycles the live order map against the status endpoint: a pause
// between orders stays inside the venue's rate window, a longer pause
// separates cycles.
func (d *Delegator) poll(ctx context.Context) {
	defer close(d.done)
	var live []og.LiveOrder
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cyclePause):
		}
		live = d.ids.Snapshot(live[:0])
		for i, lo := range live {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(d.orderPause):
				}
			}
			d.pollOne(ctx, lo)
		}
	}
}

func (d *Delegator) pollOne(ctx context.Context, lo og.LiveOrder) {
	o, ok := d.states.Get(lo.ID)
	if !ok {
		d.ids.Drop(lo.ID)
		return
	}
	inst := d.instrument(o.TickerID)
	if inst == nil {
		logs.Errorf("binance og: order %d has no instrument for ticker %d", lo.ID, o.TickerID)
		d.ids.Drop(lo.ID)
		return
	}

	body, ve, err := d.doSigned(ctx, http.MethodGet, d.orderRefQuery(inst.symbol, lo.VenueID))
	if err != nil {
		logs.Errorf("binance og: poll order %d: %+v", lo.ID, err)
		return
	}
	if ve != nil {
		if mapVenueReason(ve) == schema.RejectInvalidOrderID {
			// the venue no longer knows the order
			if o, err := d.states.Reject(lo.ID); err == nil {
				d.emit.CancelRejectOrder(o, schema.RejectInvalidOrderID)
			}
			d.ids.Drop(lo.ID)
			return
		}
		logs.Warnf("binance og: poll order %d venue error: %d %s", lo.ID, ve.Code, ve.Msg)
		return
	}

	var st struct {
		Status      string `json:"status"`
		ExecutedQty string `json:"executedQty"`
		Price       string `json:"price"`
	}
	if err := sonic.ConfigFastest.Unmarshal(body, &st); err != nil {
		logs.Errorf("binance og: decode status for order %d: %+v", lo.ID, err)
		return
	}
	exec, _ := schema.ParseQty([]byte(st.ExecutedQty))
	price, okPrice := schema.ParsePrice([]byte(st.Price))
	if !okPrice || price <= 0 {
		price = o.Price
	}

	switch st.Status {
	case "FILLED":
		if o, err := d.states.Filled(lo.ID); err == nil {
			d.emit.Filled(o, price, exec)
		}
		d.ids.Drop(lo.ID)
	case "PARTIALLY_FILLED":
		if o, advanced, err := d.states.Fill(lo.ID, exec); err == nil && advanced {
			d.emit.PartFilled(o, price, exec)
		}
	case "CANCELED":
		if o, err := d.states.Cancel(lo.ID); err == nil {
			d.emit.Canceled(o)
		}
		d.ids.Drop(lo.ID)
	case "REJECTED":
		if o, err := d.states.Reject(lo.ID); err == nil {
			d.emit.CancelRejectOrder(o, schema.RejectNone)
		}
		d.ids.Drop(lo.ID)
	case "NEW", "PENDING_CANCEL":
	default:
		logs.Warnf("binance og: order %d reports unknown status %q", lo.ID, st.Status)
	}
}
