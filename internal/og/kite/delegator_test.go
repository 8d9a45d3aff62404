package kite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"venuelink/internal/bus"
	"venuelink/internal/og"
	"venuelink/internal/ops"
	"venuelink/internal/schema"
)

type harness struct {
	deleg     *Delegator
	states    *og.StateMachine
	responses *bus.SPSC[schema.ClientResponse]
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	responses := bus.New[schema.ClientResponse](64)
	states := og.NewStateMachine()
	deleg, err := NewDelegator(Options{
		Exchange: ops.Exchange{Name: VenueName, DefaultExchange: "NSE"},
		Emitter:  og.NewEmitter(responses),
		States:   states,
	})
	require.NoError(t, err)
	require.NoError(t, deleg.RegisterInstrument(7, "NSE", "SBIN"))
	return &harness{deleg: deleg, states: states, responses: responses}
}

// place submits through the state machine and the delegator the way
// the gateway pump would, returning the acceptance.
func (h *harness) place(t *testing.T, req schema.ClientRequest) schema.ClientResponse {
	t.Helper()
	require.NoError(t, h.states.Submit(&req))
	require.NoError(t, h.deleg.New(context.Background(), &req))
	return h.pop(t)
}

func (h *harness) pop(t *testing.T) schema.ClientResponse {
	t.Helper()
	resp, ok := h.responses.TryPop()
	require.True(t, ok, "expected a response")
	return resp
}

func (h *harness) expectEmpty(t *testing.T) {
	t.Helper()
	resp, ok := h.responses.TryPop()
	require.False(t, ok, "unexpected response %s", resp.Debug())
}

func buyRequest(id schema.OrderID, qty schema.Qty) schema.ClientRequest {
	return schema.ClientRequest{
		Kind:     schema.RequestNew,
		Side:     schema.SideBuy,
		ClientID: 1,
		TickerID: 7,
		OrderID:  id,
		Price:    10050,
		Qty:      qty,
	}
}

func TestNewAcksImmediately(t *testing.T) {
	h := newHarness(t)

	got := h.place(t, buyRequest(9, 300))
	require.Equal(t, schema.ResponseAccepted, got.Kind)
	require.Equal(t, schema.OrderID(9), got.OrderID)
	require.Equal(t, schema.Qty(0), got.ExecQty)
	require.Equal(t, schema.Qty(300), got.LeavesQty)
	require.Equal(t, uint64(1), got.SeqNum)

	o, ok := h.states.Get(9)
	require.True(t, ok)
	require.Equal(t, og.OrderStateAcked, o.State)
}

func TestNewUnknownTicker(t *testing.T) {
	h := newHarness(t)

	req := buyRequest(9, 300)
	req.TickerID = 99
	require.NoError(t, h.states.Submit(&req))
	require.Error(t, h.deleg.New(context.Background(), &req))
	h.expectEmpty(t)
}

func TestCancelImmediate(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	cancel := schema.ClientRequest{Kind: schema.RequestCancel, Side: schema.SideBuy, ClientID: 1, TickerID: 7, OrderID: 9}
	require.NoError(t, h.deleg.Cancel(context.Background(), &cancel))
	got := h.pop(t)
	require.Equal(t, schema.ResponseCanceled, got.Kind)
	require.Equal(t, schema.Qty(300), got.LeavesQty)
	require.Equal(t, 0, h.states.Len())

	// nothing left to cancel
	require.NoError(t, h.deleg.Cancel(context.Background(), &cancel))
	got = h.pop(t)
	require.Equal(t, schema.ResponseCancelRejected, got.Kind)
	require.Equal(t, schema.RejectInvalidOrderID, got.Reason)
}

func TestRegisterInstrument(t *testing.T) {
	h := newHarness(t)

	// the symbol prefix wins over the exchange argument
	require.NoError(t, h.deleg.RegisterInstrument(8, "NSE", "NFO:NIFTY25SEPFUT"))
	require.True(t, h.deleg.Knows(8))

	// bare symbols fall back to the default exchange
	require.NoError(t, h.deleg.RegisterInstrument(9, "", "reliance"))
	inst := h.deleg.instrument(9)
	require.NotNil(t, inst)
	require.Equal(t, "NSE", inst.exchange)
	require.Equal(t, "RELIANCE", inst.symbol)

	require.Error(t, h.deleg.RegisterInstrument(7, "NSE", "TCS"), "duplicate ticker")
	require.Error(t, h.deleg.RegisterInstrument(10, "NSE", ""), "empty symbol")
}
