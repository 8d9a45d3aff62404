package kite

import (
	"testing"

	"github.com/stretchr/testify/require"

	"venuelink/internal/schema"
)

func TestPostbackCompleteBySymbol(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000000","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":3,"pending_quantity":0,"average_price":101.5}`))

	got := h.pop(t)
	require.Equal(t, schema.ResponseFilled, got.Kind)
	require.Equal(t, schema.OrderID(9), got.OrderID)
	require.Equal(t, schema.Price(10150), got.Price)
	require.Equal(t, schema.Qty(300), got.ExecQty)
	require.Equal(t, schema.Qty(0), got.LeavesQty)
	require.Equal(t, 0, h.states.Len())
}

func TestPostbackPartialThenComplete(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 1000))

	open := []byte(`{
		"order_id":"151220000000001","status":"OPEN",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":4,"pending_quantity":6,"average_price":100.25}`)

	h.deleg.HandlePostback("order", open)
	got := h.pop(t)
	require.Equal(t, schema.ResponsePartiallyFilled, got.Kind)
	require.Equal(t, schema.Qty(400), got.ExecQty)
	require.Equal(t, schema.Qty(600), got.LeavesQty)
	require.Equal(t, schema.Price(10025), got.Price)

	// the venue repeats unchanged snapshots; nothing new to report
	h.deleg.HandlePostback("order", open)
	h.expectEmpty(t)

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000001","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":10,"pending_quantity":0,"average_price":100.40}`))
	got = h.pop(t)
	require.Equal(t, schema.ResponseFilled, got.Kind)
	require.Equal(t, schema.Qty(1000), got.ExecQty)
	require.Equal(t, schema.Qty(0), got.LeavesQty)
	require.Equal(t, 0, h.states.Len())
}

func TestPostbackRejected(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000002","status":"REJECTED",
		"status_message":"RMS:Margin Exceeds, Required:2,00,000.00, Available:1,00,000.00",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY"}`))

	got := h.pop(t)
	require.Equal(t, schema.ResponseRejected, got.Kind)
	require.Equal(t, schema.RejectRisk, got.Reason)
	require.Equal(t, 0, h.states.Len())
}

func TestPostbackCancelled(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000003","status":"CANCELLED",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY"}`))

	got := h.pop(t)
	require.Equal(t, schema.ResponseCanceled, got.Kind)
	require.Equal(t, schema.Qty(300), got.LeavesQty)
	require.Equal(t, 0, h.states.Len())
}

func TestPostbackTagCorrelation(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(1, 300))
	h.place(t, buyRequest(2, 300))

	// two candidates on the instrument; the tag picks one
	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000004","status":"COMPLETE","tag":"2",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":3,"average_price":101.0}`))

	got := h.pop(t)
	require.Equal(t, schema.ResponseFilled, got.Kind)
	require.Equal(t, schema.OrderID(2), got.OrderID)

	_, ok := h.states.Get(1)
	require.True(t, ok, "the untagged order must survive")
}

func TestPostbackAmbiguousDropped(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(1, 300))
	h.place(t, buyRequest(2, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000005","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":3,"average_price":101.0}`))

	h.expectEmpty(t)
	require.Equal(t, 2, h.states.Len())
}

func TestPostbackSideMismatchIgnored(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000006","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"SELL",
		"filled_quantity":3,"average_price":101.0}`))

	h.expectEmpty(t)
	require.Equal(t, 1, h.states.Len())
}

func TestPostbackUnknownInstrument(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000007","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"INFY","transaction_type":"BUY",
		"filled_quantity":3,"average_price":101.0}`))

	h.expectEmpty(t)
	require.Equal(t, 1, h.states.Len())
}

func TestPostbackVenueIDRemembered(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 1000))

	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000008","status":"OPEN",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":4,"pending_quantity":6,"average_price":100.0}`))
	h.pop(t)

	// a second order opens ambiguity, but the venue id already maps
	h.place(t, buyRequest(10, 300))
	h.deleg.HandlePostback("order", []byte(`{
		"order_id":"151220000000008","status":"COMPLETE",
		"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY",
		"filled_quantity":10,"average_price":100.0}`))

	got := h.pop(t)
	require.Equal(t, schema.ResponseFilled, got.Kind)
	require.Equal(t, schema.OrderID(9), got.OrderID)
	_, ok := h.states.Get(10)
	require.True(t, ok)
}

func TestPostbackPendingStatusesSilent(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	for _, status := range []string{"PUT ORDER REQ RECEIVED", "VALIDATION PENDING", "OPEN PENDING", "TRIGGER PENDING"} {
		h.deleg.HandlePostback("order", []byte(`{
			"order_id":"151220000000009","status":"`+status+`",
			"exchange":"NSE","tradingsymbol":"SBIN","transaction_type":"BUY"}`))
	}
	h.expectEmpty(t)
	require.Equal(t, 1, h.states.Len())
}

func TestPostbackBadPayload(t *testing.T) {
	h := newHarness(t)
	h.place(t, buyRequest(9, 300))

	h.deleg.HandlePostback("order", []byte(`{"order_id":`))
	h.deleg.HandlePostback("error", []byte(`{"whatever":1}`))
	h.expectEmpty(t)
	require.Equal(t, 1, h.states.Len())
}

func TestMapRejectReason(t *testing.T) {
	cases := []struct {
		msg  string
		want schema.RejectReason
	}{
		{"Your order price is lower than the current lower circuit limit", schema.RejectInvalidPrice},
		{"17070 : The Price is out of the current execution range", schema.RejectInvalidPrice},
		{"Quantity should be in multiples of lot size", schema.RejectInvalidQuantity},
		{"RMS:Margin Exceeds", schema.RejectRisk},
		{"Insufficient funds", schema.RejectRisk},
		{"", schema.RejectNone},
		{"Something the venue made up", schema.RejectNone},
	}
	for _, c := range cases {
		require.Equal(t, c.want, mapRejectReason(c.msg), "message %q", c.msg)
	}
}
