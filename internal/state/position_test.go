package state

import (
	"math"
	"path/filepath"
	"testing"

	"venuelink/internal/schema"
)

func fill(ticker schema.TickerID, side schema.Side, price schema.Price, qty schema.Qty) schema.ClientResponse {
	return schema.ClientResponse{
		Kind:     schema.ResponseFilled,
		Side:     side,
		TickerID: ticker,
		OrderID:  1,
		Price:    price,
		ExecQty:  qty,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestReducerLongRoundTrip(t *testing.T) {
	r := NewReducer()

	// Buy 1.00 @ 100.00, buy 1.00 @ 102.00: avg 101.00.
	r.ApplyResponse(fill(7, schema.SideBuy, 10000, 100))
	pos, realized, applied := r.ApplyResponse(fill(7, schema.SideBuy, 10200, 100))
	if !applied || realized != 0 {
		t.Fatalf("extend: applied=%v realized=%v", applied, realized)
	}
	if pos.Net != 200 || !almostEqual(pos.AvgPrice, 101) {
		t.Fatalf("extend: pos=%+v", pos)
	}

	// Sell 2.00 @ 103.00: realized (103-101)*2 = 4.
	pos, realized, _ = r.ApplyResponse(fill(7, schema.SideSell, 10300, 200))
	if !almostEqual(realized, 4) {
		t.Fatalf("close: realized=%v, want 4", realized)
	}
	if pos.Net != 0 || pos.AvgPrice != 0 {
		t.Fatalf("close: pos=%+v, want flat", pos)
	}
	if !almostEqual(r.RealizedTotal(), 4) {
		t.Fatalf("total realized=%v", r.RealizedTotal())
	}
}

func TestReducerShortAndFlip(t *testing.T) {
	r := NewReducer()

	// Sell 1.00 @ 50.00 opens a short.
	pos, _, _ := r.ApplyResponse(fill(3, schema.SideSell, 5000, 100))
	if pos.Net != -100 || !almostEqual(pos.AvgPrice, 50) {
		t.Fatalf("short open: pos=%+v", pos)
	}

	// Buy 3.00 @ 48.00: closes 1.00 at +2.00 profit, flips long 2.00 @ 48.
	pos, realized, _ := r.ApplyResponse(fill(3, schema.SideBuy, 4800, 300))
	if !almostEqual(realized, 2) {
		t.Fatalf("flip: realized=%v, want 2", realized)
	}
	if pos.Net != 200 || !almostEqual(pos.AvgPrice, 48) {
		t.Fatalf("flip: pos=%+v", pos)
	}
}

func TestReducerCumulativePartials(t *testing.T) {
	r := NewReducer()

	part := schema.ClientResponse{
		Kind: schema.ResponsePartiallyFilled, Side: schema.SideBuy,
		TickerID: 5, OrderID: 42, Price: 10000, ExecQty: 400, LeavesQty: 600,
	}
	pos, _, applied := r.ApplyResponse(part)
	if !applied || pos.Net != 400 {
		t.Fatalf("partial: applied=%v pos=%+v", applied, pos)
	}

	// The venue repeats unchanged snapshots; nothing new to fold.
	if _, _, applied := r.ApplyResponse(part); applied {
		t.Fatal("duplicate partial must not apply")
	}

	pos, _, applied = r.ApplyResponse(schema.ClientResponse{
		Kind: schema.ResponseFilled, Side: schema.SideBuy,
		TickerID: 5, OrderID: 42, Price: 10000, ExecQty: 1000,
	})
	if !applied || pos.Net != 1000 {
		t.Fatalf("complete: applied=%v pos=%+v", applied, pos)
	}
	if !almostEqual(pos.AvgPrice, 100) {
		t.Fatalf("avg = %v, want 100", pos.AvgPrice)
	}
}

func TestReducerIgnoresNonFills(t *testing.T) {
	r := NewReducer()
	for _, resp := range []schema.ClientResponse{
		{Kind: schema.ResponseAccepted, TickerID: 1, Price: 100, ExecQty: 10, Side: schema.SideBuy},
		{Kind: schema.ResponseCanceled, TickerID: 1, Price: 100, ExecQty: 10, Side: schema.SideBuy},
		{Kind: schema.ResponseFilled, TickerID: 1, Price: 100, ExecQty: 0, Side: schema.SideBuy},
		{Kind: schema.ResponseFilled, TickerID: 1, Price: schema.PriceInvalid, ExecQty: 10, Side: schema.SideBuy},
	} {
		if _, _, applied := r.ApplyResponse(resp); applied {
			t.Fatalf("applied non-fill %+v", resp)
		}
	}
	if r.Count() != 0 {
		t.Fatalf("count = %d, want 0", r.Count())
	}
}

func TestReducerView(t *testing.T) {
	r := NewReducer()
	r.ApplyResponse(fill(9, schema.SideBuy, 10000, 100))

	view := r.View(9, 105)
	if view.Position != 100 {
		t.Fatalf("view position = %d", view.Position)
	}
	// Long 1.00 from 100.00 marked at 105.00: +5 unrealized.
	if !almostEqual(view.TotalPnL, 5) {
		t.Fatalf("view total pnl = %v, want 5", view.TotalPnL)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := NewReducer()
	r.ApplyResponse(fill(1, schema.SideBuy, 10000, 100))
	r.ApplyResponse(fill(2, schema.SideSell, 20000, 50))
	r.ApplyResponse(fill(1, schema.SideSell, 11000, 50))

	snap := r.SnapshotWithMeta(42, 999)
	if snap.LastSeq != 42 || snap.LastEventTs != 999 {
		t.Fatalf("snapshot meta = %+v", snap)
	}
	if len(snap.Positions) != 2 || snap.Positions[0].TickerID != 1 {
		t.Fatalf("snapshot entries = %+v", snap.Positions)
	}

	path := filepath.Join(t.TempDir(), "positions.json")
	if err := WriteSnapshot(path, snap); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	loaded, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("ReadSnapshot: %v", err)
	}
	if err := CompareSnapshots(snap, loaded); err != nil {
		t.Fatalf("CompareSnapshots: %v", err)
	}

	restored := NewReducer()
	restored.ApplySnapshot(loaded)
	if restored.Position(1).Net != 50 || restored.Position(2).Net != -50 {
		t.Fatalf("restored positions: %+v / %+v", restored.Position(1), restored.Position(2))
	}
	if !almostEqual(restored.RealizedTotal(), r.RealizedTotal()) {
		t.Fatalf("restored realized = %v, want %v", restored.RealizedTotal(), r.RealizedTotal())
	}
}
