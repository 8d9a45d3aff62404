package binance

import (
	"testing"

	"venuelink/internal/book"
	"venuelink/internal/schema"
)

const testTicker = schema.TickerID(7)

func depthDelta(firstID, lastID uint64, bids, asks []book.Level) *feedEvent {
	return &feedEvent{
		kind:    eventDepth,
		firstID: firstID,
		lastID:  lastID,
		bids:    bids,
		asks:    asks,
	}
}

func checkUpdate(t *testing.T, got schema.MarketUpdate, kind schema.UpdateKind, side schema.Side, price schema.Price, qty schema.Qty) {
	t.Helper()
	if got.Kind != kind || got.Side != side || got.Price != price || got.Qty != qty {
		t.Fatalf("update mismatch: got %s, want kind=%d side=%d price=%d qty=%d",
			got.Debug(), kind, side, price, qty)
	}
	wantID := book.SynthOrderID(testTicker, price, side)
	if kind == schema.UpdateTrade {
		wantID = schema.OrderIDInvalid
	}
	if got.OrderID != wantID {
		t.Fatalf("order id mismatch: got %d, want %d", got.OrderID, wantID)
	}
}

func checkClear(t *testing.T, got schema.MarketUpdate) {
	t.Helper()
	if got.Kind != schema.UpdateClear {
		t.Fatalf("want a clear, got %s", got.Debug())
	}
	if got.Side != schema.SideInvalid || got.OrderID != schema.OrderIDInvalid ||
		got.Price != schema.PriceInvalid || got.Qty != schema.QtyInvalid {
		t.Fatalf("clear carries live fields: %s", got.Debug())
	}
	if got.TickerID != testTicker {
		t.Fatalf("clear ticker = %d, want %d", got.TickerID, testTicker)
	}
}

func TestDeltaBookSnapshotDrainsBuffer(t *testing.T) {
	db := NewDeltaBook(testTicker)

	// Deltas ahead of the snapshot buffer untouched.
	got, refetch := db.OnDelta(depthDelta(5, 6, []book.Level{{Price: 54900, Qty: 100}}, nil), nil)
	if len(got) != 0 || refetch {
		t.Fatalf("buffered delta produced %d updates, refetch=%v", len(got), refetch)
	}
	got, refetch = db.OnDelta(depthDelta(7, 9, []book.Level{{Price: 54800, Qty: 50}}, nil), got)
	if len(got) != 0 || refetch {
		t.Fatalf("buffered delta produced %d updates, refetch=%v", len(got), refetch)
	}
	if db.Live() {
		t.Fatal("book went live without a snapshot")
	}

	// Snapshot 7 covers the first buffered delta (u=6) entirely and
	// overlaps the second (U=7), which must replay on top.
	got, retry := db.OnSnapshot(7,
		[]book.Level{{Price: 55000, Qty: 10}},
		[]book.Level{{Price: 55100, Qty: 20}},
		got[:0])
	if retry {
		t.Fatal("snapshot rejected despite covering the buffer")
	}
	if len(got) != 4 {
		t.Fatalf("got %d updates, want 4", len(got))
	}
	checkClear(t, got[0])
	checkUpdate(t, got[1], schema.UpdateAdd, schema.SideBuy, 55000, 10)
	checkUpdate(t, got[2], schema.UpdateAdd, schema.SideSell, 55100, 20)
	checkUpdate(t, got[3], schema.UpdateAdd, schema.SideBuy, 54800, 50)

	if !db.Live() {
		t.Fatal("book not live after install")
	}
	if db.lastID != 9 {
		t.Fatalf("lastID = %d, want 9", db.lastID)
	}
	if qty, ok := db.Book().Side(schema.SideBuy).Qty(54800); !ok || qty != 50 {
		t.Fatalf("drained level missing: qty=%d ok=%v", qty, ok)
	}
}

func TestDeltaBookSnapshotPredatesBuffer(t *testing.T) {
	db := NewDeltaBook(testTicker)

	got, _ := db.OnDelta(depthDelta(5, 6, []book.Level{{Price: 54900, Qty: 100}}, nil), nil)
	got, retry := db.OnSnapshot(4, []book.Level{{Price: 55000, Qty: 10}}, nil, got)
	if !retry {
		t.Fatal("stale snapshot accepted")
	}
	if len(got) != 0 {
		t.Fatalf("stale snapshot emitted %d updates", len(got))
	}
	if db.Live() {
		t.Fatal("book went live on a stale snapshot")
	}
	if len(db.buffer) != 1 {
		t.Fatalf("buffer len = %d, want 1", len(db.buffer))
	}
}

func TestDeltaBookEmptyBufferInstalls(t *testing.T) {
	db := NewDeltaBook(testTicker)

	got, retry := db.OnSnapshot(100,
		[]book.Level{{Price: 54900, Qty: 100}, {Price: 54800, Qty: 50}},
		[]book.Level{{Price: 55000, Qty: 80}},
		nil)
	if retry {
		t.Fatal("snapshot rejected with an empty buffer")
	}
	if len(got) != 4 {
		t.Fatalf("got %d updates, want 4", len(got))
	}
	checkClear(t, got[0])
	checkUpdate(t, got[1], schema.UpdateAdd, schema.SideBuy, 54900, 100)
	checkUpdate(t, got[2], schema.UpdateAdd, schema.SideBuy, 54800, 50)
	checkUpdate(t, got[3], schema.UpdateAdd, schema.SideSell, 55000, 80)

	bbo := db.BBO()
	if bbo.BidPrice != 54900 || bbo.AskPrice != 55000 {
		t.Fatalf("bbo = %d/%d, want 54900/55000", bbo.BidPrice, bbo.AskPrice)
	}
}

func TestDeltaBookLiveGapResets(t *testing.T) {
	db := NewDeltaBook(testTicker)

	got, _ := db.OnSnapshot(100, []book.Level{{Price: 54900, Qty: 100}}, nil, nil)
	got, refetch := db.OnDelta(depthDelta(101, 101, nil, []book.Level{{Price: 55000, Qty: 30}}), got[:0])
	if refetch {
		t.Fatal("contiguous delta asked for a refetch")
	}
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	checkUpdate(t, got[0], schema.UpdateAdd, schema.SideSell, 55000, 30)

	// 103 skips 102: everything resets and the delta waits for the
	// next snapshot.
	got, refetch = db.OnDelta(depthDelta(103, 104, []book.Level{{Price: 54950, Qty: 10}}, nil), got[:0])
	if !refetch {
		t.Fatal("gap did not ask for a refetch")
	}
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	checkClear(t, got[0])
	if db.Live() {
		t.Fatal("book still live after a gap")
	}
	if db.Book().Side(schema.SideBuy).Len() != 0 || db.Book().Side(schema.SideSell).Len() != 0 {
		t.Fatal("ladders survived the reset")
	}
	if len(db.buffer) != 1 {
		t.Fatalf("gap delta not buffered: len = %d", len(db.buffer))
	}

	// The recovery snapshot overlaps the buffered delta and replays it.
	got, retry := db.OnSnapshot(103, []book.Level{{Price: 54900, Qty: 90}}, nil, got[:0])
	if retry {
		t.Fatal("recovery snapshot rejected")
	}
	if len(got) != 3 {
		t.Fatalf("got %d updates, want 3", len(got))
	}
	checkClear(t, got[0])
	checkUpdate(t, got[1], schema.UpdateAdd, schema.SideBuy, 54900, 90)
	checkUpdate(t, got[2], schema.UpdateAdd, schema.SideBuy, 54950, 10)
	if db.lastID != 104 {
		t.Fatalf("lastID = %d, want 104", db.lastID)
	}
}

func TestDeltaBookDiscardsAndOverlaps(t *testing.T) {
	db := NewDeltaBook(testTicker)

	got, _ := db.OnSnapshot(100, []book.Level{{Price: 54900, Qty: 100}}, nil, nil)

	// Entirely covered by the snapshot: silently dropped.
	got, refetch := db.OnDelta(depthDelta(99, 100, []book.Level{{Price: 1, Qty: 1}}, nil), got[:0])
	if len(got) != 0 || refetch {
		t.Fatalf("covered delta produced %d updates, refetch=%v", len(got), refetch)
	}

	// Overlapping the installed id is fine as long as it extends it.
	got, refetch = db.OnDelta(depthDelta(99, 101, []book.Level{{Price: 54850, Qty: 40}}, nil), got)
	if refetch {
		t.Fatal("overlapping delta asked for a refetch")
	}
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	checkUpdate(t, got[0], schema.UpdateAdd, schema.SideBuy, 54850, 40)
	if db.lastID != 101 {
		t.Fatalf("lastID = %d, want 101", db.lastID)
	}
}

func TestDeltaBookAbsoluteQtyAndRemoval(t *testing.T) {
	db := NewDeltaBook(testTicker)

	got, _ := db.OnSnapshot(100, []book.Level{{Price: 54900, Qty: 100}}, nil, nil)

	// Resize carries the absolute quantity, not a diff.
	got, _ = db.OnDelta(depthDelta(101, 101, []book.Level{{Price: 54900, Qty: 300}}, nil), got[:0])
	checkUpdate(t, got[0], schema.UpdateAdd, schema.SideBuy, 54900, 300)
	if qty, _ := db.Book().Side(schema.SideBuy).Qty(54900); qty != 300 {
		t.Fatalf("ladder qty = %d, want 300", qty)
	}

	// Zero removes; removing an unknown price emits nothing.
	got, _ = db.OnDelta(depthDelta(102, 102,
		[]book.Level{{Price: 54900, Qty: 0}, {Price: 53000, Qty: 0}}, nil), got[:0])
	if len(got) != 1 {
		t.Fatalf("got %d updates, want 1", len(got))
	}
	checkUpdate(t, got[0], schema.UpdateCancel, schema.SideBuy, 54900, 0)
	if db.Book().Side(schema.SideBuy).Len() != 0 {
		t.Fatal("removed level still resting")
	}
}

func TestDeltaBookTradeSides(t *testing.T) {
	db := NewDeltaBook(testTicker)

	// Trades flow before the book syncs.
	got := db.OnTrade(&feedEvent{kind: eventTrade, price: 54950, qty: 25, sell: false}, nil)
	checkUpdate(t, got[0], schema.UpdateTrade, schema.SideBuy, 54950, 25)

	got = db.OnTrade(&feedEvent{kind: eventTrade, price: 54940, qty: 10, sell: true}, got[:0])
	checkUpdate(t, got[0], schema.UpdateTrade, schema.SideSell, 54940, 10)

	last, lastQty := db.LastTrade()
	if last != 54940 || lastQty != 10 {
		t.Fatalf("trade cursor = %d/%d, want 54940/10", last, lastQty)
	}
}

func TestDeltaBookBufferOverflow(t *testing.T) {
	db := NewDeltaBook(testTicker)

	for i := 0; i < maxBufferedDeltas; i++ {
		id := uint64(i + 1)
		db.OnDelta(depthDelta(id, id, nil, nil), nil)
	}
	if len(db.buffer) != maxBufferedDeltas {
		t.Fatalf("buffer len = %d, want %d", len(db.buffer), maxBufferedDeltas)
	}
	db.OnDelta(depthDelta(9000, 9000, nil, nil), nil)
	if len(db.buffer) != 1 {
		t.Fatalf("buffer len after overflow = %d, want 1", len(db.buffer))
	}
}
