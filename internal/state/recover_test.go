package state

import (
	"context"
	"path/filepath"
	"testing"

	"venuelink/internal/recorder"
	"venuelink/internal/schema"
)

type capturedEvent struct {
	header  schema.EventHeader
	payload []byte
}

func responseEvent(seq uint64, ts int64, resp schema.ClientResponse) capturedEvent {
	return capturedEvent{
		header:  schema.NewHeader(schema.EventClientResponse, 2, seq, ts, ts+500),
		payload: resp.Encode(nil),
	}
}

func updateEvent(seq uint64, ts int64) capturedEvent {
	u := schema.MarketUpdate{
		Kind: schema.UpdateTrade, Side: schema.SideBuy,
		TickerID: 7, Price: 10000, Qty: 100,
	}
	return capturedEvent{
		header:  schema.NewHeader(schema.EventMarketUpdate, 1, seq, ts, ts+500),
		payload: u.Encode(nil),
	}
}

func writeCapturedWAL(t *testing.T, dir string, events []capturedEvent) {
	t.Helper()
	cfg := recorder.DefaultConfig(dir)
	cfg.FilePrefix = "capture"
	w, err := recorder.NewWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	for _, ev := range events {
		if err := w.TryAppend(ev.header, ev.payload); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
}

func TestCompareSnapshotsDetectsDrift(t *testing.T) {
	base := Snapshot{Positions: []PositionEntry{{TickerID: 7, Net: 100}}}

	if err := CompareSnapshots(base, base); err != nil {
		t.Fatalf("identical snapshots: %v", err)
	}
	if err := CompareSnapshots(base, Snapshot{}); err == nil {
		t.Fatal("expected length mismatch")
	}
	drift := Snapshot{Positions: []PositionEntry{{TickerID: 7, Net: -100}}}
	if err := CompareSnapshots(base, drift); err == nil {
		t.Fatal("expected net mismatch")
	}
	other := Snapshot{Positions: []PositionEntry{{TickerID: 8, Net: 100}}}
	if err := CompareSnapshots(base, other); err == nil {
		t.Fatal("expected missing ticker")
	}
}

func TestRecoverPositionsFromWAL(t *testing.T) {
	dir := t.TempDir()
	writeCapturedWAL(t, dir, []capturedEvent{
		updateEvent(1, 1000),
		responseEvent(2, 2000, fill(7, schema.SideBuy, 10000, 300)),
		responseEvent(3, 3000, fill(7, schema.SideSell, 10200, 100)),
	})

	res, err := RecoverPositions(context.Background(), RecoverConfig{
		WALDir:     dir,
		FilePrefix: "capture",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if res.LastSeq != 3 || res.LastEventTs != 3000 {
		t.Fatalf("replay meta: %+v", res)
	}
	pos := res.Positions.Position(7)
	if pos.Net != 200 || !almostEqual(pos.AvgPrice, 100) {
		t.Fatalf("recovered position: %+v", pos)
	}
	// Sell 1.00 @ 102.00 against avg 100.00 realized +2.
	if !almostEqual(res.Positions.RealizedTotal(), 2) {
		t.Fatalf("recovered realized=%v", res.Positions.RealizedTotal())
	}
}

func TestRecoverPositionsSkipsSnapshottedTail(t *testing.T) {
	dir := t.TempDir()
	writeCapturedWAL(t, dir, []capturedEvent{
		responseEvent(1, 1000, fill(7, schema.SideBuy, 10000, 100)),
		responseEvent(2, 2000, fill(7, schema.SideBuy, 10000, 100)),
		responseEvent(3, 3000, fill(7, schema.SideBuy, 10000, 50)),
	})

	// Snapshot covers everything through seq 2.
	covered := NewReducer()
	covered.ApplyResponse(fill(7, schema.SideBuy, 10000, 200))
	snapPath := filepath.Join(dir, "positions.json")
	if err := WriteSnapshot(snapPath, covered.SnapshotWithMeta(2, 2000)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	res, err := RecoverPositions(context.Background(), RecoverConfig{
		WALDir:       dir,
		SnapshotPath: snapPath,
		FilePrefix:   "capture",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	// Seqs 1 and 2 must not fold in twice.
	if pos := res.Positions.Position(7); pos.Net != 250 {
		t.Fatalf("recovered position: %+v", pos)
	}
	if res.LastSeq != 3 {
		t.Fatalf("last seq: %d", res.LastSeq)
	}
}

func TestRecoverPositionsSkipsByEventTime(t *testing.T) {
	dir := t.TempDir()
	// Seqless capture: the skip falls back to event timestamps.
	writeCapturedWAL(t, dir, []capturedEvent{
		responseEvent(0, 1000, fill(7, schema.SideBuy, 10000, 100)),
		responseEvent(0, 3000, fill(7, schema.SideBuy, 10000, 100)),
	})

	snapPath := filepath.Join(dir, "positions.json")
	seeded := NewReducer()
	seeded.ApplyResponse(fill(7, schema.SideBuy, 10000, 100))
	if err := WriteSnapshot(snapPath, seeded.SnapshotWithMeta(0, 2000)); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	res, err := RecoverPositions(context.Background(), RecoverConfig{
		WALDir:       dir,
		SnapshotPath: snapPath,
		FilePrefix:   "capture",
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if pos := res.Positions.Position(7); pos.Net != 200 {
		t.Fatalf("recovered position: %+v", pos)
	}
}

func TestRecoverPositionsRequiresDir(t *testing.T) {
	if _, err := RecoverPositions(context.Background(), RecoverConfig{}); err == nil {
		t.Fatal("expected error for empty wal dir")
	}
}
