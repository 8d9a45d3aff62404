package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"venuelink/internal/schema"
)

type stubClock struct {
	sleeps []time.Duration
}

func (c *stubClock) Sleep(_ context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	return nil
}

// writeCapture lays down records with the given event timestamps, two
// per segment, and returns the capture directory.
func writeCapture(t *testing.T, tsEvent []int64) string {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	u := sampleUpdate(0)
	cfg.SegmentMaxBytes = 2 * int64(recordHeaderSize+u.SizeInByte()+recordChecksumSize)

	w, err := NewWriter(cfg)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i, ts := range tsEvent {
		header := schema.NewHeader(schema.EventMarketUpdate, 1, uint64(i+1), ts, ts+500)
		if err := w.TryAppend(header, sampleUpdate(i).Encode(nil)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return dir
}

func TestPlaybackOrderAcrossSegments(t *testing.T) {
	ts := []int64{100, 200, 300, 400, 500}
	dir := writeCapture(t, ts)

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture"})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}

	var seqs []uint64
	err = p.Run(context.Background(), func(h schema.EventHeader, payload []byte) error {
		seqs = append(seqs, h.Seq)
		if got := (schema.MarketUpdate{}).Decode(payload); got.TickerID != schema.TickerID(100+len(seqs)-1) {
			t.Fatalf("record %d ticker = %d", len(seqs), got.TickerID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(seqs) != len(ts) {
		t.Fatalf("replayed %d records, want %d", len(seqs), len(ts))
	}
	for i, seq := range seqs {
		if seq != uint64(i+1) {
			t.Fatalf("seqs = %v, want ascending from 1", seqs)
		}
	}
}

func TestPlaybackPacesByEventTime(t *testing.T) {
	// Timestamps in nanoseconds: gaps of 10ms then 20ms.
	base := int64(1_000_000)
	dir := writeCapture(t, []int64{base, base + 10_000_000, base + 30_000_000})

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture", Speed: 1})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}
	clock := &stubClock{}
	p.WithClock(clock)

	if err := p.Run(context.Background(), func(schema.EventHeader, []byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
	for i := range want {
		if clock.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, clock.sleeps[i], want[i])
		}
	}
}

func TestPlaybackSpeedScalesGaps(t *testing.T) {
	base := int64(1_000_000)
	dir := writeCapture(t, []int64{base, base + 10_000_000})

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture", Speed: 2})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}
	clock := &stubClock{}
	p.WithClock(clock)

	if err := p.Run(context.Background(), func(schema.EventHeader, []byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 5*time.Millisecond {
		t.Fatalf("sleeps = %v, want [5ms]", clock.sleeps)
	}
}

func TestPlaybackUsesRecvTime(t *testing.T) {
	// Event gap 2ms, receive gap 7ms. Pacing on receive time must
	// pick the 7ms gap.
	dir := t.TempDir()
	w, err := NewWriter(testConfig(dir))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	base := int64(1_000_000)
	stamps := [][2]int64{
		{base, base},
		{base + 2_000_000, base + 7_000_000},
	}
	for i, ts := range stamps {
		header := schema.NewHeader(schema.EventMarketUpdate, 1, uint64(i+1), ts[0], ts[1])
		if err := w.TryAppend(header, sampleUpdate(i).Encode(nil)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture", Speed: 1, UseRecvTime: true})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}
	clock := &stubClock{}
	p.WithClock(clock)

	if err := p.Run(context.Background(), func(schema.EventHeader, []byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 7*time.Millisecond {
		t.Fatalf("sleeps = %v, want [7ms]", clock.sleeps)
	}
}

func TestPlaybackZeroSpeedNeverSleeps(t *testing.T) {
	base := int64(1_000_000)
	dir := writeCapture(t, []int64{base, base + 50_000_000})

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture"})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}
	clock := &stubClock{}
	p.WithClock(clock)

	if err := p.Run(context.Background(), func(schema.EventHeader, []byte) error { return nil }); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("sleeps = %v, want none", clock.sleeps)
	}
}

func TestPlaybackStopsOnCancel(t *testing.T) {
	dir := writeCapture(t, []int64{100, 200, 300})

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture"})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var count int
	err = p.Run(ctx, func(schema.EventHeader, []byte) error {
		count++
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run = %v, want context.Canceled", err)
	}
	if count != 1 {
		t.Fatalf("handled %d records before stop, want 1", count)
	}
}

func TestPlaybackPropagatesHandlerError(t *testing.T) {
	dir := writeCapture(t, []int64{100, 200})

	p, err := NewPlayback(PlaybackConfig{Dir: dir, FilePrefix: "capture"})
	if err != nil {
		t.Fatalf("new playback: %v", err)
	}

	boom := errors.New("boom")
	err = p.Run(context.Background(), func(schema.EventHeader, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("run = %v, want handler error", err)
	}
}
