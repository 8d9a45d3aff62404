package chaos

import (
	"testing"
	"time"

	"venuelink/internal/schema"
)

func chaosEvent(seq uint64) Event {
	return Event{
		Header:  schema.NewHeader(schema.EventMarketUpdate, 1, seq, int64(seq)*1000, int64(seq)*1000+500),
		Payload: []byte{byte(seq)},
	}
}

func TestEngineValidation(t *testing.T) {
	for _, cfg := range []Config{
		{DropRate: -0.1},
		{DropRate: 1.1},
		{DuplicateRate: 2},
		{MaxDelay: -time.Second},
	} {
		if _, err := NewEngine(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
	if err := (Config{ReorderWindow: 0}).Validate(); err == nil {
		t.Fatal("expected error for zero reorder window")
	}
}

func TestEnginePassthrough(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	in := chaosEvent(7)
	out := e.Process(in)
	if len(out) != 1 {
		t.Fatalf("passthrough emitted %d events", len(out))
	}
	if out[0].Header != in.Header || string(out[0].Payload) != string(in.Payload) {
		t.Fatalf("passthrough mutated event: %+v", out[0])
	}
	if rest := e.Flush(); rest != nil {
		t.Fatalf("flush on empty engine: %+v", rest)
	}
}

func TestEngineDropsEverythingAtFullRate(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DropRate: 1})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	for seq := uint64(1); seq <= 20; seq++ {
		if out := e.Process(chaosEvent(seq)); out != nil {
			t.Fatalf("seq %d survived a full drop rate: %+v", seq, out)
		}
	}
	if rest := e.Flush(); rest != nil {
		t.Fatalf("flush after drops: %+v", rest)
	}
}

func TestEngineDuplicatesEverythingAtFullRate(t *testing.T) {
	e, err := NewEngine(Config{Seed: 1, DuplicateRate: 1})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	in := chaosEvent(3)
	out := e.Process(in)
	if len(out) != 2 {
		t.Fatalf("expected a duplicate, got %d events", len(out))
	}
	if out[0].Header != out[1].Header {
		t.Fatalf("duplicate diverged: %+v vs %+v", out[0].Header, out[1].Header)
	}
}

func TestEngineReorderConservesEvents(t *testing.T) {
	const window = 3
	const total = 10

	e, err := NewEngine(Config{Seed: 42, ReorderWindow: window})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	seen := make(map[uint64]int)
	emitted := 0
	for seq := uint64(1); seq <= total; seq++ {
		out := e.Process(chaosEvent(seq))
		if seq < window && out != nil {
			t.Fatalf("seq %d emitted before the window filled", seq)
		}
		for _, ev := range out {
			seen[ev.Header.Seq]++
			emitted++
		}
	}
	for _, ev := range e.Flush() {
		seen[ev.Header.Seq]++
		emitted++
	}

	if emitted != total {
		t.Fatalf("emitted %d events, want %d", emitted, total)
	}
	for seq := uint64(1); seq <= total; seq++ {
		if seen[seq] != 1 {
			t.Fatalf("seq %d emitted %d times", seq, seen[seq])
		}
	}
}

func TestEngineDelayShiftsRecvTimeOnly(t *testing.T) {
	const maxDelay = time.Millisecond
	e, err := NewEngine(Config{Seed: 9, MaxDelay: maxDelay})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	in := chaosEvent(5)
	out := e.Process(in)
	if len(out) != 1 {
		t.Fatalf("delay emitted %d events", len(out))
	}
	got := out[0].Header
	if got.TsEvent != in.Header.TsEvent {
		t.Fatalf("delay touched the event time: %d", got.TsEvent)
	}
	if got.TsRecv < in.Header.TsRecv || got.TsRecv > in.Header.TsRecv+maxDelay.Nanoseconds() {
		t.Fatalf("recv time %d outside [%d, %d]", got.TsRecv, in.Header.TsRecv, in.Header.TsRecv+maxDelay.Nanoseconds())
	}

	// Events captured without a receive stamp get one derived from
	// the event time.
	bare := Event{Header: schema.EventHeader{Type: schema.EventMarketUpdate, TsEvent: 5000}}
	for i := 0; i < 50; i++ {
		res := e.Process(bare)
		if len(res) != 1 {
			t.Fatalf("delay emitted %d events", len(res))
		}
		if recv := res[0].Header.TsRecv; recv != 0 && recv <= bare.Header.TsEvent {
			t.Fatalf("derived recv time %d not after event time", recv)
		}
	}
}

func TestEngineSameSeedSameOutput(t *testing.T) {
	cfg := Config{Seed: 77, DropRate: 0.3, DuplicateRate: 0.3, ReorderWindow: 4, MaxDelay: time.Millisecond}
	a, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	b, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	var outA, outB []Event
	for seq := uint64(1); seq <= 100; seq++ {
		outA = append(outA, a.Process(chaosEvent(seq))...)
		outB = append(outB, b.Process(chaosEvent(seq))...)
	}
	outA = append(outA, a.Flush()...)
	outB = append(outB, b.Flush()...)

	if len(outA) != len(outB) {
		t.Fatalf("streams diverged in length: %d vs %d", len(outA), len(outB))
	}
	for i := range outA {
		if outA[i].Header != outB[i].Header {
			t.Fatalf("streams diverged at %d: %+v vs %+v", i, outA[i].Header, outB[i].Header)
		}
	}
}

func TestEngineNilReceiver(t *testing.T) {
	var e *Engine
	in := chaosEvent(1)
	out := e.Process(in)
	if len(out) != 1 || out[0].Header != in.Header {
		t.Fatalf("nil engine must pass through: %+v", out)
	}
	if rest := e.Flush(); rest != nil {
		t.Fatalf("nil engine flush: %+v", rest)
	}
}
