// Package chaos rewrites a recorded market stream the way a degraded
// feed would deliver it: events vanish, arrive twice, arrive out of
// order inside a bounded window, or arrive late. Every effect draws
// from one seeded source, so a soak failure replays exactly.
package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"venuelink/internal/schema"
)

// Event is one WAL record passing through the engine.
type Event struct {
	Header  schema.EventHeader
	Payload []byte
}

// Config tunes the degradation. Zero values leave each effect off.
type Config struct {
	Seed          int64
	DropRate      float64
	DuplicateRate float64
	ReorderWindow int
	MaxDelay      time.Duration
}

// Validate rejects rates outside [0, 1], a non-positive window, and
// negative delays.
func (c Config) Validate() error {
	switch {
	case c.DropRate < 0 || c.DropRate > 1:
		return fmt.Errorf("drop rate %v outside [0, 1]", c.DropRate)
	case c.DuplicateRate < 0 || c.DuplicateRate > 1:
		return fmt.Errorf("duplicate rate %v outside [0, 1]", c.DuplicateRate)
	case c.ReorderWindow <= 0:
		return fmt.Errorf("reorder window %d must be at least 1", c.ReorderWindow)
	case c.MaxDelay < 0:
		return fmt.Errorf("max delay %v is negative", c.MaxDelay)
	}
	return nil
}

// Engine applies one Config to a stream. Not safe for concurrent use;
// feed it from the playback goroutine.
type Engine struct {
	cfg    Config
	rng    *rand.Rand
	window []Event
}

// NewEngine validates cfg and seeds the random source. A zero or one
// window disables reordering; a zero seed draws from the clock.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}, nil
}

// Process passes one event through. The result holds zero, one, or
// two events depending on whether the event was dropped, held back
// for reordering, passed, or duplicated.
func (e *Engine) Process(ev Event) []Event {
	if e == nil {
		return []Event{ev}
	}
	if e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate {
		return nil
	}
	ev = e.lateStamp(ev)

	if e.cfg.ReorderWindow > 1 {
		e.window = append(e.window, ev)
		if len(e.window) < e.cfg.ReorderWindow {
			return nil
		}
		ev = e.takeRandom()
	}
	return e.emit(ev)
}

// Flush drains the reorder window in random order. Call it once the
// input stream ends; whatever is still held would otherwise be lost.
func (e *Engine) Flush() []Event {
	if e == nil || len(e.window) == 0 {
		return nil
	}
	out := make([]Event, 0, len(e.window))
	for len(e.window) > 0 {
		out = append(out, e.emit(e.takeRandom())...)
	}
	return out
}

// takeRandom removes a uniformly chosen held event, swapping the last
// slot in so the window never reallocates on the take side.
func (e *Engine) takeRandom() Event {
	i := e.rng.Intn(len(e.window))
	ev := e.window[i]
	last := len(e.window) - 1
	e.window[i] = e.window[last]
	e.window[last] = Event{}
	e.window = e.window[:last]
	return ev
}

func (e *Engine) emit(ev Event) []Event {
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		return []Event{ev, ev}
	}
	return []Event{ev}
}

// lateStamp pushes the receive time out by a random slice of
// MaxDelay. Events captured without a receive stamp get one derived
// from the event time.
func (e *Engine) lateStamp(ev Event) Event {
	if e.cfg.MaxDelay <= 0 {
		return ev
	}
	d := e.rng.Int63n(e.cfg.MaxDelay.Nanoseconds() + 1)
	if d == 0 {
		return ev
	}
	switch {
	case ev.Header.TsRecv > 0:
		ev.Header.TsRecv += d
	case ev.Header.TsEvent > 0:
		ev.Header.TsRecv = ev.Header.TsEvent + d
	}
	return ev
}
