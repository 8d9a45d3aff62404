package obs

import (
	"sync/atomic"
	"time"

	"venuelink/internal/schema"
)

// TraceGenerator hands out ids for captured events, so one tick can
// be followed from the venue socket through the WAL into replay.
type TraceGenerator struct {
	next atomic.Uint64
}

// NewTraceGenerator seeds the id space. A zero seed derives one from
// the wall clock so separate capture runs stay distinguishable.
func NewTraceGenerator(seed uint64) *TraceGenerator {
	if seed == 0 {
		seed = uint64(time.Now().UTC().UnixNano())
	}
	g := &TraceGenerator{}
	g.next.Store(seed)
	return g
}

// Next returns the next trace id. Safe from any goroutine; a nil
// generator returns zero.
func (g *TraceGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return g.next.Add(1)
}

// Stamp fills the header's trace id unless the producer already set
// one.
func (g *TraceGenerator) Stamp(header *schema.EventHeader) {
	if g == nil || header == nil || header.TraceID != 0 {
		return
	}
	header.TraceID = g.Next()
}
