// Package schema defines the event vocabulary shared by the ingest,
// engine, and capture layers: scaled integer basic types, the record
// structs that cross process boundaries, and the header every
// captured event carries.
package schema

// SchemaVersion is stamped into record headers so replays can detect
// incompatible captures.
const SchemaVersion uint16 = 1

// EventType tags what kind of payload follows an EventHeader.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventMarketUpdate
	EventClientRequest
	EventClientResponse
)

// EventHeader is the metadata attached to every captured event. Seq
// orders events within one source; TsEvent and TsRecv are venue and
// local clocks in nanoseconds.
type EventHeader struct {
	Type    EventType
	Version uint16
	Source  uint16
	Flags   uint16
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header stamped with the current schema version.
func NewHeader(eventType EventType, source uint16, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Version: SchemaVersion,
		Source:  source,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}
