package exception

import "github.com/yanun0323/errors"

// Wire format errors raised by feed decoders. Decoders log and skip the
// offending frame; none of these should escape an ingest pump.
var (
	ErrShortPacket    = errors.New("wire: short packet")
	ErrPacketOverrun  = errors.New("wire: packet overruns frame")
	ErrUnknownPacket  = errors.New("wire: unknown packet layout")
	ErrUnknownTopic   = errors.New("wire: unknown topic")
	ErrBadNumber      = errors.New("wire: bad numeric field")
	ErrTopicMismatch  = errors.New("wire: topic kind mismatch")
	ErrSequenceBroken = errors.New("wire: sequence broken")
)
