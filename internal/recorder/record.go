// Package recorder owns the capture WAL: fixed little-endian frames
// appended to rotating segment files, and sequential replay of those
// segments with optional time pacing.
package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"

	"venuelink/internal/schema"
)

// One frame on disk:
//
//	[0:4]   magic "WAL1"
//	[4:6]   frame version
//	[6:8]   header length, always 56
//	[8:10]  event type
//	[10:12] schema version
//	[12:14] source id
//	[14:16] flags
//	[16:20] payload length
//	[20:28] sequence
//	[28:36] event timestamp, ns
//	[36:44] receive timestamp, ns
//	[44:52] trace id
//	[52:56] reserved
//
// followed by the payload and a Castagnoli CRC over header+payload.
const (
	recordVersion      uint16 = 1
	recordHeaderSize          = 56
	recordChecksumSize        = 4

	offType    = 8
	offVersion = 10
	offSource  = 12
	offFlags   = 14
	offPayLen  = 16
	offSeq     = 20
	offTsEvent = 28
	offTsRecv  = 36
	offTrace   = 44
	offPad     = 52
)

const maxPayloadLen = uint64(^uint32(0))

var (
	recordMagic = [4]byte{'W', 'A', 'L', '1'}
	crcTable    = crc32.MakeTable(crc32.Castagnoli)
)

var (
	ErrInvalidMagic            = errors.New("wal invalid magic")
	ErrUnsupportedRecordVer    = errors.New("wal unsupported record version")
	ErrInvalidRecordHeaderSize = errors.New("wal invalid header size")
)

func encodeHeader(dst []byte, h schema.EventHeader, payloadLen int) {
	_ = dst[recordHeaderSize-1]
	le := binary.LittleEndian
	copy(dst[:4], recordMagic[:])
	le.PutUint16(dst[4:], recordVersion)
	le.PutUint16(dst[6:], recordHeaderSize)
	le.PutUint16(dst[offType:], uint16(h.Type))
	le.PutUint16(dst[offVersion:], h.Version)
	le.PutUint16(dst[offSource:], h.Source)
	le.PutUint16(dst[offFlags:], h.Flags)
	le.PutUint32(dst[offPayLen:], uint32(payloadLen))
	le.PutUint64(dst[offSeq:], h.Seq)
	le.PutUint64(dst[offTsEvent:], uint64(h.TsEvent))
	le.PutUint64(dst[offTsRecv:], uint64(h.TsRecv))
	le.PutUint64(dst[offTrace:], h.TraceID)
	le.PutUint32(dst[offPad:], 0)
}

func decodeRecordHeader(src []byte) (schema.EventHeader, uint32, error) {
	if len(src) < recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	if !bytes.Equal(src[:4], recordMagic[:]) {
		return schema.EventHeader{}, 0, ErrInvalidMagic
	}
	le := binary.LittleEndian
	if le.Uint16(src[4:]) != recordVersion {
		return schema.EventHeader{}, 0, ErrUnsupportedRecordVer
	}
	if le.Uint16(src[6:]) != recordHeaderSize {
		return schema.EventHeader{}, 0, ErrInvalidRecordHeaderSize
	}
	h := schema.EventHeader{
		Type:    schema.EventType(le.Uint16(src[offType:])),
		Version: le.Uint16(src[offVersion:]),
		Source:  le.Uint16(src[offSource:]),
		Flags:   le.Uint16(src[offFlags:]),
		Seq:     le.Uint64(src[offSeq:]),
		TsEvent: int64(le.Uint64(src[offTsEvent:])),
		TsRecv:  int64(le.Uint64(src[offTsRecv:])),
		TraceID: le.Uint64(src[offTrace:]),
	}
	return h, le.Uint32(src[offPayLen:]), nil
}

func checksum(header, payload []byte) uint32 {
	return crc32.Update(crc32.Update(0, crcTable, header), crcTable, payload)
}
