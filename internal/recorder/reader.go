package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"venuelink/internal/schema"
)

var ErrChecksumMismatch = errors.New("wal checksum mismatch")

// ReaderOptions tunes record decoding.
type ReaderOptions struct {
	DisableChecksum bool
	MaxPayloadSize  int
}

// Reader decodes one WAL stream sequentially.
type Reader struct {
	src     *bufio.Reader
	opts    ReaderOptions
	head    []byte
	payload []byte
}

// NewReader wraps src with WAL frame decoding.
func NewReader(src io.Reader, opts ReaderOptions) *Reader {
	return &Reader{
		src:  bufio.NewReader(src),
		opts: opts,
		head: make([]byte, recordHeaderSize),
	}
}

// Next returns the next record. The payload slice is reused and only
// valid until the following call. io.EOF surfaces exactly at a frame
// boundary; a truncated frame reads as io.ErrUnexpectedEOF.
func (r *Reader) Next() (schema.EventHeader, []byte, error) {
	if _, err := io.ReadFull(r.src, r.head); err != nil {
		return schema.EventHeader{}, nil, err
	}
	header, payloadLen, err := decodeRecordHeader(r.head)
	if err != nil {
		return header, nil, err
	}
	if r.opts.MaxPayloadSize > 0 && payloadLen > uint32(r.opts.MaxPayloadSize) {
		return header, nil, ErrPayloadTooLarge
	}

	r.payload = r.payload[:0]
	if payloadLen > 0 {
		if cap(r.payload) < int(payloadLen) {
			r.payload = make([]byte, payloadLen)
		}
		r.payload = r.payload[:payloadLen]
		if _, err := io.ReadFull(r.src, r.payload); err != nil {
			return header, nil, err
		}
	}

	var trailer [recordChecksumSize]byte
	if _, err := io.ReadFull(r.src, trailer[:]); err != nil {
		return header, nil, err
	}
	if !r.opts.DisableChecksum && binary.LittleEndian.Uint32(trailer[:]) != checksum(r.head, r.payload) {
		return header, nil, ErrChecksumMismatch
	}
	return header, r.payload, nil
}
