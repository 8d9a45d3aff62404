package recorder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"venuelink/internal/schema"
)

var (
	ErrQueueFull       = errors.New("wal queue full")
	ErrClosed          = errors.New("wal writer closed")
	ErrNotStarted      = errors.New("wal writer not started")
	ErrAlreadyStarted  = errors.New("wal writer already started")
	ErrPayloadTooLarge = errors.New("wal payload too large")
)

// Writer appends events to rotating WAL segments. Appends go through
// a bounded queue into a single writer goroutine, so the hot path
// never blocks on disk.
type Writer struct {
	cfg Config
	ch  chan appendReq

	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
	err     atomic.Value
}

type appendReq struct {
	header  schema.EventHeader
	payload []byte
}

// NewWriter resolves cfg and makes sure the capture directory exists.
func NewWriter(cfg Config) (*Writer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return &Writer{cfg: cfg, ch: make(chan appendReq, cfg.QueueSize)}, nil
}

// Start launches the writer goroutine.
func (w *Writer) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
	return nil
}

// Close stops intake, waits for queued records to reach disk, and
// reports the first write error if one occurred.
func (w *Writer) Close() error {
	if w.closed.CompareAndSwap(false, true) {
		close(w.ch)
	}
	w.wg.Wait()
	return w.Err()
}

// Err returns the first error the writer goroutine hit, if any.
func (w *Writer) Err() error {
	if v := w.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

// SessionID returns the capture session id stamped into segment names.
func (w *Writer) SessionID() string {
	return w.cfg.SessionID
}

// TryAppend enqueues one event without blocking. A zero header
// version is stamped with the current schema version. With
// CopyPayload unset the payload must stay untouched until the writer
// goroutine drains it.
func (w *Writer) TryAppend(header schema.EventHeader, payload []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	if !w.started.Load() {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return err
	}
	if uint64(len(payload)) > maxPayloadLen {
		return ErrPayloadTooLarge
	}
	if header.Version == 0 {
		header.Version = schema.SchemaVersion
	}
	if w.cfg.CopyPayload && len(payload) > 0 {
		payload = append([]byte(nil), payload...)
	}
	select {
	case w.ch <- appendReq{header: header, payload: payload}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (w *Writer) run(ctx context.Context) {
	loop := &writeLoop{w: w, head: make([]byte, recordHeaderSize)}
	defer loop.finish()

	var flushC, syncC <-chan time.Time
	if w.cfg.FlushInterval > 0 {
		t := time.NewTicker(w.cfg.FlushInterval)
		defer t.Stop()
		flushC = t.C
	}
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		syncC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			loop.drain()
			return
		case req, ok := <-w.ch:
			if !ok {
				return
			}
			if err := loop.append(req); err != nil {
				w.setErr(err)
				return
			}
		case <-flushC:
			if err := loop.flush(); err != nil {
				w.setErr(err)
				return
			}
		case <-syncC:
			if err := loop.sync(); err != nil {
				w.setErr(err)
				return
			}
		}
	}
}

func (w *Writer) setErr(err error) {
	if err == nil || w.err.Load() != nil {
		return
	}
	w.err.Store(err)
}

// writeLoop is the single-goroutine state behind run: the open
// segment, the segment counter, and the scratch header buffer.
type writeLoop struct {
	w      *Writer
	seg    *segment
	segSeq uint64
	head   []byte
}

type segment struct {
	f        *os.File
	bw       *bufio.Writer
	size     int64
	openedAt time.Time
}

func (l *writeLoop) append(req appendReq) error {
	if uint64(len(req.payload)) > maxPayloadLen {
		return ErrPayloadTooLarge
	}
	now := time.Now().UTC()
	frameLen := int64(recordHeaderSize + len(req.payload) + recordChecksumSize)
	if l.needsRotation(now, frameLen) {
		if err := l.closeSegment(); err != nil {
			return err
		}
		if err := l.openSegment(now); err != nil {
			return err
		}
	}

	encodeHeader(l.head, req.header, len(req.payload))
	var trailer [recordChecksumSize]byte
	binary.LittleEndian.PutUint32(trailer[:], checksum(l.head, req.payload))

	if _, err := l.seg.bw.Write(l.head); err != nil {
		return err
	}
	if len(req.payload) > 0 {
		if _, err := l.seg.bw.Write(req.payload); err != nil {
			return err
		}
	}
	if _, err := l.seg.bw.Write(trailer[:]); err != nil {
		return err
	}
	l.seg.size += frameLen
	return nil
}

func (l *writeLoop) needsRotation(now time.Time, frameLen int64) bool {
	switch {
	case l.seg == nil:
		return true
	case l.w.cfg.SegmentMaxBytes > 0 && l.seg.size+frameLen > l.w.cfg.SegmentMaxBytes:
		return true
	case l.w.cfg.SegmentMaxDuration > 0 && now.Sub(l.seg.openedAt) >= l.w.cfg.SegmentMaxDuration:
		return true
	}
	return false
}

// openSegment creates the next segment file. O_EXCL plus the counter
// retry keeps concurrent writers in one directory from clobbering
// each other.
func (l *writeLoop) openSegment(now time.Time) error {
	ts := now.Format("20060102-150405")
	for {
		l.segSeq++
		name := fmt.Sprintf("%s-%s-%s-%06d.wal", l.w.cfg.FilePrefix, l.w.cfg.SessionID, ts, l.segSeq)
		f, err := os.OpenFile(filepath.Join(l.w.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		l.seg = &segment{f: f, bw: bufio.NewWriterSize(f, l.w.cfg.BufferSize), openedAt: now}
		return nil
	}
}

// drain writes whatever is already queued, without blocking, before
// shutdown on context cancel.
func (l *writeLoop) drain() {
	for {
		select {
		case req, ok := <-l.w.ch:
			if !ok {
				return
			}
			if err := l.append(req); err != nil {
				l.w.setErr(err)
				return
			}
		default:
			return
		}
	}
}

func (l *writeLoop) flush() error {
	if l.seg == nil {
		return nil
	}
	return l.seg.bw.Flush()
}

func (l *writeLoop) sync() error {
	if err := l.flush(); err != nil {
		return err
	}
	if l.seg == nil {
		return nil
	}
	return l.seg.f.Sync()
}

func (l *writeLoop) closeSegment() error {
	if l.seg == nil {
		return nil
	}
	seg := l.seg
	l.seg = nil
	if err := seg.bw.Flush(); err != nil {
		_ = seg.f.Close()
		return err
	}
	if err := seg.f.Sync(); err != nil {
		_ = seg.f.Close()
		return err
	}
	return seg.f.Close()
}

// finish closes the open segment at goroutine exit, keeping any
// earlier error as the one reported.
func (l *writeLoop) finish() {
	if err := l.closeSegment(); err != nil {
		l.w.setErr(err)
	}
}
