package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned when the outbound queue cannot accept more frames.
var ErrQueueFull = errors.New("websocket: outbound queue full")

// OutboundFrame is one queued write payload.
type OutboundFrame struct {
	// MsgType is the WebSocket message type for the payload.
	MsgType MessageType
	// Buf is the payload buffer to send.
	Buf  []byte
	pool *OutboundPool
}

// Release returns the payload buffer and the frame to their pools.
func (f *OutboundFrame) Release() {
	if f == nil || f.pool == nil {
		return
	}
	pool := f.pool
	if f.Buf != nil && pool.buffers != nil {
		pool.buffers.Put(f.Buf)
	}
	*f = OutboundFrame{pool: pool}
	pool.frames.Put(f)
}

// OutboundPool recycles outbound frames and their buffers.
type OutboundPool struct {
	buffers *BufferPool
	frames  sync.Pool
}

// NewOutboundPool creates an OutboundPool backed by buffers.
func NewOutboundPool(buffers *BufferPool) *OutboundPool {
	p := &OutboundPool{buffers: buffers}
	p.frames.New = func() any { return &OutboundFrame{} }
	return p
}

// New creates an outbound frame around buf.
func (p *OutboundPool) New(msgType MessageType, buf []byte) *OutboundFrame {
	frame := p.frames.Get().(*OutboundFrame)
	frame.MsgType = msgType
	frame.Buf = buf
	frame.pool = p
	return frame
}

// Writer is the bounded outbound queue of a session. Frames are only
// accepted while connected; the overflow policy decides what happens
// when the queue is full.
type Writer struct {
	pool      *OutboundPool
	queue     chan *OutboundFrame
	policy    OverflowPolicy
	connected atomic.Bool
}

// NewWriter creates a Writer with a bounded queue.
func NewWriter(pool *OutboundPool, capacity int, policy OverflowPolicy) *Writer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Writer{
		pool:   pool,
		queue:  make(chan *OutboundFrame, capacity),
		policy: policy,
	}
}

// SetConnected toggles the writer connection state.
func (w *Writer) SetConnected(connected bool) {
	w.connected.Store(connected)
}

// Acquire returns an outbound frame with a buffer of the requested size.
func (w *Writer) Acquire(msgType MessageType, size int) *OutboundFrame {
	if w.pool == nil || w.pool.buffers == nil {
		return &OutboundFrame{MsgType: msgType, Buf: make([]byte, size)}
	}
	buf := w.pool.buffers.Get(size)
	return w.pool.New(msgType, buf[:size])
}

// Enqueue queues a frame according to the overflow policy. It reports
// false when the frame was not accepted; the caller keeps ownership
// then and must Release it.
func (w *Writer) Enqueue(frame *OutboundFrame) bool {
	if frame == nil || !w.connected.Load() {
		return false
	}
	switch w.policy {
	case OverflowBlock:
		w.queue <- frame
		return true
	case OverflowDropOldest:
		return w.enqueueDropOldest(frame)
	default:
		select {
		case w.queue <- frame:
			return true
		default:
			return false
		}
	}
}

func (w *Writer) enqueueDropOldest(frame *OutboundFrame) bool {
	for {
		select {
		case w.queue <- frame:
			return true
		default:
		}
		select {
		case old := <-w.queue:
			old.Release()
		default:
			return false
		}
	}
}

// Send copies payload into a pooled buffer and enqueues it.
func (w *Writer) Send(msgType MessageType, payload []byte) bool {
	if !w.connected.Load() {
		return false
	}
	frame := w.Acquire(msgType, len(payload))
	copy(frame.Buf, payload)
	if !w.Enqueue(frame) {
		frame.Release()
		return false
	}
	return true
}

// Next waits for the next outbound frame or context cancellation.
func (w *Writer) Next(ctx context.Context) (*OutboundFrame, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case frame := <-w.queue:
		return frame, frame != nil
	}
}

// Drain empties the queue and releases every frame.
func (w *Writer) Drain() {
	for {
		select {
		case frame := <-w.queue:
			frame.Release()
		default:
			return
		}
	}
}
