package bus

import (
	"sync/atomic"

	"github.com/yanun0323/errors"
)

var ErrQueueFull = errors.New("event queue full")

// Default capacities for the engine-facing rings. Client-facing rings
// clamp into [MinClientQueueCap, MaxClientQueueCap].
const (
	DefaultRequestQueueCap  = 1024
	DefaultResponseQueueCap = 1024
	DefaultUpdateQueueCap   = 1 << 20

	MinClientQueueCap = 128
	MaxClientQueueCap = 16384
)

// SPSC is a bounded single-producer single-consumer ring. Exactly one
// goroutine writes and exactly one reads; any other pattern is
// undefined. No operation blocks.
type SPSC[T any] struct {
	_     [64]byte
	write atomic.Uint64
	_     [56]byte
	read  atomic.Uint64
	_     [56]byte
	mask  uint64
	slots []T
}

// New allocates a ring holding at least capacity elements, rounded up
// to the next power of two.
func New[T any](capacity int) *SPSC[T] {
	if capacity <= 0 {
		capacity = 1
	}
	size := uint64(1)
	for size < uint64(capacity) {
		size <<= 1
	}
	return &SPSC[T]{mask: size - 1, slots: make([]T, size)}
}

// ReserveWrite returns the next free slot, or nil when the ring is
// full. The slot stays invisible to the consumer until Publish.
func (q *SPSC[T]) ReserveWrite() *T {
	w := q.write.Load()
	if w-q.read.Load() > q.mask {
		return nil
	}
	return &q.slots[w&q.mask]
}

// Publish makes the slot filled after ReserveWrite visible.
func (q *SPSC[T]) Publish() {
	q.write.Add(1)
}

// PeekRead borrows the next unread slot, or nil when the ring is
// empty. The slot belongs to the ring until Consume.
func (q *SPSC[T]) PeekRead() *T {
	r := q.read.Load()
	if r == q.write.Load() {
		return nil
	}
	return &q.slots[r&q.mask]
}

// Consume releases the slot returned by PeekRead.
func (q *SPSC[T]) Consume() {
	q.read.Add(1)
}

// TryPublish copies v into the ring.
func (q *SPSC[T]) TryPublish(v T) error {
	slot := q.ReserveWrite()
	if slot == nil {
		return ErrQueueFull
	}
	*slot = v
	q.Publish()
	return nil
}

// TryPop copies the next unread element out of the ring.
func (q *SPSC[T]) TryPop() (T, bool) {
	slot := q.PeekRead()
	if slot == nil {
		var zero T
		return zero, false
	}
	v := *slot
	q.Consume()
	return v, true
}

// Len reports the number of published, unconsumed elements.
func (q *SPSC[T]) Len() int {
	return int(q.write.Load() - q.read.Load())
}

// Cap reports the rounded ring capacity.
func (q *SPSC[T]) Cap() int { return len(q.slots) }
