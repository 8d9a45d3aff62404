package websocket

import (
	"sync"
)

// BufferPool recycles fixed-capacity []byte buffers. Requests larger
// than the bucket fall through to plain allocations.
type BufferPool struct {
	bucket int
	pool   sync.Pool
}

// DefaultBufferPool returns a pool of 64 KiB buffers.
func DefaultBufferPool() *BufferPool {
	return NewBufferPool(64 << 10)
}

// NewBufferPool creates a pool whose buffers all have capacity size.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = 64 << 10
	}
	p := &BufferPool{bucket: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer with length size. Oversize requests are served
// off-pool and dropped again on Put.
func (p *BufferPool) Get(size int) []byte {
	switch {
	case size <= 0:
		return nil
	case size > p.bucket:
		return make([]byte, size)
	}
	return (*p.pool.Get().(*[]byte))[:size]
}

// Put returns a buffer to the pool. Buffers that did not come from the
// pool are left for the garbage collector.
func (p *BufferPool) Put(buf []byte) {
	if cap(buf) < p.bucket {
		return
	}
	buf = buf[:p.bucket]
	p.pool.Put(&buf)
}
