package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Buffers above this capacity are dropped instead of pooled so one oversized
// result dump cannot pin memory for the life of the process.
const maxPooledBufferBytes = 1 << 20

// BufferPool hands out reusable buffers for compression and row encoding
// hot paths.
var BufferPool = NewBufferPool(4 * 1024)

type bufferPool struct {
	pool sync.Pool

	// Metrics
	gets    atomic.Uint64 // total Get calls served
	creates atomic.Uint64 // buffers newly allocated because the pool was empty
}

// NewBufferPool creates a pool whose buffers start with the given capacity.
func NewBufferPool(initialCapacity int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		bp.creates.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	}
	return bp
}

// Get retrieves a buffer from the pool, creating one when empty. The buffer
// is always reset.
func (bp *bufferPool) Get() *bytes.Buffer {
	buf := bp.pool.Get().(*bytes.Buffer)
	bp.gets.Add(1)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool. Oversized buffers are discarded.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBufferBytes {
		return
	}
	bp.pool.Put(buf)
}

// GetMetrics returns how many Gets were served and how many buffers had to
// be created.
func (bp *bufferPool) GetMetrics() (gets, creates uint64) {
	return bp.gets.Load(), bp.creates.Load()
}
