package batch

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// maxPooledBuffer keeps one oversized batch from pinning memory in the pool.
const maxPooledBuffer = 64 << 10

var (
	bufferPool = sync.Pool{
		New: func() any { return new(bytes.Buffer) },
	}

	// outstanding counts acquired buffers not yet released; tests use it to
	// assert cleanup on failure paths.
	outstanding atomic.Int64
)

func acquireBuffer() *bytes.Buffer {
	outstanding.Add(1)
	return bufferPool.Get().(*bytes.Buffer)
}

func releaseBuffer(buf *bytes.Buffer) {
	outstanding.Add(-1)
	if buf.Cap() > maxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// OutstandingBuffers returns the number of scratch buffers currently held by
// built batches.
func OutstandingBuffers() int64 {
	return outstanding.Load()
}
