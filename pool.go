package emq

import (
	"sync"
)

// maxPooledCapacity bounds the buffers returned to the pools (64KB).
const maxPooledCapacity = 65536

// Buffer pools for reducing allocations in hot paths.
var (
	// bytesBufferPool for frame writing
	bytesBufferPool = sync.Pool{
		New: func() any {
			return &bytesBuffer{}
		},
	}

	// encoderPool for request and reply bodies
	encoderPool = sync.Pool{
		New: func() any {
			return NewEncoder(256)
		},
	}
)

// bytesBuffer is a simple growable buffer.
type bytesBuffer struct {
	data []byte
}

// getBytesBuffer returns a pooled bytesBuffer.
func getBytesBuffer() *bytesBuffer {
	b := bytesBufferPool.Get().(*bytesBuffer)
	b.data = b.data[:0]
	return b
}

// putBytesBuffer returns a bytesBuffer to the pool.
func putBytesBuffer(b *bytesBuffer) {
	if b == nil {
		return
	}
	if cap(b.data) <= maxPooledCapacity {
		b.data = b.data[:0]
		bytesBufferPool.Put(b)
	}
}

// getEncoder returns a pooled, empty Encoder.
func getEncoder() *Encoder {
	e := encoderPool.Get().(*Encoder)
	e.Reset()
	return e
}

// putEncoder returns an Encoder to the pool.
// The caller must not keep references to e.Bytes() afterwards.
func putEncoder(e *Encoder) {
	if e == nil {
		return
	}
	if cap(e.buf) <= maxPooledCapacity {
		e.Reset()
		encoderPool.Put(e)
	}
}
