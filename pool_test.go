package emq

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBytesBuffer(t *testing.T) {
	t.Run("returns empty buffer", func(t *testing.T) {
		buf := getBytesBuffer()

		assert.NotNil(t, buf)
		assert.Len(t, buf.data, 0)

		putBytesBuffer(buf)
	})

	t.Run("reused buffer is reset", func(t *testing.T) {
		buf := getBytesBuffer()
		buf.data = append(buf.data, "some data"...)
		putBytesBuffer(buf)

		buf2 := getBytesBuffer()
		assert.Len(t, buf2.data, 0)
		putBytesBuffer(buf2)
	})
}

func TestPutBytesBuffer(t *testing.T) {
	t.Run("handles nil buffer", func(t *testing.T) {
		assert.NotPanics(t, func() {
			putBytesBuffer(nil)
		})
	})

	t.Run("does not pool very large buffers", func(t *testing.T) {
		buf := getBytesBuffer()
		buf.data = make([]byte, 0, maxPooledCapacity+1)

		assert.NotPanics(t, func() {
			putBytesBuffer(buf)
		})
	})
}

func TestGetEncoder(t *testing.T) {
	t.Run("returns empty encoder", func(t *testing.T) {
		e := getEncoder()
		assert.Zero(t, e.Len())

		e.Text("leftover")
		putEncoder(e)

		e2 := getEncoder()
		assert.Zero(t, e2.Len())
		putEncoder(e2)
	})

	t.Run("handles nil encoder", func(t *testing.T) {
		assert.NotPanics(t, func() {
			putEncoder(nil)
		})
	})

	t.Run("does not pool very large encoders", func(t *testing.T) {
		e := getEncoder()
		e.Binary(make([]byte, maxPooledCapacity+1))

		assert.NotPanics(t, func() {
			putEncoder(e)
		})
	})
}

func TestPoolConcurrency(t *testing.T) {
	t.Run("bytesBuffer pool is thread safe", func(_ *testing.T) {
		var wg sync.WaitGroup

		for range 1000 {
			wg.Go(func() {
				buf := getBytesBuffer()
				buf.data = append(buf.data, "concurrent write"...)
				putBytesBuffer(buf)
			})
		}

		wg.Wait()
	})

	t.Run("encoder pool is thread safe", func(_ *testing.T) {
		var wg sync.WaitGroup

		for range 1000 {
			wg.Go(func() {
				e := getEncoder()
				e.Text("concurrent").Uint(1)
				putEncoder(e)
			})
		}

		wg.Wait()
	})
}

func BenchmarkBytesBufferPool(b *testing.B) {
	writeData := []byte("benchmark test data for buffer pool")

	b.ReportAllocs()
	for b.Loop() {
		buf := getBytesBuffer()
		buf.data = append(buf.data, writeData...)
		putBytesBuffer(buf)
	}
}

func BenchmarkEncoderPoolParallel(b *testing.B) {
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			e := getEncoder()
			e.Text("parallel").Uint(42)
			putEncoder(e)
		}
	})
}
