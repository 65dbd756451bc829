package pool

import (
	"bytes"
	"math/bits"
	"sync"
)

const (
	minShift = 6
	maxShift = 22
)

var (
	bytesPool  [maxShift + 1]sync.Pool
	bufferPool = sync.Pool{
		New: func() any {
			return new(bytes.Buffer)
		},
	}
)

func classOf(size int) int {
	if size <= 1<<minShift {
		return minShift
	}
	return bits.Len(uint(size - 1))
}

// GetBytes returns a slice of length size. Slices larger than 4MiB bypass the pool.
func GetBytes(size int) []byte {
	c := classOf(size)
	if c > maxShift {
		return make([]byte, size)
	}
	if v := bytesPool[c].Get(); v != nil {
		buf := *(v.(*[]byte))
		return buf[:size]
	}
	return make([]byte, size, 1<<c)
}

// PutBytes gives buf back to the pool it was taken from.
func PutBytes(buf []byte) {
	size := cap(buf)
	if size == 0 || size&(size-1) != 0 {
		return
	}
	c := bits.Len(uint(size)) - 1
	if c < minShift || c > maxShift {
		return
	}
	buf = buf[:0]
	bytesPool[c].Put(&buf)
}

func GetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}
