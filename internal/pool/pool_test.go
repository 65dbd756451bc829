package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBytesLength(t *testing.T) {
	for _, size := range []int{0, 1, 63, 64, 65, 1000, 16 * 1024, 5 << 20} {
		buf := GetBytes(size)
		assert.Len(t, buf, size)
		assert.GreaterOrEqual(t, cap(buf), size)
		PutBytes(buf)
	}
}

func TestPutBytesIgnoresForeignSlices(t *testing.T) {
	assert.NotPanics(t, func() {
		PutBytes(make([]byte, 100))
		PutBytes(nil)
	})
}

func TestBufferReset(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("dirty")
	PutBuffer(buf)
	assert.Equal(t, 0, GetBuffer().Len())
}
