package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestXorRoundTrip(t *testing.T) {
	x := NewXorEncrypt([]byte("shared-token"))
	assert.Len(t, x.Key, BlockSize)

	for _, size := range []int{0, 1, 100, BlockSize, BlockSize + 1, 3*BlockSize + 17} {
		plain := bytes.Repeat([]byte{0x5A, 0x01, 0x77}, size)[:size]
		buf := append([]byte(nil), plain...)
		x.Apply(buf)
		if size >= 100 {
			assert.NotEqual(t, plain, buf)
		}
		x.Apply(buf)
		assert.Equal(t, plain, buf)
	}
}

func TestXorKeysDiffer(t *testing.T) {
	a := NewXorEncrypt([]byte("a"))
	b := NewXorEncrypt([]byte("b"))
	assert.NotEqual(t, a.Key, b.Key)
}
