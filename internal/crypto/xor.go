package crypto

import (
	"crypto/sha1"

	"github.com/templexxx/xorsimd"
	"golang.org/x/crypto/pbkdf2"
)

var (
	xorKeySalt = []byte{0xFB, 0xFA, 0xFF}
)

const (
	BlockSize = 1024
)

// XOR is a repeating keystream. It obscures tunnel payloads from passive
// inspection; it is not authenticated encryption.
type XOR struct {
	Key []byte
}

// Apply xors buf with the keystream in place. Applying twice restores buf.
func (crypto *XOR) Apply(buf []byte) {
	var (
		offset int
		limit  int
	)
	if len(crypto.Key) == 0 {
		return
	}
	block := len(crypto.Key)
	for offset = 0; offset < len(buf); offset += block {
		limit = offset + block
		if limit > len(buf) {
			limit = len(buf)
		}
		xorsimd.Bytes(buf[offset:limit], buf[offset:limit], crypto.Key)
	}
}

// NewXorEncrypt stretches key into a BlockSize keystream. A key that already
// has BlockSize bytes is used as is.
func NewXorEncrypt(key []byte) *XOR {
	if len(key) == BlockSize {
		return &XOR{Key: key}
	}
	return &XOR{
		Key: pbkdf2.Key(key, xorKeySalt, 4, BlockSize, sha1.New),
	}
}
