package utils

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/templexxx/xorsimd"
	"golang.org/x/crypto/pbkdf2"
)

const (
	secretPrefix = "enc:"
)

var (
	Salt = []byte("burrow")
)

func cryptKey() []byte {
	return pbkdf2.Key(Salt, Salt, 2, 256, sha1.New)
}

// EncryptSecret obfuscates s for storage in configuration files.
func EncryptSecret(s string) string {
	buf := []byte(s)
	key := cryptKey()
	for offset := 0; offset < len(buf); offset += len(key) {
		xorsimd.Bytes(buf[offset:], buf[offset:], key)
	}
	return secretPrefix + hex.EncodeToString(buf)
}

func DecryptSecret(s string) (string, error) {
	var (
		err error
		buf []byte
	)
	if buf, err = hex.DecodeString(strings.TrimPrefix(s, secretPrefix)); err != nil {
		return "", err
	}
	key := cryptKey()
	for offset := 0; offset < len(buf); offset += len(key) {
		xorsimd.Bytes(buf[offset:], buf[offset:], key)
	}
	return string(buf), nil
}

// RevealSecret returns s decoded when it carries the "enc:" prefix and s
// itself otherwise.
func RevealSecret(s string) (string, error) {
	if !strings.HasPrefix(s, secretPrefix) {
		return s, nil
	}
	return DecryptSecret(s)
}

// DeriveKey turns the shared handshake token into stream key material.
func DeriveKey(token string, size int) []byte {
	return pbkdf2.Key([]byte(token), Salt, 4, size, sha1.New)
}
