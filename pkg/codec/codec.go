// Package codec holds the pluggable payload transforms used by the stream
// compression adapter.
package codec

import (
	"errors"
	"sort"
	"sync"

	"github.com/golang/snappy"
)

const (
	NameNone   = "none"
	NameSnappy = "snappy"
)

var (
	ErrUnknownCodec = errors.New("codec: unknown codec")
)

// Codec transforms one payload at a time. Encode and Decode may use dst as
// scratch space and return a slice aliasing it.
type Codec interface {
	Name() string
	Encode(dst, src []byte) ([]byte, error)
	Decode(dst, src []byte) ([]byte, error)
	// MaxEncodedLen bounds the size of Encode's output for n input bytes.
	MaxEncodedLen(n int) int
	// DecodedLen reports the size of the decoded form of src.
	DecodedLen(src []byte) (int, error)
}

var (
	mutex    sync.RWMutex
	registry = map[string]Codec{}
)

func init() {
	Register(None{})
	Register(Snappy{})
}

// Register makes c available under c.Name(), replacing any earlier codec of
// the same name.
func Register(c Codec) {
	mutex.Lock()
	defer mutex.Unlock()
	registry[c.Name()] = c
}

// Lookup resolves a codec by name. The empty name is an alias of "none".
func Lookup(name string) (Codec, error) {
	if name == "" {
		name = NameNone
	}
	mutex.RLock()
	defer mutex.RUnlock()
	if c, ok := registry[name]; ok {
		return c, nil
	}
	return nil, ErrUnknownCodec
}

func Names() []string {
	mutex.RLock()
	defer mutex.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// None passes bytes through unchanged.
type None struct{}

func (None) Name() string { return NameNone }

func (None) Encode(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (None) Decode(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (None) MaxEncodedLen(n int) int { return n }

func (None) DecodedLen(src []byte) (int, error) { return len(src), nil }

// Snappy is the block format of github.com/golang/snappy.
type Snappy struct{}

func (Snappy) Name() string { return NameSnappy }

func (Snappy) Encode(dst, src []byte) ([]byte, error) {
	return snappy.Encode(dst, src), nil
}

func (Snappy) Decode(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

func (Snappy) MaxEncodedLen(n int) int { return snappy.MaxEncodedLen(n) }

func (Snappy) DecodedLen(src []byte) (int, error) { return snappy.DecodedLen(src) }
