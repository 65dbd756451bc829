package unpacker

import (
	"bytes"
	"sort"

	"github.com/samber/oops"
)

const (
	socksVersion      = 0x05
	socksNoAcceptable = 0xFF
)

var (
	httpMethods = [][]byte{
		[]byte("GET "),
		[]byte("POST "),
		[]byte("PUT "),
		[]byte("DELETE "),
		[]byte("HEAD "),
		[]byte("OPTIONS "),
		[]byte("PATCH "),
		[]byte("CONNECT "),
		[]byte("TRACE "),
	}

	builtin = map[string]func() Adapter{
		"normal": func() Adapter { return Normal{} },
		"socks5": func() Adapter { return Socks5{} },
		"http":   func() Adapter { return HTTP{} },
	}
)

// Normal claims anything, including the empty prefix. Register it last
// unless every connection should be forwarded untouched.
type Normal struct{}

func (Normal) Name() string { return "normal" }

func (Normal) Mode() string { return ModeForward }

func (Normal) Match([]byte) Verdict { return Matched }

// Socks5 recognises a SOCKS5 greeting: version, method count, methods.
type Socks5 struct{}

func (Socks5) Name() string { return "socks5" }

func (Socks5) Mode() string { return ModeSocks }

func (Socks5) Match(prefix []byte) Verdict {
	if len(prefix) == 0 {
		return NeedMore
	}
	if prefix[0] != socksVersion {
		return Rejected
	}
	if len(prefix) < 2 {
		return NeedMore
	}
	n := int(prefix[1])
	if n == 0 {
		return Rejected
	}
	if len(prefix) < 2+n {
		return NeedMore
	}
	for _, m := range prefix[2 : 2+n] {
		if m == socksNoAcceptable {
			return Rejected
		}
	}
	return Matched
}

// HTTP recognises an HTTP/1.x request line.
type HTTP struct{}

func (HTTP) Name() string { return "http" }

func (HTTP) Mode() string { return ModeForward }

func (HTTP) Match(prefix []byte) Verdict {
	if len(prefix) == 0 {
		return NeedMore
	}
	partial := false
	for _, m := range httpMethods {
		if bytes.HasPrefix(prefix, m) {
			return Matched
		}
		if len(prefix) < len(m) && bytes.HasPrefix(m, prefix) {
			partial = true
		}
	}
	if partial {
		return NeedMore
	}
	return Rejected
}

// Lookup returns a builtin adapter by name.
func Lookup(name string) (Adapter, error) {
	if fn, ok := builtin[name]; ok {
		return fn(), nil
	}
	return nil, oops.Errorf("unknown unpacker %q, supported: %v", name, Names())
}

// Build resolves names in order.
func Build(names ...string) (adapters []Adapter, err error) {
	var a Adapter
	adapters = make([]Adapter, 0, len(names))
	for _, name := range names {
		if a, err = Lookup(name); err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return
}

func Names() []string {
	names := make([]string, 0, len(builtin))
	for k := range builtin {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
