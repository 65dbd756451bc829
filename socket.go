package burrow

import (
	"context"
	"net"
	"strings"

	"github.com/samber/oops"
	"github.com/uole/burrow/pkg/memnet"
)

const (
	SocketTCP = "tcp"
	SocketMem = "mem"
)

// Socket names an endpoint: tcp://host:port or mem://name.
type Socket struct {
	Kind string `json:"kind"`
	Addr string `json:"addr"`
}

func TCP(addr string) Socket {
	return Socket{Kind: SocketTCP, Addr: addr}
}

func Mem(name string) Socket {
	return Socket{Kind: SocketMem, Addr: name}
}

// ParseSocket accepts "tcp://host:port", "mem://name" or a bare host:port.
func ParseSocket(s string) (sock Socket, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return sock, oops.Wrapf(ErrInvalidSocket, "empty socket")
	}
	kind, addr, found := strings.Cut(s, "://")
	if !found {
		kind, addr = SocketTCP, s
	}
	switch kind {
	case SocketTCP:
		if _, _, err = net.SplitHostPort(addr); err != nil {
			return sock, oops.Wrapf(ErrInvalidSocket, "%s: %s", s, err.Error())
		}
	case SocketMem:
		if addr == "" {
			return sock, oops.Wrapf(ErrInvalidSocket, "%s: empty name", s)
		}
	default:
		return sock, oops.Wrapf(ErrInvalidSocket, "%s: unsupported kind %q", s, kind)
	}
	return Socket{Kind: kind, Addr: addr}, nil
}

func MustParseSocket(s string) Socket {
	sock, err := ParseSocket(s)
	if err != nil {
		panic(err)
	}
	return sock
}

func (s Socket) IsZero() bool {
	return s.Addr == ""
}

func (s Socket) String() string {
	if s.IsZero() {
		return ""
	}
	return s.Kind + "://" + s.Addr
}

func (s Socket) Listen() (net.Listener, error) {
	switch s.Kind {
	case SocketMem:
		return memnet.Listen(s.Addr)
	case SocketTCP:
		return net.Listen("tcp", s.Addr)
	default:
		return nil, oops.Wrapf(ErrInvalidSocket, "listen %s", s.String())
	}
}

func (s Socket) Dial(ctx context.Context) (net.Conn, error) {
	var dialer net.Dialer
	switch s.Kind {
	case SocketMem:
		return memnet.Dial(ctx, s.Addr)
	case SocketTCP:
		return dialer.DialContext(ctx, "tcp", s.Addr)
	default:
		return nil, oops.Wrapf(ErrInvalidSocket, "dial %s", s.String())
	}
}
