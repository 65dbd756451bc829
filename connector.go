package burrow

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/samber/oops"
	log "github.com/sirupsen/logrus"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/multiplex/kcp"
	"github.com/uole/burrow/pkg/multiplex/mem"
	"github.com/uole/burrow/pkg/multiplex/quic"
	"github.com/uole/burrow/pkg/multiplex/tcp"
	"github.com/uole/burrow/pkg/multiplex/ws"
)

type (
	// Connector produces a fresh transport session for every (re)connect.
	Connector interface {
		Connect(ctx context.Context) (multiplex.Session, error)
	}

	ConnectorFunc func(ctx context.Context) (multiplex.Session, error)

	// DialConnector dials Addr over Transport, retrying a few times before
	// giving the failure back to the reconnect loop.
	DialConnector struct {
		Transport string
		Addr      string
		Attempts  uint
		Delay     time.Duration
		Options   []multiplex.Option
	}
)

func (fn ConnectorFunc) Connect(ctx context.Context) (multiplex.Session, error) {
	return fn(ctx)
}

func (c *DialConnector) Connect(ctx context.Context) (sess multiplex.Session, err error) {
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 1
	}
	delay := c.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	err = retry.Do(func() error {
		var e error
		sess, e = Dial(ctx, c.Transport, c.Addr, c.Options...)
		return e
	},
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debugf("dial %s://%s attempt %d failed: %s", c.Transport, c.Addr, n+1, err.Error())
		}),
	)
	return
}

// NewSocketConnector dials the control socket, picking the mem transport for
// mem sockets and transport otherwise.
func NewSocketConnector(transport string, sock Socket, attempts uint, opts ...multiplex.Option) *DialConnector {
	if sock.Kind == SocketMem {
		transport = multiplex.MEM
	}
	return &DialConnector{
		Transport: transport,
		Addr:      sock.Addr,
		Attempts:  attempts,
		Options:   opts,
	}
}

func Dial(ctx context.Context, transport, addr string, opts ...multiplex.Option) (multiplex.Session, error) {
	switch transport {
	case multiplex.TCP, "":
		return tcp.Dial(ctx, addr, opts...)
	case multiplex.KCP:
		return kcp.Dial(ctx, addr, opts...)
	case multiplex.QUIC:
		return quic.Dial(ctx, addr, opts...)
	case multiplex.WS:
		return ws.Dial(ctx, addr, opts...)
	case multiplex.MEM:
		return mem.Dial(ctx, addr, opts...)
	default:
		return nil, oops.Wrapf(ErrUnknownTransport, "%q, supported: %v", transport, multiplex.Protocols())
	}
}

func Listen(transport, addr string, opts ...multiplex.Option) (multiplex.Listener, error) {
	switch transport {
	case multiplex.TCP, "":
		return tcp.Listen(addr, opts...)
	case multiplex.KCP:
		return kcp.Listen(addr, opts...)
	case multiplex.QUIC:
		return quic.Listen(addr, opts...)
	case multiplex.WS:
		return ws.Listen(addr, opts...)
	case multiplex.MEM:
		return mem.Listen(addr, opts...)
	default:
		return nil, oops.Wrapf(ErrUnknownTransport, "%q, supported: %v", transport, multiplex.Protocols())
	}
}
