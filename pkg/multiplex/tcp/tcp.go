// Package tcp carries yamux sessions over plain TCP.
package tcp

import (
	"context"
	"net"

	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/multiplex/ymux"
)

func Listen(addr string, cbs ...multiplex.Option) (multiplex.Listener, error) {
	var (
		err    error
		listen net.Listener
	)
	opts := multiplex.NewOptions(cbs...)
	if listen, err = net.Listen("tcp", addr); err != nil {
		return nil, err
	} else {
		return ymux.NewListener(listen, opts), nil
	}
}

func Dial(ctx context.Context, addr string, cbs ...multiplex.Option) (multiplex.Session, error) {
	var (
		err  error
		conn net.Conn
	)
	opts := multiplex.NewOptions(cbs...)
	dialer := net.Dialer{
		Timeout:   opts.HandshakeTimeout,
		KeepAlive: opts.KeepAlive,
	}
	if conn, err = dialer.DialContext(ctx, "tcp", addr); err != nil {
		return nil, err
	} else {
		return ymux.Client(conn, opts)
	}
}
