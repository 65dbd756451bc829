// Package mem carries yamux sessions over memnet pipes. Nothing leaves the
// process, which makes it the transport of choice for tests.
package mem

import (
	"context"
	"net"

	"github.com/uole/burrow/pkg/memnet"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/multiplex/ymux"
)

func Listen(name string, cbs ...multiplex.Option) (multiplex.Listener, error) {
	l, err := memnet.Listen(name)
	if err != nil {
		return nil, err
	}
	return ymux.NewListener(l, multiplex.NewOptions(cbs...)), nil
}

func Dial(ctx context.Context, name string, cbs ...multiplex.Option) (multiplex.Session, error) {
	var (
		err  error
		conn net.Conn
	)
	if conn, err = memnet.Dial(ctx, name); err != nil {
		return nil, err
	}
	return ymux.Client(conn, multiplex.NewOptions(cbs...))
}
