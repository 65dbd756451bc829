// Package ws tunnels yamux sessions through websocket connections, for
// networks that only let HTTP out.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samber/oops"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/multiplex/ymux"
)

const (
	Path        = "/burrow/tunnel"
	Subprotocol = "burrow-v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Listener struct {
	l      net.Listener
	opts   *multiplex.Options
	server *http.Server
	conns  chan net.Conn
	once   sync.Once
	done   chan struct{}
}

func (l *Listener) handle(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.opts.Logger.Debugf("websocket upgrade from %s failed: %s", r.RemoteAddr, err.Error())
		return
	}
	select {
	case l.conns <- newConn(wsConn):
	case <-l.done:
		_ = wsConn.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	select {
	case conn := <-l.conns:
		return ymux.Server(conn, l.opts)
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() (err error) {
	l.once.Do(func() {
		close(l.done)
		err = l.server.Close()
	})
	return
}

func Listen(addr string, cbs ...multiplex.Option) (multiplex.Listener, error) {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		l:     listen,
		opts:  multiplex.NewOptions(cbs...),
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, l.handle)
	l.server = &http.Server{Handler: mux}
	go func() {
		if err := l.server.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.opts.Logger.Warnf("websocket listener %s stopped: %s", addr, err.Error())
		}
	}()
	return l, nil
}

// URL turns a host:port or ws(s):// address into the tunnel endpoint.
func URL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		if strings.Count(addr, "/") <= 2 {
			return addr + Path
		}
		return addr
	}
	return "ws://" + addr + Path
}

func Dial(ctx context.Context, addr string, cbs ...multiplex.Option) (multiplex.Session, error) {
	opts := multiplex.NewOptions(cbs...)
	d := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}
	wsConn, _, err := d.DialContext(ctx, URL(addr), nil)
	if err != nil {
		return nil, oops.Wrapf(err, "websocket dial %s", addr)
	}
	return ymux.Client(newConn(wsConn), opts)
}
