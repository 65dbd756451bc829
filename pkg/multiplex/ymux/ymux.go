// Package ymux runs a yamux session over any net.Conn. The tcp, ws and mem
// backends differ only in how they obtain that connection.
package ymux

import (
	"context"
	"net"

	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/stream"
)

const maxStreamWindowSize = 512 * 1024

type (
	Session struct {
		conn net.Conn
		sess *yamux.Session
	}

	// Listener adapts a net.Listener producing raw connections.
	Listener struct {
		l    net.Listener
		opts *multiplex.Options
	}
)

func config(opts *multiplex.Options) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.MaxStreamWindowSize = maxStreamWindowSize
	cfg.EnableKeepAlive = opts.KeepAlive > 0
	if opts.KeepAlive > 0 {
		cfg.KeepAliveInterval = opts.KeepAlive
	}
	cfg.LogOutput = opts.Logger.WriterLevel(log.DebugLevel)
	return cfg
}

func secure(conn net.Conn, opts *multiplex.Options) net.Conn {
	if len(opts.Key) == 0 {
		return conn
	}
	return stream.New(conn, stream.WithEncrypt(opts.Key))
}

// Client starts the dialing side of a session on conn.
func Client(conn net.Conn, opts *multiplex.Options) (*Session, error) {
	sess, err := yamux.Client(secure(conn, opts), config(opts))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{conn: conn, sess: sess}, nil
}

func Server(conn net.Conn, opts *multiplex.Options) (*Session, error) {
	sess, err := yamux.Server(secure(conn, opts), config(opts))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Session{conn: conn, sess: sess}, nil
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.Stream, error) {
	return sess.sess.OpenStream()
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.Stream, error) {
	return sess.sess.AcceptStreamWithContext(ctx)
}

func (sess *Session) Addr() net.Addr {
	return sess.conn.RemoteAddr()
}

func (sess *Session) IsClosed() bool {
	return sess.sess.IsClosed()
}

func (sess *Session) Close() error {
	return sess.sess.Close()
}

func NewListener(l net.Listener, opts *multiplex.Options) *Listener {
	return &Listener{l: l, opts: opts}
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	if conn, err := l.l.Accept(); err != nil {
		return nil, err
	} else {
		return Server(conn, l.opts)
	}
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() (err error) {
	return l.l.Close()
}
