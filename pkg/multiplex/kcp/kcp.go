// Package kcp carries smux sessions over KCP, a reliable ARQ protocol on
// UDP that keeps working where TCP is throttled.
package kcp

import (
	"context"
	"net"

	"github.com/samber/oops"
	"github.com/uole/burrow/pkg/multiplex"
	kcp "github.com/xtaci/kcp-go"
	"github.com/xtaci/smux"
)

const (
	dataShards   = 10
	parityShards = 3
)

var (
	defaultKey = []byte("burrow-kcp")
)

type (
	Listener struct {
		l    *kcp.Listener
		opts *multiplex.Options
	}

	Session struct {
		conn net.Conn
		sess *smux.Session
	}
)

func config(opts *multiplex.Options) *smux.Config {
	cfg := smux.DefaultConfig()
	if opts.KeepAlive > 0 {
		cfg.KeepAliveInterval = opts.KeepAlive
		if cfg.KeepAliveTimeout < 3*opts.KeepAlive {
			cfg.KeepAliveTimeout = 3 * opts.KeepAlive
		}
	}
	return cfg
}

func blockCrypt(opts *multiplex.Options) (kcp.BlockCrypt, error) {
	key := opts.Key
	if len(key) == 0 {
		key = defaultKey
	}
	return kcp.NewSimpleXORBlockCrypt(key)
}

func tune(conn *kcp.UDPSession) {
	conn.SetStreamMode(true)
	conn.SetWriteDelay(false)
	conn.SetNoDelay(1, 20, 2, 1)
	conn.SetWindowSize(1024, 1024)
	conn.SetACKNoDelay(true)
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.Stream, error) {
	return sess.sess.OpenStream()
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.Stream, error) {
	type result struct {
		s   *smux.Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := sess.sess.AcceptStream()
		ch <- result{s, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.s, nil
	case <-ctx.Done():
		// the pending accept completes once the session closes
		return nil, ctx.Err()
	}
}

func (sess *Session) Addr() net.Addr {
	return sess.conn.RemoteAddr()
}

func (sess *Session) IsClosed() bool {
	return sess.sess.IsClosed()
}

func (sess *Session) Close() error {
	err := sess.sess.Close()
	_ = sess.conn.Close()
	return err
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	var (
		err  error
		conn *kcp.UDPSession
		sess *smux.Session
	)
	if conn, err = l.l.AcceptKCP(); err != nil {
		return nil, err
	}
	tune(conn)
	if sess, err = smux.Server(conn, config(l.opts)); err != nil {
		_ = conn.Close()
		return nil, oops.Wrapf(err, "smux server")
	}
	return &Session{conn: conn, sess: sess}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() (err error) {
	return l.l.Close()
}

func Listen(addr string, cbs ...multiplex.Option) (multiplex.Listener, error) {
	var (
		err    error
		listen *kcp.Listener
		block  kcp.BlockCrypt
	)
	opts := multiplex.NewOptions(cbs...)
	if block, err = blockCrypt(opts); err != nil {
		return nil, err
	}
	if listen, err = kcp.ListenWithOptions(addr, block, dataShards, parityShards); err != nil {
		return nil, err
	} else {
		return &Listener{l: listen, opts: opts}, nil
	}
}

func Dial(ctx context.Context, addr string, cbs ...multiplex.Option) (multiplex.Session, error) {
	var (
		err   error
		conn  *kcp.UDPSession
		block kcp.BlockCrypt
		sess  *smux.Session
	)
	opts := multiplex.NewOptions(cbs...)
	if block, err = blockCrypt(opts); err != nil {
		return nil, err
	}
	if conn, err = kcp.DialWithOptions(addr, block, dataShards, parityShards); err != nil {
		return nil, err
	}
	tune(conn)
	if sess, err = smux.Client(conn, config(opts)); err != nil {
		_ = conn.Close()
		return nil, oops.Wrapf(err, "smux client")
	}
	return &Session{conn: conn, sess: sess}, nil
}
