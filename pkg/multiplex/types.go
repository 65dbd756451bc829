// Package multiplex abstracts the transport a client and server share.
// Every backend turns one underlying connection into many independent
// streams; the first stream a client opens is the control stream.
package multiplex

import (
	"context"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	TCP  = "tcp"
	KCP  = "kcp"
	QUIC = "quic"
	WS   = "ws"
	MEM  = "mem"
)

type (
	Listener interface {
		Accept(ctx context.Context) (Session, error)
		Addr() net.Addr
		Close() (err error)
	}

	Session interface {
		Addr() net.Addr
		OpenStream(ctx context.Context) (Stream, error)
		AcceptStream(ctx context.Context) (Stream, error)
		IsClosed() bool
		Close() error
	}

	Stream interface {
		io.ReadWriteCloser
	}

	Options struct {
		// Key encrypts the whole transport; kcp requires one.
		Key              []byte
		KeepAlive        time.Duration
		HandshakeTimeout time.Duration
		Logger           *log.Entry
	}

	Option func(o *Options)
)

func WithKey(key []byte) Option {
	return func(o *Options) {
		o.Key = key
	}
}

func WithKeepAlive(d time.Duration) Option {
	return func(o *Options) {
		o.KeepAlive = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.HandshakeTimeout = d
	}
}

func WithLogger(entry *log.Entry) Option {
	return func(o *Options) {
		o.Logger = entry
	}
}

func NewOptions(cbs ...Option) *Options {
	opts := &Options{
		KeepAlive:        30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		Logger:           log.WithField("component", "multiplex"),
	}
	for _, cb := range cbs {
		cb(opts)
	}
	return opts
}

// Protocols lists the backend names accepted by Dial and Listen in the root
// package.
func Protocols() []string {
	return []string{TCP, KCP, QUIC, WS, MEM}
}
