// Package quic maps sessions onto QUIC connections and streams directly.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/uole/burrow/pkg/multiplex"
)

const (
	nextProto = "burrow/1"

	closeCode = 0x100
)

type (
	Listener struct {
		l *quic.Listener
	}

	Session struct {
		conn quic.Connection
	}

	// stream closes both directions on Close. A bare quic.Stream Close only
	// ends the send side, leaving unread peer data buffered.
	stream struct {
		quic.Stream
	}
)

func init() {
	os.Setenv("QUIC_GO_DISABLE_RECEIVE_BUFFER_WARNING", "true")
}

func config(opts *multiplex.Options) *quic.Config {
	cfg := &quic.Config{
		MaxIdleTimeout:        time.Second * 80,
		HandshakeIdleTimeout:  opts.HandshakeTimeout,
		MaxIncomingStreams:    1024,
		MaxIncomingUniStreams: -1,
	}
	if opts.KeepAlive > 0 {
		cfg.KeepAlivePeriod = opts.KeepAlive
	}
	return cfg
}

// selfSigned returns a throwaway certificate. Clients do not verify it; the
// handshake token authenticates the peer.
func selfSigned() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "burrow"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{nextProto},
	}, nil
}

func (sess *Session) Addr() net.Addr {
	return sess.conn.RemoteAddr()
}

// CloseWrite sends FIN and keeps reading.
func (s *stream) CloseWrite() error {
	return s.Stream.Close()
}

func (s *stream) Close() error {
	s.Stream.CancelRead(closeCode)
	return s.Stream.Close()
}

func (sess *Session) OpenStream(ctx context.Context) (multiplex.Stream, error) {
	s, err := sess.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{Stream: s}, nil
}

func (sess *Session) AcceptStream(ctx context.Context) (multiplex.Stream, error) {
	s, err := sess.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{Stream: s}, nil
}

func (sess *Session) IsClosed() bool {
	return sess.conn.Context().Err() != nil
}

func (sess *Session) Close() error {
	return sess.conn.CloseWithError(closeCode, "closed")
}

func (l *Listener) Accept(ctx context.Context) (multiplex.Session, error) {
	if conn, err := l.l.Accept(ctx); err == nil {
		return &Session{conn: conn}, nil
	} else {
		return nil, err
	}
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() error {
	return l.l.Close()
}

func Listen(addr string, cbs ...multiplex.Option) (multiplex.Listener, error) {
	var (
		err    error
		tlsCfg *tls.Config
		listen *quic.Listener
	)
	opts := multiplex.NewOptions(cbs...)
	if tlsCfg, err = selfSigned(); err != nil {
		return nil, err
	}
	if listen, err = quic.ListenAddr(addr, tlsCfg, config(opts)); err != nil {
		return nil, err
	}
	return &Listener{l: listen}, nil
}

func Dial(ctx context.Context, addr string, cbs ...multiplex.Option) (multiplex.Session, error) {
	var (
		err  error
		conn quic.Connection
	)
	opts := multiplex.NewOptions(cbs...)
	if conn, err = quic.DialAddr(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{nextProto},
	}, config(opts)); err != nil {
		return nil, err
	} else {
		return &Session{conn: conn}, nil
	}
}
