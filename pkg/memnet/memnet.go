// Package memnet provides named in-process listeners. Dialing a name hands
// one end of a synchronous net.Pipe to the listener and returns the other.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
)

const Network = "mem"

var (
	ErrAddrInUse = errors.New("memnet: address already in use")
	ErrRefused   = errors.New("memnet: connection refused")

	mutex     sync.RWMutex
	listeners = make(map[string]*Listener)
	dialSeq   uint64
)

type (
	Addr string

	Listener struct {
		name      string
		conns     chan net.Conn
		closeFlag int32
		done      chan struct{}
	}

	conn struct {
		net.Conn
		local  net.Addr
		remote net.Addr
	}
)

func (a Addr) Network() string { return Network }

func (a Addr) String() string { return string(a) }

func (c *conn) LocalAddr() net.Addr { return c.local }

func (c *conn) RemoteAddr() net.Addr { return c.remote }

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closeFlag, 0, 1) {
		return nil
	}
	mutex.Lock()
	if listeners[l.name] == l {
		delete(listeners, l.name)
	}
	mutex.Unlock()
	close(l.done)
	return nil
}

func (l *Listener) Addr() net.Addr {
	return Addr(l.name)
}

// Listen registers name. Names are process wide.
func Listen(name string) (*Listener, error) {
	mutex.Lock()
	defer mutex.Unlock()
	if _, ok := listeners[name]; ok {
		return nil, oops.Wrapf(ErrAddrInUse, "mem://%s", name)
	}
	l := &Listener{
		name:  name,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	listeners[name] = l
	return l, nil
}

func Dial(ctx context.Context, name string) (net.Conn, error) {
	mutex.RLock()
	l, ok := listeners[name]
	mutex.RUnlock()
	if !ok {
		return nil, oops.Wrapf(ErrRefused, "mem://%s", name)
	}
	a, b := net.Pipe()
	caller := Addr(fmt.Sprintf("%s#%d", name, atomic.AddUint64(&dialSeq, 1)))
	server := &conn{Conn: b, local: Addr(name), remote: caller}
	client := &conn{Conn: a, local: caller, remote: Addr(name)}
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		_ = a.Close()
		_ = b.Close()
		return nil, oops.Wrapf(ErrRefused, "mem://%s", name)
	case <-ctx.Done():
		_ = a.Close()
		_ = b.Close()
		return nil, ctx.Err()
	}
}
