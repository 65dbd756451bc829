package aio

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// Conn adapts any io.ReadWriteCloser to Stream.
type Conn struct {
	rwc       io.ReadWriteCloser
	closeFlag int32
	closeChan chan struct{}
}

// Wrap returns rwc as a Stream. Wrapping an existing *Conn returns it as is.
func Wrap(rwc io.ReadWriteCloser) *Conn {
	if c, ok := rwc.(*Conn); ok {
		return c
	}
	return &Conn{
		rwc:       rwc,
		closeChan: make(chan struct{}),
	}
}

func (c *Conn) isClosed() bool {
	return atomic.LoadInt32(&c.closeFlag) == 1
}

func (c *Conn) fault(op string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}
	if _, ok := err.(*Error); ok {
		return err
	}
	return &Error{Op: op, Err: err}
}

func (c *Conn) Read(p []byte) (n int, err error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	n, err = c.rwc.Read(p)
	return n, c.fault("read", err)
}

func (c *Conn) Write(p []byte) (n int, err error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	n, err = c.rwc.Write(p)
	return n, c.fault("write", err)
}

func (c *Conn) Flush() error {
	if c.isClosed() {
		return ErrClosed
	}
	if f, ok := c.rwc.(Flusher); ok {
		return c.fault("flush", f.Flush())
	}
	return nil
}

// CloseWrite half-closes the stream when the transport supports it,
// otherwise it closes the stream.
func (c *Conn) CloseWrite() error {
	if c.isClosed() {
		return nil
	}
	if hc, ok := c.rwc.(WriteHalfCloser); ok {
		return c.fault("close-write", hc.CloseWrite())
	}
	return c.Close()
}

// CanHalfClose reports whether CloseWrite keeps the read side open.
func (c *Conn) CanHalfClose() bool {
	_, ok := c.rwc.(WriteHalfCloser)
	return ok
}

// Close closes the underlying resource exactly once.
func (c *Conn) Close() (err error) {
	if !atomic.CompareAndSwapInt32(&c.closeFlag, 0, 1) {
		return
	}
	close(c.closeChan)
	if err = c.rwc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.closeChan
}

func (c *Conn) Unwrap() io.ReadWriteCloser {
	return c.rwc
}

func (c *Conn) LocalAddr() net.Addr {
	if v, ok := c.rwc.(interface{ LocalAddr() net.Addr }); ok {
		return v.LocalAddr()
	}
	return pipeAddr{}
}

func (c *Conn) RemoteAddr() net.Addr {
	if v, ok := c.rwc.(interface{ RemoteAddr() net.Addr }); ok {
		return v.RemoteAddr()
	}
	return pipeAddr{}
}

func (c *Conn) SetDeadline(t time.Time) error {
	if v, ok := c.rwc.(interface{ SetDeadline(time.Time) error }); ok {
		return v.SetDeadline(t)
	}
	return os.ErrNoDeadline
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if v, ok := c.rwc.(interface{ SetReadDeadline(time.Time) error }); ok {
		return v.SetReadDeadline(t)
	}
	return os.ErrNoDeadline
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if v, ok := c.rwc.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return v.SetWriteDeadline(t)
	}
	return os.ErrNoDeadline
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// NetConn presents rwc as a net.Conn for libraries that insist on one.
func NetConn(rwc io.ReadWriteCloser) net.Conn {
	if nc, ok := rwc.(net.Conn); ok {
		return nc
	}
	return Wrap(rwc)
}
