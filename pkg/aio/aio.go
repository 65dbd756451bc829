// Package aio defines the byte-stream capability every tunnel component is
// written against.
//
// A Stream may block in any of its methods; the calling goroutine is parked
// by the runtime until the transport makes progress. Protocol code never
// depends on a concrete transport: yamux, smux and quic streams, websocket
// connections and in-process pipes all reach it through Wrap.
package aio

import (
	"errors"
	"fmt"
	"io"
)

type (
	Flusher interface {
		Flush() error
	}

	// WriteHalfCloser is implemented by transports that can shut down their
	// write side while still reading, like net.TCPConn.
	WriteHalfCloser interface {
		CloseWrite() error
	}

	Stream interface {
		io.Reader
		io.Writer
		Flusher
		io.Closer
	}
)

var (
	ErrClosed     = errors.New("aio: stream closed")
	ErrTimeout    = errors.New("aio: operation timed out")
	ErrCursorBusy = errors.New("aio: cursor already in use")
	ErrCursorFull = errors.New("aio: cursor full")
)

// Error is a transport failure raised by one stream operation. A zero-byte
// read reported as io.EOF is end-of-stream and is never wrapped in Error.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("aio: %s: %s", e.Op, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err carries a transport failure.
func IsTransport(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// IsEOF reports an orderly end-of-stream.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
