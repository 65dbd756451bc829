package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/uole/burrow/internal/crypto"
	"github.com/uole/burrow/internal/pool"
	"github.com/uole/burrow/pkg/aio"
	"github.com/uole/burrow/pkg/codec"
)

const (
	typeEncryption = 0x0040
	typeCompress   = 0x0080

	Ver               = 0xFB
	headLength        = 6
	minCompressLength = 512

	MaxFrameLength = 4 * 1024 * 1024
	// MaxWriteChunk bounds the plaintext carried by one frame.
	MaxWriteChunk = 64 * 1024
)

var (
	ErrDecode = errors.New("stream: malformed frame")
)

type (
	// Conn frames every Write as ver|flag|len|payload and decodes frames on
	// Read, so the wrapped transport needs no message boundaries of its own.
	Conn struct {
		opts      *Options
		rw        io.ReadWriter
		buf       *aio.Cursor
		wmutex    sync.Mutex
		closeFlag int32
	}

	Option func(o *Options)

	Options struct {
		Codec   codec.Codec
		Encrypt *crypto.XOR
	}
)

func (conn *Conn) compressed() bool {
	return conn.opts.Codec != nil && conn.opts.Codec.Name() != codec.NameNone
}

func (conn *Conn) tryRead() (err error) {
	var (
		n    int
		flag uint8
		head []byte
		src  []byte
		dst  []byte
		p    []byte
	)
	head = pool.GetBytes(headLength)
	defer pool.PutBytes(head)
	if _, err = io.ReadFull(conn.rw, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = oops.Wrapf(ErrDecode, "truncated frame header")
		}
		return
	}
	if head[0] != Ver {
		return oops.Wrapf(ErrDecode, "invalid stream protocol version 0x%02X", head[0])
	}
	flag = head[1]
	length := binary.BigEndian.Uint32(head[2:])
	if length > MaxFrameLength {
		return oops.Wrapf(ErrDecode, "frame length %d exceeds %d", length, MaxFrameLength)
	}
	src = pool.GetBytes(int(length))
	defer pool.PutBytes(src)
	if _, err = io.ReadFull(conn.rw, src); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = oops.Wrapf(ErrDecode, "truncated frame payload")
		}
		return
	}
	//encrypted
	if ((flag >> 6) & 1) == 1 {
		if conn.opts.Encrypt == nil {
			return oops.Wrapf(ErrDecode, "encrypted frame without key")
		}
		conn.opts.Encrypt.Apply(src)
	}
	//compressed
	if ((flag >> 7) & 1) == 1 {
		if !conn.compressed() {
			return oops.Wrapf(ErrDecode, "compressed frame without codec")
		}
		if n, err = conn.opts.Codec.DecodedLen(src); err != nil {
			return oops.Wrapf(ErrDecode, "codec %s: %s", conn.opts.Codec.Name(), err.Error())
		}
		if n > MaxFrameLength {
			return oops.Wrapf(ErrDecode, "decoded length %d exceeds %d", n, MaxFrameLength)
		}
		dst = pool.GetBytes(n)
		defer pool.PutBytes(dst)
		if p, err = conn.opts.Codec.Decode(dst, src); err != nil {
			return oops.Wrapf(ErrDecode, "codec %s: %s", conn.opts.Codec.Name(), err.Error())
		}
	} else {
		p = src
	}
	conn.buf.Reset()
	if len(p) > conn.buf.Cap() {
		conn.buf.Release()
		conn.buf = aio.NewCursor(len(p))
	}
	conn.buf.Fill(copy(conn.buf.Unfilled(), p))
	return
}

func (conn *Conn) Read(b []byte) (n int, err error) {
	if atomic.LoadInt32(&conn.closeFlag) == 1 {
		return 0, aio.ErrClosed
	}
	for conn.buf.Len() == 0 {
		if err = conn.tryRead(); err != nil {
			return
		}
	}
	return conn.buf.Read(b)
}

func (conn *Conn) writeFrame(b []byte) (err error) {
	var (
		flag uint8
		p    []byte
		nw   int64
	)
	length := len(b)
	w := pool.GetBuffer()
	defer pool.PutBuffer(w)
	if err = w.WriteByte(Ver); err != nil {
		return
	}
	if conn.compressed() && length > minCompressLength {
		flag |= typeCompress
		buf := pool.GetBytes(conn.opts.Codec.MaxEncodedLen(length))
		defer pool.PutBytes(buf)
		if p, err = conn.opts.Codec.Encode(buf, b); err != nil {
			return
		}
	} else {
		buf := pool.GetBytes(length)
		defer pool.PutBytes(buf)
		p = buf[:copy(buf, b)]
	}
	if conn.opts.Encrypt != nil {
		flag |= typeEncryption
		conn.opts.Encrypt.Apply(p)
	}
	//grant random number
	flag |= uint8(rand.Int31n(63))
	if err = w.WriteByte(flag); err != nil {
		return
	}
	if err = binary.Write(w, binary.BigEndian, uint32(len(p))); err != nil {
		return
	}
	if _, err = w.Write(p); err != nil {
		return
	}
	expect := int64(w.Len())
	if nw, err = w.WriteTo(conn.rw); err == nil {
		if nw != expect {
			err = io.ErrShortWrite
		}
	}
	return
}

func (conn *Conn) Write(b []byte) (n int, err error) {
	if atomic.LoadInt32(&conn.closeFlag) == 1 {
		return 0, aio.ErrClosed
	}
	conn.wmutex.Lock()
	defer conn.wmutex.Unlock()
	for len(b) > 0 {
		chunk := b
		if len(chunk) > MaxWriteChunk {
			chunk = chunk[:MaxWriteChunk]
		}
		if err = conn.writeFrame(chunk); err != nil {
			return
		}
		n += len(chunk)
		b = b[len(chunk):]
	}
	return
}

func (conn *Conn) Flush() error {
	if f, ok := conn.rw.(aio.Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (conn *Conn) Close() (err error) {
	if !atomic.CompareAndSwapInt32(&conn.closeFlag, 0, 1) {
		return
	}
	if c, ok := conn.rw.(io.Closer); ok {
		err = c.Close()
	}
	return
}

func (conn *Conn) LocalAddr() net.Addr {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.LocalAddr()
	}
	return nil
}

func (conn *Conn) RemoteAddr() net.Addr {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.RemoteAddr()
	}
	return nil
}

func (conn *Conn) SetDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetDeadline(t)
	}
	return nil
}

func (conn *Conn) SetReadDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetReadDeadline(t)
	}
	return nil
}

func (conn *Conn) SetWriteDeadline(t time.Time) error {
	if c, ok := conn.rw.(net.Conn); ok {
		return c.SetWriteDeadline(t)
	}
	return nil
}

func (conn *Conn) String() string {
	name := codec.NameNone
	if conn.opts.Codec != nil {
		name = conn.opts.Codec.Name()
	}
	return fmt.Sprintf("stream(codec=%s, encrypt=%t)", name, conn.opts.Encrypt != nil)
}

func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

func WithCompress() Option {
	return WithCodec(codec.Snappy{})
}

func WithEncrypt(key []byte) Option {
	return func(o *Options) {
		if len(key) > 0 {
			o.Encrypt = crypto.NewXorEncrypt(key)
		} else {
			o.Encrypt = nil
		}
	}
}

// New wraps rw. Without options frames are written in the clear.
func New(rw io.ReadWriter, cbs ...Option) *Conn {
	opts := &Options{}
	for _, cb := range cbs {
		cb(opts)
	}
	conn := &Conn{
		rw:   rw,
		opts: opts,
		buf:  aio.NewCursor(MaxWriteChunk),
	}
	return conn
}
