package aio

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/uole/burrow/internal/pool"
)

// Cursor is a fixed-capacity read buffer with separate producer and consumer
// offsets. Readers fill the unfilled tail and move produced forward; parsers
// inspect Peek and move consumed forward. consumed <= produced <= capacity
// holds at all times.
//
// A Cursor belongs to one reader at a time.
type Cursor struct {
	buf      []byte
	produced int
	consumed int
	busy     int32
}

func NewCursor(capacity int) *Cursor {
	return &Cursor{buf: pool.GetBytes(capacity)}
}

func (c *Cursor) Cap() int {
	return len(c.buf)
}

func (c *Cursor) Produced() int {
	return c.produced
}

// Position is the consumed offset.
func (c *Cursor) Position() int {
	return c.consumed
}

// Remaining is capacity minus consumed.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.consumed
}

// Free is the room left for the producer.
func (c *Cursor) Free() int {
	return len(c.buf) - c.produced
}

// Len is the number of produced bytes not yet consumed.
func (c *Cursor) Len() int {
	return c.produced - c.consumed
}

// Peek returns the produced but unconsumed bytes without copying. The view
// is only valid until the next Fill, Compact or Reset.
func (c *Cursor) Peek() []byte {
	return c.buf[c.consumed:c.produced:c.produced]
}

func (c *Cursor) Unfilled() []byte {
	return c.buf[c.produced:]
}

// Fill marks n more bytes of the unfilled region as produced.
func (c *Cursor) Fill(n int) {
	if n < 0 || c.produced+n > len(c.buf) {
		panic(fmt.Sprintf("aio: cursor fill %d overflows capacity %d (produced %d)", n, len(c.buf), c.produced))
	}
	c.produced += n
}

// Advance consumes n bytes.
func (c *Cursor) Advance(n int) {
	if n < 0 || c.consumed+n > len(c.buf) {
		panic(fmt.Sprintf("aio: cursor advance %d overflows capacity %d (consumed %d)", n, len(c.buf), c.consumed))
	}
	if c.consumed+n > c.produced {
		panic(fmt.Sprintf("aio: cursor advance %d past produced %d (consumed %d)", n, c.produced, c.consumed))
	}
	c.consumed += n
}

// Compact moves the unconsumed bytes to the front of the buffer.
func (c *Cursor) Compact() {
	if c.consumed == 0 {
		return
	}
	n := copy(c.buf, c.buf[c.consumed:c.produced])
	c.consumed = 0
	c.produced = n
}

func (c *Cursor) Reset() {
	c.consumed = 0
	c.produced = 0
}

// Read drains unconsumed bytes into p.
func (c *Cursor) Read(p []byte) (n int, err error) {
	if c.Len() == 0 {
		return 0, io.EOF
	}
	n = copy(p, c.Peek())
	c.Advance(n)
	return n, nil
}

// Acquire claims the cursor for one outstanding read.
func (c *Cursor) Acquire() error {
	if !atomic.CompareAndSwapInt32(&c.busy, 0, 1) {
		return ErrCursorBusy
	}
	return nil
}

func (c *Cursor) Unlock() {
	atomic.StoreInt32(&c.busy, 0)
}

// FillFrom performs a single read from r into the unfilled region.
func (c *Cursor) FillFrom(r io.Reader) (n int, err error) {
	if err = c.Acquire(); err != nil {
		return
	}
	defer c.Unlock()
	if c.Free() == 0 {
		return 0, ErrCursorFull
	}
	n, err = r.Read(c.Unfilled())
	if n > 0 {
		c.Fill(n)
	}
	return
}

// Release returns the backing buffer to the pool. The cursor must not be
// used afterwards.
func (c *Cursor) Release() {
	if c.buf != nil {
		pool.PutBytes(c.buf)
		c.buf = nil
	}
	c.produced, c.consumed = 0, 0
}

// ReadCursor reads once from r into c.
func ReadCursor(r io.Reader, c *Cursor) (int, error) {
	return c.FillFrom(r)
}
