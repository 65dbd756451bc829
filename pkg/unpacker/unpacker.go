// Package unpacker classifies inbound connections from their first bytes.
//
// A Chain offers the bytes peeked so far to each Adapter in registration
// order. The first adapter to answer Matched claims the connection; an
// adapter answering NeedMore stops the walk until more bytes arrive, so an
// adapter registered later cannot claim a prefix an earlier one is still
// deciding on.
package unpacker

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/uole/burrow/pkg/aio"
)

type Verdict int

const (
	NeedMore Verdict = iota
	Matched
	Rejected
)

const (
	ModeForward = "forward"
	ModeSocks   = "socks"
)

const (
	DefaultCeiling     = 4096
	DefaultPeekTimeout = 3 * time.Second
)

var (
	ErrUnrecognized = errors.New("unpacker: unrecognized protocol")
)

func (v Verdict) String() string {
	switch v {
	case Matched:
		return "matched"
	case Rejected:
		return "rejected"
	default:
		return "need-more"
	}
}

type (
	// Adapter recognises one protocol. Match must not retain prefix.
	Adapter interface {
		Name() string
		Mode() string
		Match(prefix []byte) Verdict
	}

	Match struct {
		Adapter Adapter
		Prefix  []byte
		// Stream yields Prefix first and then the rest of the connection.
		Stream net.Conn
	}

	Option func(c *Chain)

	Chain struct {
		adapters    []Adapter
		ceiling     int
		peekTimeout time.Duration
	}
)

func WithCeiling(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.ceiling = n
		}
	}
}

// WithPeekTimeout sets how long a silent connection may stay undecided.
// Zero waits forever.
func WithPeekTimeout(d time.Duration) Option {
	return func(c *Chain) {
		c.peekTimeout = d
	}
}

func NewChain(opts ...Option) *Chain {
	c := &Chain{
		ceiling:     DefaultCeiling,
		peekTimeout: DefaultPeekTimeout,
	}
	for _, cb := range opts {
		cb(c)
	}
	return c
}

func (c *Chain) Append(adapters ...Adapter) *Chain {
	c.adapters = append(c.adapters, adapters...)
	return c
}

func (c *Chain) Adapters() []Adapter {
	return append([]Adapter(nil), c.adapters...)
}

func (c *Chain) Ceiling() int {
	return c.ceiling
}

// offer walks the chain over prefix. When settle is set NeedMore counts as
// Rejected.
func (c *Chain) offer(prefix []byte, settle bool) (adapter Adapter, more bool) {
	for _, a := range c.adapters {
		switch a.Match(prefix) {
		case Matched:
			return a, false
		case NeedMore:
			if !settle {
				return nil, true
			}
		}
	}
	return nil, false
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Classify peeks conn until an adapter claims it. The returned Match owns
// conn; on error the caller still owns it.
func (c *Chain) Classify(ctx context.Context, conn net.Conn) (match *Match, err error) {
	var (
		adapter Adapter
		more    bool
	)
	if len(c.adapters) == 0 {
		return nil, oops.Wrapf(ErrUnrecognized, "empty chain")
	}
	cursor := aio.NewCursor(c.ceiling)
	defer cursor.Release()

	defer func() {
		_ = conn.SetReadDeadline(time.Time{})
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		if adapter, more = c.offer(cursor.Peek(), false); adapter != nil {
			break
		}
		if !more {
			return nil, oops.Wrapf(ErrUnrecognized, "rejected by all %d adapters after %d bytes", len(c.adapters), cursor.Len())
		}
		if cursor.Free() == 0 {
			return nil, oops.Wrapf(ErrUnrecognized, "peek ceiling %d reached", c.ceiling)
		}
		if c.peekTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.peekTimeout))
		}
		if _, err = cursor.FillFrom(conn); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				if adapter, _ = c.offer(cursor.Peek(), true); adapter != nil {
					err = nil
					break
				}
				return nil, oops.Wrapf(ErrUnrecognized, "silent for %s", c.peekTimeout)
			}
			if errors.Is(err, io.EOF) {
				return nil, oops.Wrapf(ErrUnrecognized, "eof after %d bytes", cursor.Len())
			}
			return nil, err
		}
	}
	prefix := append([]byte(nil), cursor.Peek()...)
	return &Match{
		Adapter: adapter,
		Prefix:  prefix,
		Stream:  newReplayConn(conn, prefix),
	}, nil
}
