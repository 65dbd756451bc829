package burrow

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/sizestr"
	log "github.com/sirupsen/logrus"
	"github.com/uole/burrow/pkg/aio"
	"golang.org/x/sync/errgroup"
)

type halfCloser interface {
	CanHalfClose() bool
	CloseWrite() error
}

// Pair bridges a local connection and a tunnel stream. Upstream counts
// bytes moved from local to tunnel, downstream the reverse.
type Pair struct {
	ID         string
	Adapter    string
	Mode       string
	Remote     string
	local      aio.Stream
	tunnel     aio.Stream
	upstream   int64
	downstream int64
	createdAt  time.Time
	closeOnce  sync.Once
	done       chan struct{}
	log        *log.Entry
}

func NewPair(id string, local, tunnel io.ReadWriteCloser) *Pair {
	return &Pair{
		ID:        id,
		local:     aio.Wrap(local),
		tunnel:    aio.Wrap(tunnel),
		createdAt: time.Now(),
		done:      make(chan struct{}),
		log:       log.WithField("pair", id),
	}
}

func (p *Pair) Upstream() int64 {
	return atomic.LoadInt64(&p.upstream)
}

func (p *Pair) Downstream() int64 {
	return atomic.LoadInt64(&p.downstream)
}

func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// finish ends the write side of dst after its source hit EOF. Without
// half-close support the whole pair goes down.
func (p *Pair) finish(dst aio.Stream) {
	if hc, ok := dst.(halfCloser); ok && hc.CanHalfClose() {
		if err := hc.CloseWrite(); err == nil {
			return
		}
	}
	_ = p.Close()
}

func (p *Pair) pipe(dst, src aio.Stream, counter *int64, direction string) error {
	_, err := aio.Copy(dst, src, func(n int64) {
		atomic.AddInt64(counter, n)
		metricPairBytes.WithLabelValues(direction).Add(float64(n))
	})
	if err == nil {
		p.finish(dst)
		return nil
	}
	_ = p.Close()
	if errors.Is(err, aio.ErrClosed) {
		return nil
	}
	return err
}

// Run bridges until both directions end or ctx is done. Closing the pair
// never touches sibling pairs or the session.
func (p *Pair) Run(ctx context.Context) (err error) {
	var g errgroup.Group
	metricPairsActive.Inc()
	stop := context.AfterFunc(ctx, func() {
		_ = p.Close()
	})
	defer func() {
		stop()
		_ = p.Close()
		metricPairsActive.Dec()
		metricPairDuration.Observe(time.Since(p.createdAt).Seconds())
		p.log.Debugf("pair closed after %s, upstream %s downstream %s",
			time.Since(p.createdAt).Round(time.Millisecond),
			sizestr.ToString(p.Upstream()),
			sizestr.ToString(p.Downstream()))
	}()
	g.Go(func() error {
		return p.pipe(p.tunnel, p.local, &p.upstream, "upstream")
	})
	g.Go(func() error {
		return p.pipe(p.local, p.tunnel, &p.downstream, "downstream")
	})
	return g.Wait()
}

func (p *Pair) Close() (err error) {
	p.closeOnce.Do(func() {
		close(p.done)
		err = errors.Join(p.local.Close(), p.tunnel.Close())
	})
	return
}

func (p *Pair) Info() PairInfo {
	return PairInfo{
		ID:         p.ID,
		Adapter:    p.Adapter,
		Mode:       p.Mode,
		Remote:     p.Remote,
		Upstream:   p.Upstream(),
		Downstream: p.Downstream(),
		CreatedAt:  p.createdAt,
	}
}
