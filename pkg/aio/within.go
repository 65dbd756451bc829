package aio

import (
	"context"
	"io"
	"time"

	"github.com/uole/burrow/internal/pool"
)

const copyBufferSize = 16 * 1024

// Within runs fn and waits until it returns, d elapses or ctx is done,
// whichever comes first. On timeout or cancellation closer is closed so the
// I/O blocked inside fn returns and its goroutine exits. d <= 0 disables the
// timer.
func Within(ctx context.Context, d time.Duration, closer io.Closer, fn func() error) error {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-timer:
		if closer != nil {
			_ = closer.Close()
		}
		return ErrTimeout
	case <-ctx.Done():
		if closer != nil {
			_ = closer.Close()
		}
		return ctx.Err()
	}
}

// Copy moves bytes from src to dst until EOF or error, adding every chunk
// written to *counter. A Stream destination is flushed after each chunk.
func Copy(dst io.Writer, src io.Reader, counter func(int64)) (written int64, err error) {
	buf := pool.GetBytes(copyBufferSize)
	defer pool.PutBytes(buf)
	flusher, _ := dst.(Flusher)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			if nw < 0 || nr < nw {
				nw = 0
				if ew == nil {
					ew = io.ErrShortWrite
				}
			}
			written += int64(nw)
			if counter != nil {
				counter(int64(nw))
			}
			if ew == nil && flusher != nil {
				ew = flusher.Flush()
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	return written, err
}
