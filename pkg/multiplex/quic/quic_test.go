package quic

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uole/burrow/pkg/multiplex"
)

func TestLoopback(t *testing.T) {
	l, err := Listen("127.0.0.1:0", multiplex.WithHandshakeTimeout(2*time.Second))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		sess, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		s, err := sess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		_, _ = io.Copy(s, s)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	defer sess.Close()

	s, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("quic"))
	require.NoError(t, err)
	buf := make([]byte, len("quic"))
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "quic", string(buf))
	assert.False(t, sess.IsClosed())

	require.NoError(t, sess.Close())
	assert.Eventually(t, sess.IsClosed, time.Second, 10*time.Millisecond)
}

func TestStreamHalfCloseAndClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0", multiplex.WithHandshakeTimeout(2*time.Second))
	require.NoError(t, err)
	defer l.Close()

	go func() {
		sess, err := l.Accept(context.Background())
		if err != nil {
			return
		}
		for {
			s, err := sess.AcceptStream(context.Background())
			if err != nil {
				return
			}
			go func() {
				defer s.Close()
				_, _ = io.Copy(s, s)
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := Dial(ctx, l.Addr().String())
	require.NoError(t, err)
	defer sess.Close()

	s, err := sess.OpenStream(ctx)
	require.NoError(t, err)
	hc, ok := s.(interface{ CloseWrite() error })
	require.True(t, ok)
	_, err = s.Write([]byte("half"))
	require.NoError(t, err)
	require.NoError(t, hc.CloseWrite())
	got, err := io.ReadAll(s)
	require.NoError(t, err, "read side stays open after CloseWrite")
	assert.Equal(t, "half", string(got))
	require.NoError(t, s.Close())

	s, err = sess.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	read := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 1))
		read <- err
	}()
	select {
	case err = <-read:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("read on a closed stream blocked")
	}
}
