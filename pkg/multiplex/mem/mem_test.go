package mem

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uole/burrow/pkg/multiplex"
)

func echoServer(t *testing.T, name string, cbs ...multiplex.Option) {
	t.Helper()
	l, err := Listen(name, cbs...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
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
				_, _ = io.Copy(s, s)
				_ = s.Close()
			}()
		}
	}()
}

func echo(t *testing.T, sess multiplex.Session, msg string) {
	t.Helper()
	s, err := sess.OpenStream(context.Background())
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestOpenAccept(t *testing.T) {
	echoServer(t, "mux-mem-open")
	client, err := Dial(context.Background(), "mux-mem-open")
	require.NoError(t, err)
	assert.False(t, client.IsClosed())

	echo(t, client, "hello")
	echo(t, client, "second stream")

	require.NoError(t, client.Close())
	assert.True(t, client.IsClosed())
}

func TestEncryptedTransport(t *testing.T) {
	key := multiplex.WithKey([]byte("secret"))
	echoServer(t, "mux-mem-key", key)
	client, err := Dial(context.Background(), "mux-mem-key", key)
	require.NoError(t, err)
	defer client.Close()
	echo(t, client, "over an obscured pipe")
}

func TestDialUnknown(t *testing.T) {
	_, err := Dial(context.Background(), "mux-mem-nobody")
	assert.Error(t, err)
}
