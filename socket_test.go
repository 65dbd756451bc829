package burrow

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocket(t *testing.T) {
	cases := []struct {
		in   string
		want Socket
		err  bool
	}{
		{"tcp://0.0.0.0:9999", TCP("0.0.0.0:9999"), false},
		{"127.0.0.1:22", TCP("127.0.0.1:22"), false},
		{"mem://echo", Mem("echo"), false},
		{"mem://", Socket{}, true},
		{"udp://1.2.3.4:5", Socket{}, true},
		{"tcp://nohost", Socket{}, true},
		{"", Socket{}, true},
	}
	for _, tc := range cases {
		got, err := ParseSocket(tc.in)
		if tc.err {
			assert.ErrorIs(t, err, ErrInvalidSocket, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}
	assert.Equal(t, "tcp://127.0.0.1:22", MustParseSocket("127.0.0.1:22").String())
	assert.Equal(t, "", Socket{}.String())
	assert.Panics(t, func() { MustParseSocket("bogus://x") })
}

func TestSocketListenDial(t *testing.T) {
	sock := Mem("socket-test")
	l, err := sock.Listen()
	require.NoError(t, err)
	defer l.Close()
	go func() {
		c, err := l.Accept()
		if err == nil {
			_, _ = c.Write([]byte("hi"))
			_ = c.Close()
		}
	}()
	c, err := sock.Dial(context.Background())
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(b))
}
