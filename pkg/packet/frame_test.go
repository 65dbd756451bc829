package packet

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	req := HandshakeRequest{Token: "t", ClientID: "c1", Bind: "tcp://0.0.0.0:9999", Target: "tcp://127.0.0.1:22"}
	require.NoError(t, WriteFrame(&buf, NewFrame(TypeHandshakeRequest, 7, req)))
	require.NoError(t, WriteFrame(&buf, NewRawFrame(TypeMessage, 8, []byte("hi"))))

	f, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint8(TypeHandshakeRequest), f.Type)
	assert.Equal(t, uint16(7), f.Sequence)
	var got HandshakeRequest
	require.NoError(t, f.Decode(&got))
	assert.Equal(t, req, got)

	f, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, "message", TypeName(f.Type))
	assert.Equal(t, []byte("hi"), f.Buf)

	_, err = ReadFrame(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestBytesMatchesWriteFrame(t *testing.T) {
	f := NewFrame(TypePing, 3, PingRequest{Timestamp: 42})
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, f))
	assert.Equal(t, buf.Bytes(), f.Bytes())
}

func TestInvalidFrames(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x01, TypePing, 0, 1, 0, 0}))
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = ReadFrame(bytes.NewReader([]byte{Var, TypePing, 0, 1, 0, 9, '{'}))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	f := NewRawFrame(TypePing, 1, []byte("not json"))
	assert.ErrorIs(t, f.Decode(&PingRequest{}), ErrInvalidFrame)

	err = WriteFrame(io.Discard, NewRawFrame(TypeMessage, 1, []byte(strings.Repeat("x", 70000))))
	assert.ErrorIs(t, err, ErrTooLarge)
}

type loopback struct {
	bytes.Buffer
}

func TestSendRecvSequence(t *testing.T) {
	lb := &loopback{}
	res, err := SendRecv(lb, NewFrame(TypePing, 11, PingRequest{Timestamp: 1}))
	require.NoError(t, err)
	assert.Equal(t, uint16(11), res.Sequence)

	rw := struct {
		io.Reader
		io.Writer
	}{
		Reader: bytes.NewReader(NewFrame(TypePong, 12, nil).Bytes()),
		Writer: io.Discard,
	}
	_, err = SendRecv(rw, NewFrame(TypePing, 13, nil))
	assert.ErrorIs(t, err, ErrSequence)
}

func TestCodeText(t *testing.T) {
	assert.Equal(t, "success", CodeText(CodeSuccess))
	assert.Equal(t, "already-registered", CodeText(CodeAlreadyRegistered))
	assert.Equal(t, "unknown", CodeText(99))
}
