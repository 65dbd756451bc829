package packet

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/samber/oops"
	"github.com/uole/burrow/internal/pool"
)

const (
	Var = 0xBB

	frameHeadLength = 6
)

var (
	ErrInvalidFrame = errors.New("packet: invalid frame")
	ErrSequence     = errors.New("packet: reply sequence mismatch")
	ErrTooLarge     = errors.New("packet: payload too large")
)

// Frame is one control message: ver|type|seq|len followed by len payload
// bytes. Payloads are JSON except for TypeMessage.
type Frame struct {
	Ver      uint8
	Type     uint8
	Sequence uint16
	Length   uint16
	Buf      []byte
}

func (f *Frame) Bytes() []byte {
	nl := len(f.Buf)
	buf := make([]byte, frameHeadLength+nl)
	buf[0] = Var
	buf[1] = f.Type
	f.Length = uint16(nl)
	binary.BigEndian.PutUint16(buf[2:], f.Sequence)
	binary.BigEndian.PutUint16(buf[4:], f.Length)
	copy(buf[6:], f.Buf[:])
	return buf
}

// Decode unmarshals the JSON payload into v.
func (f *Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Buf, v); err != nil {
		return oops.Wrapf(ErrInvalidFrame, "type 0x%02X payload: %s", f.Type, err.Error())
	}
	return nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame(type=0x%02X, seq=%d, len=%d)", f.Type, f.Sequence, len(f.Buf))
}

func ReadFrame(r io.Reader) (f *Frame, err error) {
	head := pool.GetBytes(frameHeadLength)
	defer func() {
		pool.PutBytes(head)
	}()
	if _, err = io.ReadFull(r, head); err != nil {
		return
	}
	f = &Frame{
		Ver:  head[0],
		Type: head[1],
	}
	if f.Ver != Var {
		return nil, oops.Wrapf(ErrInvalidFrame, "invalid frame ver %0x", f.Ver)
	}
	f.Sequence = binary.BigEndian.Uint16(head[2:])
	f.Length = binary.BigEndian.Uint16(head[4:])
	if f.Length > 0 {
		f.Buf = make([]byte, f.Length)
		if _, err = io.ReadFull(r, f.Buf); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return
}

func WriteFrame(w io.Writer, f *Frame) (err error) {
	var (
		n  int
		nw int64
	)
	n = len(f.Buf)
	if n > math.MaxUint16 {
		return oops.Wrapf(ErrTooLarge, "%d bytes", n)
	}
	f.Length = uint16(n)
	buf := pool.GetBuffer()
	defer func() {
		defer pool.PutBuffer(buf)
	}()
	buf.WriteByte(Var)
	buf.WriteByte(f.Type)
	if err = binary.Write(buf, binary.BigEndian, f.Sequence); err != nil {
		return
	}
	if err = binary.Write(buf, binary.BigEndian, f.Length); err != nil {
		return
	}
	if f.Buf != nil {
		buf.Write(f.Buf)
	}
	if nw, err = buf.WriteTo(w); err == nil {
		if nw < int64(frameHeadLength)+int64(f.Length) {
			err = io.ErrShortWrite
		}
	}
	return
}

// SendRecv writes f and reads the reply, which must carry f's sequence.
func SendRecv(rw io.ReadWriter, f *Frame) (res *Frame, err error) {
	if err = WriteFrame(rw, f); err != nil {
		return
	}
	if res, err = ReadFrame(rw); err != nil {
		return
	}
	if res.Sequence != f.Sequence {
		err = oops.Wrapf(ErrSequence, "recv frame sequence not equal %v", f.Sequence)
	}
	return
}

func NewFrame(action uint8, seq uint16, v any) *Frame {
	var (
		buf []byte
	)
	if v != nil {
		buf, _ = json.Marshal(v)
	}
	return &Frame{
		Ver:      Var,
		Type:     action,
		Sequence: seq,
		Buf:      buf,
	}
}

// NewRawFrame carries buf as is.
func NewRawFrame(action uint8, seq uint16, buf []byte) *Frame {
	return &Frame{
		Ver:      Var,
		Type:     action,
		Sequence: seq,
		Buf:      buf,
	}
}

// TypeName is used in logs.
func TypeName(t uint8) string {
	switch t {
	case TypeHandshakeRequest:
		return "handshake-request"
	case TypeHandshakeResponse:
		return "handshake-response"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeOpenRequest:
		return "open-request"
	case TypeOpenResponse:
		return "open-response"
	case TypeMessage:
		return "message"
	case TypeClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(0x%02X)", t)
	}
}
