package ws

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// conn presents a websocket as a byte stream. Each Write is one binary
// message; Read drains messages in order.
type conn struct {
	ws     *websocket.Conn
	rmutex sync.Mutex
	wmutex sync.Mutex
	reader io.Reader
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws}
}

func (c *conn) Read(p []byte) (n int, err error) {
	c.rmutex.Lock()
	defer c.rmutex.Unlock()
	for {
		if c.reader == nil {
			var mt int
			if mt, c.reader, err = c.ws.NextReader(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				c.reader = nil
				continue
			}
		}
		n, err = c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return
	}
}

func (c *conn) Write(p []byte) (int, error) {
	c.wmutex.Lock()
	defer c.wmutex.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *conn) Close() error {
	c.wmutex.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmutex.Unlock()
	return c.ws.Close()
}

func (c *conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

func (c *conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *conn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
