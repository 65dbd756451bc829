package unpacker

import (
	"net"
	"sync"
)

type replayConn struct {
	net.Conn
	mutex  sync.Mutex
	prefix []byte
}

func (c *replayConn) Read(p []byte) (n int, err error) {
	c.mutex.Lock()
	if len(c.prefix) > 0 {
		n = copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		c.mutex.Unlock()
		return
	}
	c.mutex.Unlock()
	return c.Conn.Read(p)
}

// CloseWrite keeps half-close available for tcp connections.
func (c *replayConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

func newReplayConn(conn net.Conn, prefix []byte) net.Conn {
	if len(prefix) == 0 {
		return conn
	}
	return &replayConn{
		Conn:   conn,
		prefix: append([]byte(nil), prefix...),
	}
}
