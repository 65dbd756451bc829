package burrow

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uole/burrow/pkg/memnet"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/multiplex/mem"
	"github.com/uole/burrow/pkg/packet"
	"github.com/uole/burrow/pkg/unpacker"
)

const testToken = "burrow-test-token"

func memName(t *testing.T, role string) string {
	return strings.NewReplacer("/", "-", " ", "-").Replace(t.Name()) + "-" + role
}

func echoService(t *testing.T, sock Socket) {
	t.Helper()
	l, err := sock.Listen()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
}

func startServer(t *testing.T, cbs ...ServerOption) *Server {
	t.Helper()
	opts := append([]ServerOption{
		WithServerListen(Mem(memName(t, "ctrl"))),
		WithServerToken(testToken),
		WithReadTimeout(0),
		WithHeartbeatTimeout(10 * time.Second),
		WithPeekTimeout(100 * time.Millisecond),
	}, cbs...)
	svr := NewServer(opts...)
	require.NoError(t, svr.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, svr.Serve(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svr
}

func startClient(t *testing.T, svr *Server, connector Connector, cbs ...ClientOption) *Client {
	t.Helper()
	opts := append([]ClientOption{
		WithClientServer(Mem(svr.opts.Listen.Addr)),
		WithClientToken(testToken),
		WithClientID("client-" + memName(t, "id")),
		WithForward(Mem(memName(t, "exposed")), Mem(memName(t, "target"))),
		WithBackoff(BackoffOptions{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}),
	}, cbs...)
	c := NewClient(connector, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitEstablished(t *testing.T, c *Client) *Session {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == ClientEstablished && c.Session() != nil
	}, 3*time.Second, 5*time.Millisecond)
	return c.Session()
}

func dialExposed(t *testing.T, name string) net.Conn {
	t.Helper()
	c, err := memnet.Dial(context.Background(), name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func roundTrip(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	go func() { _, _ = conn.Write(payload) }()
	got := make([]byte, len(payload))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
}

func rawHandshake(t *testing.T, ctrl string, req *packet.HandshakeRequest) (multiplex.Session, *packet.HandshakeResponse) {
	t.Helper()
	conn, err := mem.Dial(context.Background(), ctrl)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	control, err := conn.OpenStream(context.Background())
	require.NoError(t, err)
	reply, err := packet.SendRecv(control, packet.NewFrame(packet.TypeHandshakeRequest, 9, req))
	require.NoError(t, err)
	require.Equal(t, uint8(packet.TypeHandshakeResponse), reply.Type)
	res := &packet.HandshakeResponse{}
	require.NoError(t, reply.Decode(res))
	return conn, res
}

func TestForwardEndToEnd(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	c := startClient(t, svr, nil)
	sess := waitEstablished(t, c)
	assert.NotEmpty(t, sess.SessionID())

	conn := dialExposed(t, memName(t, "exposed"))
	roundTrip(t, conn, []byte("hello burrow"))
	roundTrip(t, conn, bytes.Repeat([]byte("more data "), 1000))

	require.Equal(t, 1, svr.Registry().Len())
	server, ok := svr.Registry().LookupClient(c.opts.ClientID)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return len(server.Pairs()) == 1 }, time.Second, 5*time.Millisecond)
	info := server.Info()
	assert.Equal(t, "server", info.Role)
	require.Len(t, info.Pairs, 1)
	assert.Equal(t, "normal", info.Pairs[0].Adapter)
}

func TestForwardCompressedAndEncrypted(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	c := startClient(t, svr, nil, WithClientCodec("snappy"), WithClientEncrypt(true))
	waitEstablished(t, c)

	payload := make([]byte, 256*1024)
	_, _ = rand.Read(payload[:1024])
	copy(payload, "data:")
	conn := dialExposed(t, memName(t, "exposed"))
	roundTrip(t, conn, payload)
}

func TestUnknownCodecRejected(t *testing.T) {
	svr := startServer(t, WithCodecs("none"))
	_, res := rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: testToken, ClientID: "x", Bind: "mem://" + memName(t, "exposed"), Codec: "snappy",
	})
	assert.Equal(t, packet.CodeFailure, res.Code)
	assert.Equal(t, 0, svr.Registry().Len())
}

func TestBadTokenRejected(t *testing.T) {
	svr := startServer(t)
	_, res := rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: "wrong", ClientID: "x", Bind: "mem://" + memName(t, "exposed"),
	})
	assert.Equal(t, packet.CodeFailure, res.Code)
	assert.Contains(t, res.Reason, "bad token")
	assert.Equal(t, 0, svr.Registry().Len())
}

func TestAlreadyRegistered(t *testing.T) {
	svr := startServer(t)
	req := &packet.HandshakeRequest{Token: testToken, ClientID: "dup", Bind: "mem://" + memName(t, "first")}
	_, res := rawHandshake(t, svr.opts.Listen.Addr, req)
	require.Equal(t, packet.CodeSuccess, res.Code)

	req.Bind = "mem://" + memName(t, "second")
	_, res = rawHandshake(t, svr.opts.Listen.Addr, req)
	assert.Equal(t, packet.CodeAlreadyRegistered, res.Code)
	assert.Equal(t, 1, svr.Registry().Len())
}

func TestHandshakeAdvisesHeartbeatInterval(t *testing.T) {
	svr := startServer(t)
	_, res := rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: testToken, ClientID: "advised", Bind: "mem://" + memName(t, "a"),
	})
	require.Equal(t, packet.CodeSuccess, res.Code)
	assert.Equal(t, (10 * time.Second / 3).Milliseconds(), res.HeartbeatInterval)

	svr = startServer(t, WithServerListen(Mem(memName(t, "ctrl2"))), WithHeartbeatInterval(time.Second))
	_, res = rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: testToken, ClientID: "advised", Bind: "mem://" + memName(t, "b"),
	})
	require.Equal(t, packet.CodeSuccess, res.Code)
	assert.Equal(t, int64(1000), res.HeartbeatInterval)
}

func TestClientAdoptsAdvisedInterval(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t, WithHeartbeatInterval(40*time.Millisecond))
	c := startClient(t, svr, nil)
	sess := waitEstablished(t, c)
	assert.Equal(t, 40*time.Millisecond, sess.opts.HeartbeatInterval)
	assert.Equal(t, DefaultHeartbeatInterval, c.opts.Session.HeartbeatInterval)
}

func TestHandshakeTimeoutDropsClient(t *testing.T) {
	svr := startServer(t, WithMaxWaitTime(50*time.Millisecond))
	conn, err := mem.Dial(context.Background(), svr.opts.Listen.Addr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.OpenStream(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, svr.Registry().Len())
}

func TestHeartbeatTimeoutClearsRegistry(t *testing.T) {
	timeout := 100 * time.Millisecond
	svr := startServer(t, WithHeartbeatTimeout(timeout))
	var closed error
	var wg sync.WaitGroup
	wg.Add(1)
	svr.OnSession(func(sess *Session) {
		go func() {
			defer wg.Done()
			<-sess.Done()
			closed = sess.Err()
		}()
	})
	start := time.Now()
	_, res := rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: testToken, ClientID: "silent", Bind: "mem://" + memName(t, "exposed"),
	})
	require.Equal(t, packet.CodeSuccess, res.Code)
	require.Eventually(t, func() bool { return svr.Registry().Len() == 0 }, 2*time.Second, 2*time.Millisecond)
	elapsed := time.Since(start)
	tick := SessionOptions{HeartbeatTimeout: timeout}.watchdogTick()
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+tick+300*time.Millisecond)
	wg.Wait()
	assert.ErrorIs(t, closed, ErrHeartbeatTimeout)

	_, err := memnet.Dial(context.Background(), memName(t, "exposed"))
	assert.ErrorIs(t, err, memnet.ErrRefused, "exposed listener must be released")
}

func TestReadTimeoutClosesIdleSession(t *testing.T) {
	svr := startServer(t, WithReadTimeout(80*time.Millisecond), WithHeartbeatTimeout(0))
	_, res := rawHandshake(t, svr.opts.Listen.Addr, &packet.HandshakeRequest{
		Token: testToken, ClientID: "idle", Bind: "mem://" + memName(t, "exposed"),
	})
	require.Equal(t, packet.CodeSuccess, res.Code)
	sess, ok := svr.Registry().Lookup(res.SessionID)
	require.True(t, ok)
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle session stayed open")
	}
	assert.ErrorIs(t, sess.Err(), ErrReadTimeout)
}

func TestHeartbeatKeepsSessionActive(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t, WithHeartbeatTimeout(150*time.Millisecond))
	opts := DefaultSessionOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 150 * time.Millisecond
	c := startClient(t, svr, nil, WithSessionOptions(opts))
	sess := waitEstablished(t, c)

	time.Sleep(400 * time.Millisecond)
	assert.True(t, sess.IsAlive())
	assert.Equal(t, StateActive, sess.State())
	server, ok := svr.Registry().LookupClient(c.opts.ClientID)
	require.True(t, ok)
	assert.Equal(t, StateActive, server.State())
}

func TestHandshakeTimeoutReconnects(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)

	mute, err := mem.Listen(memName(t, "mute"))
	require.NoError(t, err)
	defer mute.Close()
	go func() {
		for {
			conn, err := mute.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				s, err := conn.AcceptStream(context.Background())
				if err == nil {
					_, _ = io.Copy(io.Discard, s)
				}
			}()
		}
	}()

	const failures = 2
	var (
		mutex    sync.Mutex
		attempts int
		states   []ClientState
	)
	connector := ConnectorFunc(func(ctx context.Context) (multiplex.Session, error) {
		mutex.Lock()
		attempts++
		n := attempts
		mutex.Unlock()
		if n <= failures {
			return mem.Dial(ctx, memName(t, "mute"))
		}
		return mem.Dial(ctx, svr.opts.Listen.Addr)
	})
	opts := DefaultSessionOptions()
	opts.MaxWaitTime = 50 * time.Millisecond
	c := NewClient(connector,
		WithClientToken(testToken),
		WithClientID("reconnect"),
		WithForward(Mem(memName(t, "exposed")), Mem(memName(t, "target"))),
		WithSessionOptions(opts),
		WithBackoff(BackoffOptions{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
	)
	c.OnStateChange(func(from, to ClientState) {
		mutex.Lock()
		states = append(states, to)
		mutex.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	waitEstablished(t, c)
	cancel()
	<-done

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, failures+1, attempts)
	reconnects := 0
	for _, s := range states {
		if s == ClientReconnecting {
			reconnects++
		}
	}
	assert.GreaterOrEqual(t, reconnects, failures)
	assert.Contains(t, states, ClientAwaitingHandshakeAck)
	assert.Contains(t, states, ClientEstablished)
	assert.Equal(t, ClientClosed, states[len(states)-1])
	assert.Equal(t, ClientClosed, c.State())
}

// TestClientHeartbeatTimeout runs the first session against a server that
// completes the handshake and then ignores every ping.
func TestClientHeartbeatTimeout(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)

	deaf, err := mem.Listen(memName(t, "deaf"))
	require.NoError(t, err)
	defer deaf.Close()
	go func() {
		for {
			conn, err := deaf.Accept(context.Background())
			if err != nil {
				return
			}
			go func() {
				s, err := conn.AcceptStream(context.Background())
				if err != nil {
					return
				}
				f, err := packet.ReadFrame(s)
				if err != nil {
					return
				}
				res := &packet.HandshakeResponse{Code: packet.CodeSuccess, SessionID: "deaf-session"}
				if packet.WriteFrame(s, packet.NewFrame(packet.TypeHandshakeResponse, f.Sequence, res)) != nil {
					return
				}
				_, _ = io.Copy(io.Discard, s)
			}()
		}
	}()

	var (
		mutex    sync.Mutex
		attempts int
		states   []ClientState
		first    = make(chan *Session, 1)
	)
	connector := ConnectorFunc(func(ctx context.Context) (multiplex.Session, error) {
		mutex.Lock()
		attempts++
		n := attempts
		mutex.Unlock()
		if n == 1 {
			return mem.Dial(ctx, memName(t, "deaf"))
		}
		return mem.Dial(ctx, svr.opts.Listen.Addr)
	})
	opts := DefaultSessionOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.HeartbeatTimeout = 100 * time.Millisecond
	c := NewClient(connector,
		WithClientToken(testToken),
		WithClientID("deaf"),
		WithForward(Mem(memName(t, "exposed")), Mem(memName(t, "target"))),
		WithSessionOptions(opts),
		WithBackoff(BackoffOptions{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2}),
	)
	c.OnSession(func(sess *Session) {
		select {
		case first <- sess:
		default:
		}
	})
	c.OnStateChange(func(from, to ClientState) {
		mutex.Lock()
		states = append(states, to)
		mutex.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var deafSession *Session
	select {
	case deafSession = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("no session with the deaf server")
	}
	assert.Equal(t, "deaf-session", deafSession.SessionID())
	select {
	case <-deafSession.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client kept a session whose pings went unanswered")
	}
	assert.ErrorIs(t, deafSession.Err(), ErrHeartbeatTimeout)

	require.Eventually(t, func() bool {
		cur := c.Session()
		return cur != nil && cur != deafSession && c.State() == ClientEstablished
	}, 3*time.Second, 5*time.Millisecond)
	_, ok := svr.Registry().LookupClient("deaf")
	assert.True(t, ok)
	roundTrip(t, dialExposed(t, memName(t, "exposed")), []byte("after heartbeat loss"))

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 2, attempts)
	assert.Contains(t, states, ClientReconnecting)
}

func TestClientReconnectsAfterServerDrop(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	c := startClient(t, svr, nil)
	first := waitEstablished(t, c)

	server, ok := svr.Registry().LookupClient(c.opts.ClientID)
	require.True(t, ok)
	require.NoError(t, server.Close())

	require.Eventually(t, func() bool {
		cur := c.Session()
		return cur != nil && cur != first && c.State() == ClientEstablished
	}, 3*time.Second, 5*time.Millisecond)
	roundTrip(t, dialExposed(t, memName(t, "exposed")), []byte("after reconnect"))
}

func TestSessionCloseCancelsPairs(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	c := startClient(t, svr, nil)
	waitEstablished(t, c)

	first := dialExposed(t, memName(t, "exposed"))
	second := dialExposed(t, memName(t, "exposed"))
	roundTrip(t, first, []byte("one"))
	roundTrip(t, second, []byte("two"))

	server, ok := svr.Registry().LookupClient(c.opts.ClientID)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(server.Pairs()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	assert.ErrorIs(t, server.Err(), ErrSessionClosed)
	assert.Empty(t, server.Pairs())
	for _, conn := range []net.Conn{first, second} {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}
	assert.ErrorIs(t, server.Send([]byte("late")), ErrSessionClosed)
}

func TestPairCloseLeavesSiblings(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	c := startClient(t, svr, nil)
	waitEstablished(t, c)

	first := dialExposed(t, memName(t, "exposed"))
	second := dialExposed(t, memName(t, "exposed"))
	roundTrip(t, first, []byte("one"))
	roundTrip(t, second, []byte("two"))
	_ = first.Close()

	server, _ := svr.Registry().LookupClient(c.opts.ClientID)
	require.Eventually(t, func() bool { return len(server.Pairs()) == 1 }, time.Second, 5*time.Millisecond)
	roundTrip(t, second, []byte("still here"))
	assert.True(t, server.IsAlive())
}

func TestSendMessage(t *testing.T) {
	echoService(t, Mem(memName(t, "target")))
	svr := startServer(t)
	got := make(chan string, 1)
	svr.OnMessage(func(sess *Session, b []byte) {
		got <- string(b)
	})
	c := startClient(t, svr, nil)
	sess := waitEstablished(t, c)
	require.NoError(t, sess.Send([]byte("status: ok")))
	select {
	case msg := <-got:
		assert.Equal(t, "status: ok", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSocksMode(t *testing.T) {
	target, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer target.Close()
	go func() {
		for {
			c, err := target.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()

	svr := startServer(t, WithUnpackers(unpacker.Socks5{}, unpacker.Normal{}))
	c := startClient(t, svr, nil, WithForward(Mem(memName(t, "exposed")), Socket{}))
	waitEstablished(t, c)

	conn := dialExposed(t, memName(t, "exposed"))
	go func() { _, _ = conn.Write([]byte{0x05, 0x01, 0x00}) }()
	greeting := make([]byte, 2)
	_, err = io.ReadFull(conn, greeting)
	require.NoError(t, err)
	require.Equal(t, []byte{0x05, 0x00}, greeting)

	addr := target.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(addr.Port))
	go func() { _, _ = conn.Write(req) }()
	reply := make([]byte, 10)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	require.Equal(t, byte(0x00), reply[1])

	roundTrip(t, conn, []byte("through socks"))
	server, _ := svr.Registry().LookupClient(c.opts.ClientID)
	require.Eventually(t, func() bool { return len(server.Pairs()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, unpacker.ModeSocks, server.Pairs()[0].Mode)
}

func TestForwardWithoutTargetRefused(t *testing.T) {
	svr := startServer(t)
	c := startClient(t, svr, nil, WithForward(Mem(memName(t, "exposed")), Socket{}))
	sess := waitEstablished(t, c)

	conn := dialExposed(t, memName(t, "exposed"))
	go func() { _, _ = conn.Write([]byte("hello")) }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.True(t, sess.IsAlive())
}

func TestTransports(t *testing.T) {
	for _, transport := range []string{"tcp", "kcp", "quic", "ws"} {
		t.Run(transport, func(t *testing.T) {
			echoService(t, Mem(memName(t, "target")))
			svr := startServer(t, WithServerTransport(transport), WithServerListen(TCP("127.0.0.1:0")))
			c := startClient(t, svr, nil,
				WithClientTransport(transport),
				WithClientServer(TCP(svr.Addr().String())),
				WithClientCodec("snappy"),
			)
			waitEstablished(t, c)
			roundTrip(t, dialExposed(t, memName(t, "exposed")), bytes.Repeat([]byte(transport), 4096))
		})
	}
}
