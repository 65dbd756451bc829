package burrow

import (
	"context"
	"errors"
	stdlog "log"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-socks5"
	"github.com/jpillora/backoff"
	"github.com/rs/xid"
	"github.com/samber/oops"
	log "github.com/sirupsen/logrus"
	"github.com/uole/burrow/pkg/aio"
	"github.com/uole/burrow/pkg/codec"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/packet"
	"github.com/uole/burrow/pkg/unpacker"
	"github.com/uole/burrow/version"
)

type ClientState int32

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientAwaitingHandshakeAck
	ClientEstablished
	ClientReconnecting
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "disconnected"
	case ClientConnecting:
		return "connecting"
	case ClientAwaitingHandshakeAck:
		return "awaiting-handshake-ack"
	case ClientEstablished:
		return "established"
	case ClientReconnecting:
		return "reconnecting"
	default:
		return "closed"
	}
}

type (
	BackoffOptions struct {
		Min    time.Duration
		Max    time.Duration
		Factor float64
		Jitter bool
	}

	ClientOptions struct {
		Server       Socket
		Transport    string
		Token        string
		ClientID     string
		Name         string
		Bind         Socket
		Target       Socket
		Codec        string
		Encrypt      bool
		Session      SessionOptions
		Backoff      BackoffOptions
		DialAttempts uint
		Multiplex    []multiplex.Option
	}

	ClientOption func(o *ClientOptions)

	// Client keeps one session with the server alive, reconnecting with
	// backoff until its context is cancelled.
	Client struct {
		opts          *ClientOptions
		connector     Connector
		state         int32
		mutex         sync.RWMutex
		session       *Session
		backoff       *backoff.Backoff
		socks         *socks5.Server
		onStateChange func(from, to ClientState)
		onMessage     MessageHandler
		onSession     func(sess *Session)
		log           *log.Entry
	}
)

func WithClientServer(sock Socket) ClientOption {
	return func(o *ClientOptions) {
		o.Server = sock
	}
}

func WithClientTransport(transport string) ClientOption {
	return func(o *ClientOptions) {
		o.Transport = transport
	}
}

func WithClientToken(token string) ClientOption {
	return func(o *ClientOptions) {
		o.Token = token
	}
}

func WithClientID(id string) ClientOption {
	return func(o *ClientOptions) {
		o.ClientID = id
	}
}

func WithClientName(name string) ClientOption {
	return func(o *ClientOptions) {
		o.Name = name
	}
}

// WithForward exposes bind on the server and forwards to target locally.
func WithForward(bind, target Socket) ClientOption {
	return func(o *ClientOptions) {
		o.Bind = bind
		o.Target = target
	}
}

func WithClientCodec(name string) ClientOption {
	return func(o *ClientOptions) {
		o.Codec = name
	}
}

func WithClientEncrypt(enable bool) ClientOption {
	return func(o *ClientOptions) {
		o.Encrypt = enable
	}
}

func WithSessionOptions(opts SessionOptions) ClientOption {
	return func(o *ClientOptions) {
		o.Session = opts
	}
}

func WithBackoff(opts BackoffOptions) ClientOption {
	return func(o *ClientOptions) {
		o.Backoff = opts
	}
}

func WithDialAttempts(n uint) ClientOption {
	return func(o *ClientOptions) {
		o.DialAttempts = n
	}
}

func WithClientMultiplex(opts ...multiplex.Option) ClientOption {
	return func(o *ClientOptions) {
		o.Multiplex = append(o.Multiplex, opts...)
	}
}

func NewClient(connector Connector, cbs ...ClientOption) *Client {
	hostname, _ := os.Hostname()
	opts := &ClientOptions{
		Server:       TCP(net.JoinHostPort("127.0.0.1", strconv.Itoa(DefaultControlPort))),
		Transport:    multiplex.TCP,
		Name:         hostname,
		Codec:        codec.NameNone,
		Session:      DefaultSessionOptions(),
		Backoff:      BackoffOptions{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true},
		DialAttempts: 3,
	}
	for _, cb := range cbs {
		cb(opts)
	}
	if opts.ClientID == "" {
		opts.ClientID = xid.New().String()
	}
	if connector == nil {
		connector = NewSocketConnector(opts.Transport, opts.Server, opts.DialAttempts, opts.Multiplex...)
	}
	c := &Client{
		opts:      opts,
		connector: connector,
		backoff: &backoff.Backoff{
			Min:    opts.Backoff.Min,
			Max:    opts.Backoff.Max,
			Factor: opts.Backoff.Factor,
			Jitter: opts.Backoff.Jitter,
		},
		log: log.WithFields(log.Fields{"component": "client", "client": opts.ClientID}),
	}
	c.socks, _ = socks5.New(&socks5.Config{
		Logger: stdlog.New(c.log.WriterLevel(log.DebugLevel), "socks5: ", 0),
	})
	return c
}

func (c *Client) State() ClientState {
	return ClientState(atomic.LoadInt32(&c.state))
}

func (c *Client) setState(s ClientState) {
	prev := ClientState(atomic.SwapInt32(&c.state, int32(s)))
	if prev == s {
		return
	}
	c.log.Debugf("client state %s -> %s", prev, s)
	if c.onStateChange != nil {
		c.onStateChange(prev, s)
	}
}

// OnStateChange must be set before Run.
func (c *Client) OnStateChange(fn func(from, to ClientState)) {
	c.onStateChange = fn
}

func (c *Client) OnMessage(fn MessageHandler) {
	c.onMessage = fn
}

func (c *Client) OnSession(fn func(sess *Session)) {
	c.onSession = fn
}

// Session is the current session, nil while not established.
func (c *Client) Session() *Session {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.session
}

func (c *Client) setSession(sess *Session) {
	c.mutex.Lock()
	c.session = sess
	c.mutex.Unlock()
}

// Run connects and stays connected until ctx is done. Handshake failures,
// timeouts and broken sessions all lead back to reconnecting.
func (c *Client) Run(ctx context.Context) error {
	for {
		sess, err := c.connect(ctx)
		if err == nil {
			c.backoff.Reset()
			c.setSession(sess)
			c.setState(ClientEstablished)
			if c.onSession != nil {
				c.onSession(sess)
			}
			go c.acceptLoop(sess)
			sess.supervise()
			c.setSession(nil)
			err = sess.Err()
		}
		if ctx.Err() != nil {
			c.setState(ClientClosed)
			return nil
		}
		c.setState(ClientReconnecting)
		metricClientReconnects.Inc()
		d := c.backoff.Duration()
		if err != nil {
			c.log.Warnf("connection lost: %s, retry in %s", err.Error(), d.Round(time.Millisecond))
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			c.setState(ClientClosed)
			return nil
		}
	}
}

func (c *Client) handshakeRequest() *packet.HandshakeRequest {
	return &packet.HandshakeRequest{
		Token:    c.opts.Token,
		ClientID: c.opts.ClientID,
		Name:     c.opts.Name,
		OS:       runtime.GOOS,
		Version:  version.Version,
		Bind:     c.opts.Bind.String(),
		Target:   c.opts.Target.String(),
		Codec:    c.opts.Codec,
		Encrypt:  c.opts.Encrypt,
		Uptime:   time.Now(),
	}
}

func (c *Client) connect(ctx context.Context) (sess *Session, err error) {
	var (
		conn    multiplex.Session
		control multiplex.Stream
		reply   *packet.Frame
	)
	c.setState(ClientConnecting)
	if conn, err = c.connector.Connect(ctx); err != nil {
		return nil, oops.Wrapf(err, "connect %s", c.opts.Server.String())
	}
	if control, err = conn.OpenStream(ctx); err != nil {
		_ = conn.Close()
		return nil, oops.Wrapf(err, "open control stream")
	}
	c.setState(ClientAwaitingHandshakeAck)
	maxWait := c.opts.Session.maxWait()
	err = aio.Within(ctx, maxWait, conn, func() error {
		f, e := packet.SendRecv(control, packet.NewFrame(packet.TypeHandshakeRequest, 1, c.handshakeRequest()))
		if e != nil {
			return e
		}
		reply = f
		return nil
	})
	if err != nil {
		_ = conn.Close()
		if errors.Is(err, aio.ErrTimeout) {
			return nil, oops.Wrapf(ErrHandshakeTimeout, "no handshake response within %s", maxWait)
		}
		return nil, err
	}
	res := &packet.HandshakeResponse{}
	if reply.Type != packet.TypeHandshakeResponse {
		err = oops.Wrapf(ErrProtocol, "expected handshake response, got %s", packet.TypeName(reply.Type))
	} else if err = reply.Decode(res); err == nil {
		switch res.Code {
		case packet.CodeSuccess:
		case packet.CodeAlreadyRegistered:
			err = oops.Wrapf(ErrAlreadyRegistered, "%s", res.Reason)
		default:
			err = oops.Wrapf(ErrHandshakeFailed, "%s", res.Reason)
		}
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	opts := c.opts.Session.negotiate(time.Duration(res.HeartbeatInterval) * time.Millisecond)
	if opts.HeartbeatInterval != c.opts.Session.HeartbeatInterval {
		c.log.Infof("heartbeat interval lowered to %s by server", opts.HeartbeatInterval)
	}
	sess = newSession(ctx, res.SessionID, RoleClient, conn, control, opts)
	sess.OnMessage(c.onMessage)
	intent := Intent{Bind: c.opts.Bind, Target: c.opts.Target, Codec: c.opts.Codec, Encrypt: c.opts.Encrypt}
	if err = sess.setIntent(c.opts.ClientID, c.opts.Name, intent, c.opts.Token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	sess.setState(StateRegistered)
	sess.log.Infof("registered with %s, exposed at %s", c.opts.Server.String(), res.Bind)
	return sess, nil
}

func (c *Client) acceptLoop(sess *Session) {
	for {
		s, err := sess.conn.AcceptStream(sess.ctx)
		if err != nil {
			if sess.IsAlive() {
				sess.closeWith(oops.Wrapf(err, "accept stream"))
			}
			return
		}
		go c.handleStream(sess, s)
	}
}

// dialLocal resolves the mode of an open request to the local end of the
// pair.
func (c *Client) dialLocal(sess *Session, req *packet.OpenRequest) (net.Conn, error) {
	switch req.Mode {
	case unpacker.ModeForward:
		if c.opts.Target.IsZero() {
			return nil, oops.Errorf("no target configured")
		}
		ctx, cancel := context.WithTimeout(sess.ctx, sess.opts.maxWait())
		defer cancel()
		return c.opts.Target.Dial(ctx)
	case unpacker.ModeSocks:
		local, remote := net.Pipe()
		go func() {
			if err := c.socks.ServeConn(remote); err != nil {
				sess.log.Debugf("socks pair %s: %s", req.PairID, err.Error())
			}
			_ = remote.Close()
		}()
		return local, nil
	default:
		return nil, oops.Errorf("unsupported mode %q", req.Mode)
	}
}

func (c *Client) handleStream(sess *Session, s multiplex.Stream) {
	var (
		err   error
		seq   uint16
		req   *packet.OpenRequest
		local net.Conn
	)
	if err = aio.Within(sess.ctx, sess.opts.maxWait(), s, func() error {
		frame, e := packet.ReadFrame(s)
		if e != nil {
			return e
		}
		if frame.Type != packet.TypeOpenRequest {
			return oops.Wrapf(ErrProtocol, "expected open request, got %s", packet.TypeName(frame.Type))
		}
		r := &packet.OpenRequest{}
		if e = frame.Decode(r); e != nil {
			return e
		}
		seq, req = frame.Sequence, r
		return nil
	}); err != nil {
		sess.log.Debugf("read open request: %s", err.Error())
		_ = s.Close()
		return
	}
	res := &packet.OpenResponse{PairID: req.PairID, Success: true}
	if local, err = c.dialLocal(sess, req); err != nil {
		res.Success = false
		res.Reason = err.Error()
	}
	if e := packet.WriteFrame(s, packet.NewFrame(packet.TypeOpenResponse, seq, res)); e != nil || err != nil {
		if err != nil {
			sess.log.Infof("refuse pair %s from %s: %s", req.PairID, req.Remote, err.Error())
		}
		if local != nil {
			_ = local.Close()
		}
		_ = s.Close()
		return
	}
	p := NewPair(req.PairID, local, sess.wrapTunnel(s))
	p.Adapter = req.Adapter
	p.Mode = req.Mode
	p.Remote = req.Remote
	sess.runPair(p)
}
