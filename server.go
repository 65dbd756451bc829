package burrow

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/samber/oops"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/uole/burrow/pkg/aio"
	"github.com/uole/burrow/pkg/codec"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/packet"
	"github.com/uole/burrow/pkg/unpacker"
	"github.com/uole/burrow/version"
	"golang.org/x/time/rate"
)

type (
	ServerOptions struct {
		Transport    string
		Listen       Socket
		Token        string
		Session      SessionOptions
		Adapters     []unpacker.Adapter
		PeekCeiling  int
		PeekTimeout  time.Duration
		Codecs       []string
		AllowEncrypt bool
		AcceptRate   float64
		AcceptBurst  int
		Multiplex    []multiplex.Option
	}

	ServerOption func(o *ServerOptions)

	Server struct {
		ctx        context.Context
		cancelFunc context.CancelFunc
		Uptime     time.Time
		opts       *ServerOptions
		listener   multiplex.Listener
		registry   *Registry
		chain      *unpacker.Chain
		waitGroup  conc.WaitGroup
		mutex      sync.Mutex
		onMessage  MessageHandler
		onSession  func(sess *Session)
		log        *log.Entry
	}
)

func WithServerTransport(transport string) ServerOption {
	return func(o *ServerOptions) {
		o.Transport = transport
	}
}

func WithServerListen(sock Socket) ServerOption {
	return func(o *ServerOptions) {
		o.Listen = sock
	}
}

func WithServerToken(token string) ServerOption {
	return func(o *ServerOptions) {
		o.Token = token
	}
}

// WithReadTimeout closes sessions idle for d. Zero disables the check.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.Session.ReadTimeout = d
	}
}

func WithMaxWaitTime(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.Session.MaxWaitTime = d
	}
}

// WithHeartbeatInterval is the ping interval advised to clients. Zero
// advises a third of the heartbeat timeout.
func WithHeartbeatInterval(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.Session.HeartbeatInterval = d
	}
}

func WithHeartbeatTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.Session.HeartbeatTimeout = d
	}
}

// WithUnpackers replaces the classification chain, in order.
func WithUnpackers(adapters ...unpacker.Adapter) ServerOption {
	return func(o *ServerOptions) {
		o.Adapters = adapters
	}
}

func WithPeekCeiling(n int) ServerOption {
	return func(o *ServerOptions) {
		o.PeekCeiling = n
	}
}

func WithPeekTimeout(d time.Duration) ServerOption {
	return func(o *ServerOptions) {
		o.PeekTimeout = d
	}
}

// WithCodecs limits the codecs clients may negotiate.
func WithCodecs(names ...string) ServerOption {
	return func(o *ServerOptions) {
		o.Codecs = names
	}
}

func WithAllowEncrypt(allow bool) ServerOption {
	return func(o *ServerOptions) {
		o.AllowEncrypt = allow
	}
}

// WithAcceptRate throttles new connections on every exposed port.
func WithAcceptRate(perSecond float64, burst int) ServerOption {
	return func(o *ServerOptions) {
		o.AcceptRate = perSecond
		o.AcceptBurst = burst
	}
}

func WithServerMultiplex(opts ...multiplex.Option) ServerOption {
	return func(o *ServerOptions) {
		o.Multiplex = append(o.Multiplex, opts...)
	}
}

func NewServer(cbs ...ServerOption) *Server {
	opts := &ServerOptions{
		Transport:    multiplex.TCP,
		Listen:       TCP(net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultControlPort))),
		Session:      SessionOptions{MaxWaitTime: DefaultMaxWaitTime, HeartbeatTimeout: DefaultHeartbeatTimeout},
		Adapters:     []unpacker.Adapter{unpacker.Socks5{}, unpacker.HTTP{}, unpacker.Normal{}},
		PeekCeiling:  unpacker.DefaultCeiling,
		PeekTimeout:  unpacker.DefaultPeekTimeout,
		Codecs:       codec.Names(),
		AllowEncrypt: true,
	}
	for _, cb := range cbs {
		cb(opts)
	}
	svr := &Server{
		opts:     opts,
		Uptime:   time.Now(),
		registry: NewRegistry(),
		log:      log.WithField("component", "server"),
	}
	svr.chain = unpacker.NewChain(
		unpacker.WithCeiling(opts.PeekCeiling),
		unpacker.WithPeekTimeout(opts.PeekTimeout),
	).Append(opts.Adapters...)
	return svr
}

func (svr *Server) Registry() *Registry {
	return svr.registry
}

func (svr *Server) Chain() *unpacker.Chain {
	return svr.chain
}

func (svr *Server) OnMessage(fn MessageHandler) {
	svr.onMessage = fn
}

// OnSession is called for every session right after it registers.
func (svr *Server) OnSession(fn func(sess *Session)) {
	svr.onSession = fn
}

// Addr is the control listener address, nil before Listen.
func (svr *Server) Addr() net.Addr {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Listen binds the control endpoint. Serve calls it when needed.
func (svr *Server) Listen() (err error) {
	svr.mutex.Lock()
	defer svr.mutex.Unlock()
	if svr.listener != nil {
		return nil
	}
	transport := svr.opts.Transport
	if svr.opts.Listen.Kind == SocketMem {
		transport = multiplex.MEM
	}
	if svr.listener, err = Listen(transport, svr.opts.Listen.Addr, svr.opts.Multiplex...); err != nil {
		return oops.Wrapf(err, "listen %s on %s", transport, svr.opts.Listen.String())
	}
	svr.log.Infof("control endpoint listening on %s://%s", transport, svr.listener.Addr())
	return nil
}

// Serve accepts clients until ctx is done. Only a failure of the control
// listener is returned; session failures stay inside their session.
func (svr *Server) Serve(ctx context.Context) (err error) {
	var conn multiplex.Session
	if err = svr.Listen(); err != nil {
		return
	}
	svr.ctx, svr.cancelFunc = context.WithCancel(ctx)
	stop := context.AfterFunc(svr.ctx, func() {
		_ = svr.listener.Close()
	})
	defer func() {
		stop()
		svr.registry.CloseAll()
		svr.waitGroup.Wait()
	}()
	for {
		if conn, err = svr.listener.Accept(svr.ctx); err != nil {
			if svr.ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return oops.Wrapf(err, "accept")
		}
		svr.waitGroup.Go(func() {
			svr.handleSession(conn)
		})
	}
}

func (svr *Server) Stop() error {
	if svr.cancelFunc != nil {
		svr.cancelFunc()
	}
	return nil
}

func (svr *Server) reply(control multiplex.Stream, seq uint16, res *packet.HandshakeResponse) {
	if err := packet.WriteFrame(control, packet.NewFrame(packet.TypeHandshakeResponse, seq, res)); err != nil {
		svr.log.Debugf("write handshake response: %s", err.Error())
	}
}

func (svr *Server) codecAllowed(name string) bool {
	if name == "" {
		name = codec.NameNone
	}
	for _, n := range svr.opts.Codecs {
		if n == name {
			return true
		}
	}
	return false
}

// authenticate waits MaxWaitTime for the control stream and its handshake
// request. The transport is closed when the wait runs out, and nothing the
// abandoned read produces is returned.
func (svr *Server) authenticate(conn multiplex.Session) (multiplex.Stream, *packet.Frame, *packet.HandshakeRequest, error) {
	var (
		control multiplex.Stream
		frame   *packet.Frame
		req     *packet.HandshakeRequest
	)
	err := aio.Within(svr.ctx, svr.opts.Session.maxWait(), conn, func() error {
		s, e := conn.AcceptStream(svr.ctx)
		if e != nil {
			return e
		}
		f, e := packet.ReadFrame(s)
		if e != nil {
			return e
		}
		if f.Type != packet.TypeHandshakeRequest {
			return oops.Wrapf(ErrProtocol, "expected handshake, got %s", packet.TypeName(f.Type))
		}
		r := &packet.HandshakeRequest{}
		if e = f.Decode(r); e != nil {
			return e
		}
		control, frame, req = s, f, r
		return nil
	})
	if errors.Is(err, aio.ErrTimeout) {
		return nil, nil, nil, oops.Wrapf(ErrHandshakeTimeout, "no handshake within %s", svr.opts.Session.maxWait())
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return control, frame, req, nil
}

func (svr *Server) handleSession(conn multiplex.Session) {
	var (
		err     error
		control multiplex.Stream
		frame   *packet.Frame
		req     *packet.HandshakeRequest
		sock    Socket
		target  Socket
		exposed net.Listener
	)
	if control, frame, req, err = svr.authenticate(conn); err != nil {
		metricHandshakesTotal.WithLabelValues("invalid").Inc()
		svr.log.Debugf("drop %s: %s", conn.Addr(), err.Error())
		_ = conn.Close()
		return
	}
	fail := func(code int, reason string) {
		metricHandshakesTotal.WithLabelValues(packet.CodeText(code)).Inc()
		svr.log.Infof("reject client %q from %s: %s", req.ClientID, conn.Addr(), reason)
		svr.reply(control, frame.Sequence, &packet.HandshakeResponse{Code: code, Reason: reason})
		_ = conn.Close()
	}
	if req.Token != svr.opts.Token {
		fail(packet.CodeFailure, ErrBadToken.Error())
		return
	}
	if sock, err = ParseSocket(req.Bind); err != nil {
		fail(packet.CodeFailure, err.Error())
		return
	}
	if req.Target != "" {
		if target, err = ParseSocket(req.Target); err != nil {
			fail(packet.CodeFailure, err.Error())
			return
		}
	}
	if !svr.codecAllowed(req.Codec) {
		fail(packet.CodeFailure, "codec "+req.Codec+" not allowed")
		return
	}
	if req.Encrypt && !svr.opts.AllowEncrypt {
		fail(packet.CodeFailure, "encryption not allowed")
		return
	}
	id := xid.New().String()
	clientID := req.ClientID
	if clientID == "" {
		clientID = id
	}
	sess := newSession(svr.ctx, id, RoleServer, conn, control, svr.opts.Session)
	sess.OnMessage(svr.onMessage)
	if err = sess.setIntent(clientID, req.Name, Intent{Bind: sock, Target: target, Codec: req.Codec, Encrypt: req.Encrypt}, svr.opts.Token); err != nil {
		fail(packet.CodeFailure, err.Error())
		return
	}
	if err = svr.registry.Insert(sess); err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			fail(packet.CodeAlreadyRegistered, err.Error())
		} else {
			fail(packet.CodeFailure, err.Error())
		}
		return
	}
	if exposed, err = sock.Listen(); err != nil {
		svr.registry.Remove(sess)
		fail(packet.CodeFailure, "bind "+sock.String()+": "+err.Error())
		return
	}
	if !sess.setListener(exposed) {
		svr.registry.Remove(sess)
		fail(packet.CodeFailure, ErrSessionClosed.Error())
		return
	}
	sess.setState(StateRegistered)
	svr.reply(control, frame.Sequence, &packet.HandshakeResponse{
		Code:              packet.CodeSuccess,
		SessionID:         id,
		Bind:              exposed.Addr().String(),
		HeartbeatInterval: svr.opts.Session.advisedInterval().Milliseconds(),
	})
	metricHandshakesTotal.WithLabelValues(packet.CodeText(packet.CodeSuccess)).Inc()
	metricSessionsActive.Inc()
	sess.log.Infof("client %q (%s, %s) registered from %s, exposing %s", req.Name, req.OS, req.Version, conn.Addr(), exposed.Addr())
	if svr.onSession != nil {
		svr.onSession(sess)
	}
	go svr.expose(sess)
	sess.supervise()
	svr.registry.Remove(sess)
	metricSessionsActive.Dec()
}

// expose accepts connections on the session's bind socket.
func (svr *Server) expose(sess *Session) {
	listener := sess.exposed()
	var limiter *rate.Limiter
	if svr.opts.AcceptRate > 0 {
		burst := svr.opts.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(svr.opts.AcceptRate), burst)
	}
	for {
		if limiter != nil && !limiter.Allow() {
			metricAcceptThrottled.Inc()
			if err := limiter.Wait(sess.ctx); err != nil {
				return
			}
		}
		conn, err := listener.Accept()
		if err != nil {
			if sess.IsAlive() {
				sess.closeWith(oops.Wrapf(err, "exposed listener"))
			}
			return
		}
		go svr.handleInbound(sess, conn)
	}
}

func (svr *Server) handleInbound(sess *Session, conn net.Conn) {
	var (
		err    error
		match  *unpacker.Match
		tunnel multiplex.Stream
	)
	if match, err = svr.chain.Classify(sess.ctx, conn); err != nil {
		sess.log.Debugf("classify %s: %s", conn.RemoteAddr(), err.Error())
		_ = conn.Close()
		return
	}
	metricClassifiedTotal.WithLabelValues(match.Adapter.Name()).Inc()
	pairID := xid.New().String()
	if tunnel, err = sess.open(pairID, match, conn.RemoteAddr().String()); err != nil {
		sess.log.Debugf("open stream for %s: %s", conn.RemoteAddr(), err.Error())
		_ = conn.Close()
		return
	}
	p := NewPair(pairID, match.Stream, sess.wrapTunnel(tunnel))
	p.Adapter = match.Adapter.Name()
	p.Mode = match.Adapter.Mode()
	p.Remote = conn.RemoteAddr().String()
	sess.runPair(p)
}

// open asks the client for a data stream and waits for its answer.
func (sess *Session) open(pairID string, match *unpacker.Match, remote string) (tunnel multiplex.Stream, err error) {
	if tunnel, err = sess.conn.OpenStream(sess.ctx); err != nil {
		return
	}
	err = aio.Within(sess.ctx, sess.opts.maxWait(), tunnel, func() error {
		req := &packet.OpenRequest{
			PairID:  pairID,
			Mode:    match.Adapter.Mode(),
			Adapter: match.Adapter.Name(),
			Remote:  remote,
		}
		reply, e := packet.SendRecv(tunnel, packet.NewFrame(packet.TypeOpenRequest, sess.sequence.Next(), req))
		if e != nil {
			return e
		}
		if reply.Type != packet.TypeOpenResponse {
			return oops.Wrapf(ErrProtocol, "expected open response, got %s", packet.TypeName(reply.Type))
		}
		res := &packet.OpenResponse{}
		if e = reply.Decode(res); e != nil {
			return e
		}
		if !res.Success {
			return oops.Wrapf(ErrOpenRejected, "%s", res.Reason)
		}
		return nil
	})
	if err != nil {
		_ = tunnel.Close()
		return nil, err
	}
	return
}

func (svr *Server) Info() ServerInfo {
	hostname, _ := os.Hostname()
	info := ServerInfo{
		Name:      hostname,
		Version:   version.Version,
		OS:        runtime.GOOS,
		CPU:       runtime.NumCPU(),
		Transport: svr.opts.Transport,
		Sessions:  svr.registry.Len(),
		Adapters:  make([]string, 0, len(svr.opts.Adapters)),
		Codecs:    svr.opts.Codecs,
		Uptime:    svr.Uptime,
	}
	if addr := svr.Addr(); addr != nil {
		info.Listen = addr.String()
	}
	for _, a := range svr.chain.Adapters() {
		info.Adapters = append(info.Adapters, a.Name())
	}
	return info
}
