package burrow

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	log "github.com/sirupsen/logrus"
	"github.com/uole/burrow/internal/crypto"
	"github.com/uole/burrow/internal/sequence"
	"github.com/uole/burrow/internal/utils"
	"github.com/uole/burrow/pkg/aio"
	"github.com/uole/burrow/pkg/codec"
	"github.com/uole/burrow/pkg/multiplex"
	"github.com/uole/burrow/pkg/packet"
	"github.com/uole/burrow/pkg/stream"
)

type (
	Role int

	State int32

	// Intent is what a client asked the server to expose.
	Intent struct {
		Bind    Socket `json:"bind"`
		Target  Socket `json:"target"`
		Codec   string `json:"codec"`
		Encrypt bool   `json:"encrypt"`
	}

	MessageHandler func(sess *Session, b []byte)
)

const (
	RoleClient Role = iota
	RoleServer
)

const (
	StateUnauthenticated State = iota
	StateRegistered
	StateActive
	StateClosed
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateRegistered:
		return "registered"
	case StateActive:
		return "active"
	default:
		return "closed"
	}
}

// Session is one authenticated tunnel between a client and a server. The
// control stream carries handshake, heartbeat and message frames; every
// forwarded connection rides its own multiplexed stream.
type Session struct {
	id            string
	clientID      string
	name          string
	role          Role
	conn          multiplex.Session
	control       *aio.Conn
	opts          SessionOptions
	intent        Intent
	codec         codec.Codec
	key           []byte
	state         int32
	lastActivity  int64
	lastHeartbeat int64
	pingSeq       int32
	sequence      sequence.Sequence
	wmutex        sync.Mutex
	pmutex        sync.RWMutex
	pairs         map[string]*Pair
	listener      net.Listener
	ctx           context.Context
	cancelFunc    context.CancelFunc
	closeOnce     sync.Once
	err           error
	done          chan struct{}
	createdAt     time.Time
	onMessage     MessageHandler
	log           *log.Entry
}

func newSession(ctx context.Context, id string, role Role, conn multiplex.Session, control multiplex.Stream, opts SessionOptions) *Session {
	now := time.Now()
	sess := &Session{
		id:            id,
		role:          role,
		conn:          conn,
		control:       aio.Wrap(control),
		opts:          opts,
		codec:         codec.None{},
		pairs:         make(map[string]*Pair),
		done:          make(chan struct{}),
		createdAt:     now,
		lastActivity:  now.UnixNano(),
		lastHeartbeat: now.UnixNano(),
	}
	sess.ctx, sess.cancelFunc = context.WithCancel(ctx)
	sess.log = log.WithFields(log.Fields{"session": id, "role": role.String()})
	return sess
}

// setIntent records the negotiated forwarding parameters. token keys the
// per-stream encryption when the intent asks for it.
func (sess *Session) setIntent(clientID, name string, intent Intent, token string) (err error) {
	var c codec.Codec
	if c, err = codec.Lookup(intent.Codec); err != nil {
		return err
	}
	sess.clientID = clientID
	sess.name = name
	sess.intent = intent
	sess.codec = c
	if intent.Encrypt {
		sess.key = utils.DeriveKey(token, crypto.BlockSize)
	}
	sess.log = sess.log.WithField("client", clientID)
	return nil
}

func (sess *Session) SessionID() string {
	return sess.id
}

func (sess *Session) ClientID() string {
	return sess.clientID
}

func (sess *Session) Name() string {
	return sess.name
}

func (sess *Session) Role() Role {
	return sess.role
}

func (sess *Session) Intent() Intent {
	return sess.intent
}

func (sess *Session) State() State {
	return State(atomic.LoadInt32(&sess.state))
}

func (sess *Session) setState(s State) {
	for {
		cur := atomic.LoadInt32(&sess.state)
		if State(cur) == StateClosed || State(cur) == s {
			return
		}
		if atomic.CompareAndSwapInt32(&sess.state, cur, int32(s)) {
			sess.log.Debugf("session state %s -> %s", State(cur), s)
			return
		}
	}
}

func (sess *Session) IsAlive() bool {
	return sess.State() != StateClosed
}

func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// Err is the reason the session closed, nil while it is alive.
func (sess *Session) Err() error {
	select {
	case <-sess.done:
		return sess.err
	default:
		return nil
	}
}

func (sess *Session) Context() context.Context {
	return sess.ctx
}

// Addr is the exposed listener address on the server side.
func (sess *Session) Addr() net.Addr {
	if l := sess.exposed(); l != nil {
		return l.Addr()
	}
	return nil
}

func (sess *Session) exposed() net.Listener {
	sess.pmutex.RLock()
	defer sess.pmutex.RUnlock()
	return sess.listener
}

// setListener attaches the exposed listener. It reports false and closes l
// when the session closed in the meantime.
func (sess *Session) setListener(l net.Listener) bool {
	sess.pmutex.Lock()
	defer sess.pmutex.Unlock()
	if !sess.IsAlive() {
		_ = l.Close()
		return false
	}
	sess.listener = l
	return true
}

func (sess *Session) RemoteAddr() net.Addr {
	return sess.conn.Addr()
}

func (sess *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&sess.lastActivity))
}

func (sess *Session) LastHeartbeat() time.Time {
	return time.Unix(0, atomic.LoadInt64(&sess.lastHeartbeat))
}

func (sess *Session) touch() {
	atomic.StoreInt64(&sess.lastActivity, time.Now().UnixNano())
}

func (sess *Session) heartbeat() {
	atomic.StoreInt64(&sess.lastHeartbeat, time.Now().UnixNano())
	sess.setState(StateActive)
}

func (sess *Session) writeFrame(f *packet.Frame) (err error) {
	if !sess.IsAlive() {
		return ErrSessionClosed
	}
	sess.wmutex.Lock()
	defer sess.wmutex.Unlock()
	if err = packet.WriteFrame(sess.control, f); err != nil {
		if errors.Is(err, aio.ErrClosed) {
			return ErrSessionClosed
		}
		return err
	}
	return sess.control.Flush()
}

// Send delivers b to the peer's message handler.
func (sess *Session) Send(b []byte) error {
	return sess.writeFrame(packet.NewRawFrame(packet.TypeMessage, sess.sequence.Next(), b))
}

func (sess *Session) OnMessage(fn MessageHandler) {
	sess.onMessage = fn
}

// Close shuts the session down and is safe to call repeatedly.
func (sess *Session) Close() error {
	if sess.IsAlive() {
		_ = aio.Within(context.Background(), sess.opts.maxWait(), sess.control, func() error {
			return sess.writeFrame(packet.NewFrame(packet.TypeClose, sess.sequence.Next(), packet.CloseNotice{Reason: "closed by peer"}))
		})
	}
	sess.closeWith(ErrSessionClosed)
	return nil
}

// closeWith records cause, then cancels the context, every pair, the
// exposed listener and the transport in that order.
func (sess *Session) closeWith(cause error) {
	sess.closeOnce.Do(func() {
		sess.err = cause
		atomic.StoreInt32(&sess.state, int32(StateClosed))
		sess.cancelFunc()
		sess.pmutex.Lock()
		listener := sess.listener
		pairs := make([]*Pair, 0, len(sess.pairs))
		for _, p := range sess.pairs {
			pairs = append(pairs, p)
		}
		sess.pairs = make(map[string]*Pair)
		sess.pmutex.Unlock()
		if listener != nil {
			_ = listener.Close()
		}
		for _, p := range pairs {
			_ = p.Close()
		}
		_ = sess.control.Close()
		_ = sess.conn.Close()
		close(sess.done)
		metricSessionClosed.WithLabelValues(closeCause(cause)).Inc()
		if errors.Is(cause, ErrSessionClosed) {
			sess.log.Infof("session closed")
		} else {
			sess.log.Warnf("session closed: %s", cause.Error())
		}
	})
}

func (sess *Session) addPair(p *Pair) bool {
	sess.pmutex.Lock()
	defer sess.pmutex.Unlock()
	if !sess.IsAlive() {
		return false
	}
	sess.pairs[p.ID] = p
	return true
}

func (sess *Session) removePair(p *Pair) {
	sess.pmutex.Lock()
	delete(sess.pairs, p.ID)
	sess.pmutex.Unlock()
}

// runPair bridges p until it ends. p is closed at once when the session is
// already gone.
func (sess *Session) runPair(p *Pair) {
	if !sess.addPair(p) {
		_ = p.Close()
		return
	}
	defer sess.removePair(p)
	p.log = p.log.WithField("session", sess.id)
	if err := p.Run(sess.ctx); err != nil && !aio.IsEOF(err) {
		p.log.Debugf("pair ended: %s", err.Error())
	}
}

func (sess *Session) Pairs() []PairInfo {
	sess.pmutex.RLock()
	defer sess.pmutex.RUnlock()
	infos := make([]PairInfo, 0, len(sess.pairs))
	for _, p := range sess.pairs {
		infos = append(infos, p.Info())
	}
	return infos
}

// wrapTunnel layers the negotiated codec and encryption over a data stream.
func (sess *Session) wrapTunnel(s multiplex.Stream) io.ReadWriteCloser {
	var opts []stream.Option
	if sess.codec.Name() != codec.NameNone {
		opts = append(opts, stream.WithCodec(sess.codec))
	}
	if len(sess.key) > 0 {
		opts = append(opts, stream.WithEncrypt(sess.key))
	}
	if len(opts) == 0 {
		return s
	}
	return stream.New(s, opts...)
}

// readLoop dispatches control frames until the control stream fails.
func (sess *Session) readLoop() {
	var (
		err   error
		frame *packet.Frame
	)
	for {
		if frame, err = packet.ReadFrame(sess.control); err != nil {
			switch {
			case !sess.IsAlive():
				return
			case aio.IsEOF(err):
				sess.closeWith(oops.Wrapf(ErrSessionClosed, "control stream closed by peer"))
			case errors.Is(err, packet.ErrInvalidFrame):
				sess.closeWith(oops.Wrapf(ErrProtocol, "%s", err.Error()))
			default:
				sess.closeWith(err)
			}
			return
		}
		sess.touch()
		if err = sess.dispatch(frame); err != nil {
			sess.closeWith(err)
			return
		}
	}
}

func (sess *Session) dispatch(frame *packet.Frame) (err error) {
	switch frame.Type {
	case packet.TypePing:
		sess.heartbeat()
		return sess.writeFrame(packet.NewFrame(packet.TypePong, frame.Sequence, &packet.PongResponse{Timestamp: time.Now().UnixMilli()}))
	case packet.TypePong:
		if int32(frame.Sequence) == atomic.LoadInt32(&sess.pingSeq) {
			sess.heartbeat()
		}
	case packet.TypeMessage:
		if sess.onMessage != nil {
			sess.onMessage(sess, frame.Buf)
		}
	case packet.TypeClose:
		notice := &packet.CloseNotice{}
		_ = frame.Decode(notice)
		sess.closeWith(oops.Wrapf(ErrSessionClosed, "peer: %s", notice.Reason))
	default:
		return oops.Wrapf(ErrProtocol, "unexpected %s on control stream", packet.TypeName(frame.Type))
	}
	return nil
}

func (sess *Session) Info() SessionInfo {
	info := SessionInfo{
		ID:            sess.id,
		ClientID:      sess.clientID,
		Name:          sess.name,
		Role:          sess.role.String(),
		State:         sess.State().String(),
		Intent:        sess.intent,
		CreatedAt:     sess.createdAt,
		LastActivity:  sess.LastActivity(),
		LastHeartbeat: sess.LastHeartbeat(),
		Pairs:         sess.Pairs(),
	}
	if addr := sess.RemoteAddr(); addr != nil {
		info.Remote = addr.String()
	}
	if addr := sess.Addr(); addr != nil {
		info.Exposed = addr.String()
	}
	return info
}
