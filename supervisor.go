package burrow

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/samber/oops"
	"github.com/uole/burrow/pkg/packet"
)

// watchdog closes sess once it has been idle past ReadTimeout or has gone
// without a heartbeat past HeartbeatTimeout, whichever comes first.
func (sess *Session) watchdog() {
	tick := sess.opts.watchdogTick()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case now := <-ticker.C:
			if err := sess.expired(now); err != nil {
				sess.closeWith(err)
				return
			}
		}
	}
}

func (sess *Session) expired(now time.Time) error {
	if d := sess.opts.ReadTimeout; d > 0 {
		if idle := now.Sub(sess.LastActivity()); idle > d {
			return oops.Wrapf(ErrReadTimeout, "idle for %s", idle.Round(time.Millisecond))
		}
	}
	if d := sess.opts.HeartbeatTimeout; d > 0 {
		if silent := now.Sub(sess.LastHeartbeat()); silent > d {
			return oops.Wrapf(ErrHeartbeatTimeout, "no heartbeat for %s", silent.Round(time.Millisecond))
		}
	}
	return nil
}

// pinger emits a ping every HeartbeatInterval. The matching pong is
// recorded by the read loop; the watchdog enforces the deadline.
func (sess *Session) pinger() {
	interval := sess.opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				sess.log.Debugf("ping failed: %s", err.Error())
				return
			}
		}
	}
}

func (sess *Session) ping() error {
	seq := sess.sequence.Next()
	atomic.StoreInt32(&sess.pingSeq, int32(seq))
	return sess.writeFrame(packet.NewFrame(packet.TypePing, seq, &packet.PingRequest{Timestamp: time.Now().UnixMilli()}))
}

// supervise runs the control-plane tasks of an established session and
// returns once it closes.
func (sess *Session) supervise() {
	stop := context.AfterFunc(sess.ctx, func() {
		sess.closeWith(ErrSessionClosed)
	})
	defer stop()
	go sess.readLoop()
	go sess.watchdog()
	if sess.role == RoleClient {
		go sess.pinger()
	}
	<-sess.done
}
