package burrow

import (
	"time"
)

const (
	DefaultControlPort       = 6722
	DefaultMaxWaitTime       = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second

	minWatchdogTick = 5 * time.Millisecond
	maxWatchdogTick = time.Second
)

// SessionOptions are the timing knobs of one session. Zero ReadTimeout or
// HeartbeatTimeout disables that check.
type SessionOptions struct {
	ReadTimeout       time.Duration `json:"read_timeout"`
	MaxWaitTime       time.Duration `json:"max_wait_time"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		MaxWaitTime:       DefaultMaxWaitTime,
		HeartbeatInterval: DefaultHeartbeatInterval,
		HeartbeatTimeout:  DefaultHeartbeatTimeout,
	}
}

// watchdogTick is a tenth of the smallest enabled timeout.
func (o SessionOptions) watchdogTick() time.Duration {
	var least time.Duration
	for _, d := range []time.Duration{o.ReadTimeout, o.HeartbeatTimeout} {
		if d > 0 && (least == 0 || d < least) {
			least = d
		}
	}
	if least == 0 {
		return maxWatchdogTick
	}
	tick := least / 10
	if tick < minWatchdogTick {
		tick = minWatchdogTick
	}
	if tick > maxWatchdogTick {
		tick = maxWatchdogTick
	}
	return tick
}

func (o SessionOptions) maxWait() time.Duration {
	if o.MaxWaitTime <= 0 {
		return DefaultMaxWaitTime
	}
	return o.MaxWaitTime
}

// advisedInterval is the ping interval a server with these options asks
// clients to keep: the configured interval, else a third of the heartbeat
// timeout.
func (o SessionOptions) advisedInterval() time.Duration {
	if o.HeartbeatInterval > 0 {
		return o.HeartbeatInterval
	}
	if o.HeartbeatTimeout > 0 {
		return o.HeartbeatTimeout / 3
	}
	return 0
}

// negotiate lowers the local ping interval to the one the server advised.
func (o SessionOptions) negotiate(advised time.Duration) SessionOptions {
	if advised <= 0 {
		return o
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval > advised {
		o.HeartbeatInterval = advised
	}
	return o
}
