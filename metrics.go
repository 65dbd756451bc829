package burrow

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive   = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_sessions_active", Help: "Registered sessions"})
	metricHandshakesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_handshakes_total", Help: "Handshakes by result"}, []string{"result"})
	metricSessionClosed    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_sessions_closed_total", Help: "Closed sessions by cause"}, []string{"cause"})
	metricPairsActive      = promauto.NewGauge(prometheus.GaugeOpts{Name: "burrow_pairs_active", Help: "Bridged stream pairs"})
	metricPairBytes        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_pair_bytes_total", Help: "Bytes bridged by direction"}, []string{"direction"})
	metricClassifiedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "burrow_classified_total", Help: "Inbound connections by adapter"}, []string{"adapter"})
	metricPairDuration     = promauto.NewHistogram(prometheus.HistogramOpts{Name: "burrow_pair_duration_seconds", Help: "Pair lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	metricAcceptThrottled  = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_accept_throttled_total", Help: "Exposed-port connections delayed by the rate limiter"})
	metricClientReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "burrow_client_reconnects_total", Help: "Client reconnect attempts"})
)

func closeCause(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrHeartbeatTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, ErrReadTimeout):
		return "read_timeout"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "io"
	}
}
