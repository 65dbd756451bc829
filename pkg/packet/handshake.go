package packet

import "time"

const (
	TypeHandshakeRequest  = 0x01
	TypeHandshakeResponse = 0x02
)

const (
	CodeSuccess           = 0
	CodeFailure           = 1
	CodeAlreadyRegistered = 2
)

type (
	// HandshakeRequest registers a client and declares its forwarding intent.
	HandshakeRequest struct {
		Token    string    `json:"token"`
		ClientID string    `json:"client_id"`
		Name     string    `json:"name"`
		OS       string    `json:"os"`
		Version  string    `json:"version"`
		Bind     string    `json:"bind"`
		Target   string    `json:"target"`
		Codec    string    `json:"codec"`
		Encrypt  bool      `json:"encrypt"`
		Uptime   time.Time `json:"uptime"`
	}

	HandshakeResponse struct {
		Code      int    `json:"code"`
		SessionID string `json:"session_id,omitempty"`
		Reason    string `json:"reason,omitempty"`
		// Bind is the address actually listened on, useful with port 0.
		Bind string `json:"bind,omitempty"`
		// HeartbeatInterval is the longest ping interval, in milliseconds,
		// the server's heartbeat timeout tolerates.
		HeartbeatInterval int64 `json:"heartbeat_interval,omitempty"`
	}
)

func CodeText(code int) string {
	switch code {
	case CodeSuccess:
		return "success"
	case CodeFailure:
		return "failure"
	case CodeAlreadyRegistered:
		return "already-registered"
	default:
		return "unknown"
	}
}
