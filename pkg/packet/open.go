package packet

const (
	TypeOpenRequest  = 0x0A
	TypeOpenResponse = 0x0B
)

type (
	// OpenRequest is the first frame of every data stream the server opens
	// towards a client.
	// Mode is one of the unpacker modes: "forward" or "socks".
	OpenRequest struct {
		PairID  string `json:"pair_id"`
		Mode    string `json:"mode"`
		Adapter string `json:"adapter"`
		Remote  string `json:"remote"`
	}

	OpenResponse struct {
		PairID  string `json:"pair_id"`
		Success bool   `json:"success"`
		Reason  string `json:"reason,omitempty"`
	}
)
