package burrow

import "time"

type (
	ServerInfo struct {
		Name      string    `json:"name"`
		Version   string    `json:"version"`
		OS        string    `json:"os"`
		CPU       int       `json:"cpu"`
		Transport string    `json:"transport"`
		Listen    string    `json:"listen"`
		Sessions  int       `json:"sessions"`
		Adapters  []string  `json:"adapters"`
		Codecs    []string  `json:"codecs"`
		Uptime    time.Time `json:"uptime"`
	}

	SessionInfo struct {
		ID            string     `json:"id"`
		ClientID      string     `json:"client_id"`
		Name          string     `json:"name"`
		Role          string     `json:"role"`
		State         string     `json:"state"`
		Remote        string     `json:"remote"`
		Exposed       string     `json:"exposed,omitempty"`
		Intent        Intent     `json:"intent"`
		CreatedAt     time.Time  `json:"created_at"`
		LastActivity  time.Time  `json:"last_activity"`
		LastHeartbeat time.Time  `json:"last_heartbeat"`
		Pairs         []PairInfo `json:"pairs"`
	}

	PairInfo struct {
		ID         string    `json:"id"`
		Adapter    string    `json:"adapter"`
		Mode       string    `json:"mode"`
		Remote     string    `json:"remote"`
		Upstream   int64     `json:"upstream"`
		Downstream int64     `json:"downstream"`
		CreatedAt  time.Time `json:"created_at"`
	}

	apiResponse struct {
		Code   int    `json:"code"`
		Reason string `json:"reason,omitempty"`
		Data   any    `json:"data,omitempty"`
	}
)
