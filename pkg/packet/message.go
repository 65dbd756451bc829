package packet

const (
	// TypeMessage carries an opaque application payload on the control stream.
	TypeMessage = 0x0C
	// TypeClose announces an orderly session shutdown.
	TypeClose = 0x0D
)

type CloseNotice struct {
	Reason string `json:"reason"`
}
