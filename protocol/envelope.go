package protocol

// MessageType is the cross-cutting envelope kind, independent of the PSI
// packet carried in the payload.
type MessageType uint8

const (
	PSIMessage MessageType = iota
	ErrorNotification
	PingPeer
)

func (t MessageType) String() string {
	switch t {
	case PSIMessage:
		return "psi"
	case ErrorNotification:
		return "error-notification"
	case PingPeer:
		return "ping"
	}
	return "unknown"
}

// Envelope is what a transport moves between parties.
type Envelope struct {
	Type     MessageType `json:"type"`
	Sender   string      `json:"sender"`
	Receiver string      `json:"receiver"`
	TaskID   string      `json:"task_id"`
	Seq      uint32      `json:"seq"`
	UUID     string      `json:"uuid"`
	Payload  []byte      `json:"payload,omitempty"`
}
