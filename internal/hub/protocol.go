package hub

// Inbound message types accepted from subscribers.
const (
	messageTypeSubscribe   = "subscribe"
	messageTypeUnsubscribe = "unsubscribe"
	messageTypePing        = "ping"
	messageTypePong        = "pong"
)

// inboundMessage is the envelope for client-to-server messages.
type inboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// pongMessage answers an application-level ping.
type pongMessage struct {
	Type string `json:"type"`
}
