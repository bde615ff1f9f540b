package model

// RequestStatus tracks the lifecycle of a primary request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestRunning   RequestStatus = "running"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
)

// Terminal reports whether the status is final. A terminal request never
// transitions back to pending or running, even as enrichment patches keep
// updating its entities.
func (s RequestStatus) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed
}

// TerminalState is the recorded outcome of a request's primary processing.
// Payload holds the exact message that was (or would have been) broadcast
// when the request finished, so replay can resend it unchanged.
type TerminalState struct {
	Status  RequestStatus  `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}
