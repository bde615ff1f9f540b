package model

import "time"

// Message type constants for the subscriber wire protocol.
const (
	MessageTypeResultPatch = "result_patch"
)

// ProviderPatch is the per-provider fragment of a result patch.
type ProviderPatch struct {
	Status    ResolutionStatus `json:"status"`
	URL       string           `json:"url,omitempty"`
	LayerUsed int              `json:"layer_used"`
	Source    ResolutionSource `json:"source"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ResultPatch is an incremental update to one entity of an already
// delivered result set, pushed to every live subscriber of the request.
type ResultPatch struct {
	Type      string                   `json:"type"`
	RequestID string                   `json:"request_id"`
	EntityID  string                   `json:"entity_id"`
	Patch     map[string]ProviderPatch `json:"patch"`
}

// SearchResult is the provider-agnostic shape returned by the external
// search collaborator.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}
