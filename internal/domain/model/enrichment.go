// Package model contains domain models passed between layers.
package model

// ResolutionStatus describes the outcome of a deep link resolution.
type ResolutionStatus string

const (
	// ResolutionPending means no definitive result has been written yet.
	ResolutionPending ResolutionStatus = "pending"
	// ResolutionFound means a direct deep link was confirmed.
	ResolutionFound ResolutionStatus = "found"
	// ResolutionNotFound means no direct link was confirmed; the URL points
	// at the provider's own search instead.
	ResolutionNotFound ResolutionStatus = "not_found"
)

// ResolutionSource identifies which strategy produced a resolution.
type ResolutionSource string

const (
	// SourceSearch means the link came from an external web search.
	SourceSearch ResolutionSource = "search"
	// SourceInternal means the link was constructed from the provider's own
	// search URL template.
	SourceInternal ResolutionSource = "internal"
)

// Resolution is the result of resolving one entity against one provider.
type Resolution struct {
	Status ResolutionStatus
	URL    string
	Layer  int // which fallback tier produced the result (1..3)
	Source ResolutionSource
}

// EnrichmentJob is a transient unit of background work. It is created on a
// cache miss once the idempotency lock is acquired, consumed exactly once,
// and never persisted beyond execution.
type EnrichmentJob struct {
	RequestID    string
	EntityID     string
	DisplayName  string
	LocationHint string
}
