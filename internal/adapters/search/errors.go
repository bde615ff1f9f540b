package search

import "errors"

// Sentinel kinds for search provider errors.
var (
	// ErrNoCredentials means the client was built without an API key;
	// callers fall straight through to the internal fallback link.
	ErrNoCredentials = errors.New("search credentials not configured")

	// ErrProviderUnavailable covers timeouts, 5xx and rate-limit responses.
	ErrProviderUnavailable = errors.New("search provider unavailable")

	// ErrProviderRejected covers non-retryable 4xx responses.
	ErrProviderRejected = errors.New("search provider rejected request")
)
