package enrich

import "errors"

// Sentinel kinds for enrichment errors.
var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
)
